package handler

import (
	"io"
	"net/http"

	"github.com/bda-association/bda-portal/internal/http/middleware"
	"github.com/bda-association/bda-portal/internal/http/response"
)

const commerceSignatureHeader = "X-Commerce-Signature"

type CommerceHandler struct {
	commerceSvc CommerceService
}

func NewCommerceHandler(commerceSvc CommerceService) *CommerceHandler {
	return &CommerceHandler{commerceSvc: commerceSvc}
}

// Webhook reads the raw body because the signature covers the exact bytes.
func (h *CommerceHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			response.Error(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
			return
		}
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	res, err := h.commerceSvc.HandleWebhook(r.Context(), body, r.Header.Get(commerceSignatureHeader))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}
