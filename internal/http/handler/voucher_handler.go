package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

type VoucherHandler struct {
	voucherSvc VoucherService
}

func NewVoucherHandler(voucherSvc VoucherService) *VoucherHandler {
	return &VoucherHandler{voucherSvc: voucherSvc}
}

// List serves both partner and admin listings; the service scopes partner
// managers to their own organisation.
func (h *VoucherHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	pageReq, err := parsePageRequest(r)
	if err != nil {
		badQuery(w, r, err)
		return
	}
	partnerID, err := optionalUintQuery(r, "partner_id")
	if err != nil {
		badQuery(w, r, err)
		return
	}
	certificationID, err := optionalUintQuery(r, "certification_id")
	if err != nil {
		badQuery(w, r, err)
		return
	}
	res, err := h.voucherSvc.ListForPartner(r.Context(), actor, service.VoucherFilterInput{
		PartnerID:       partnerID,
		CertificationID: certificationID,
		Status:          strings.TrimSpace(r.URL.Query().Get("status")),
		Page:            pageReq.Page,
		PageSize:        pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *VoucherHandler) Assign(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.AssignVoucherInput
	if !decodeJSON(w, r, &body) {
		return
	}
	v, err := h.voucherSvc.Assign(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, v)
}

func (h *VoucherHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.CreateVoucherBatchInput
	if !decodeJSON(w, r, &body) {
		return
	}
	vouchers, err := h.voucherSvc.CreateBatch(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, listData(vouchers))
}

func (h *VoucherHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	v, err := h.voucherSvc.Revoke(r.Context(), actor, chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, v)
}
