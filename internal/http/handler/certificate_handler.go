package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

type CertificateHandler struct {
	certSvc CertificationService
}

func NewCertificateHandler(certSvc CertificationService) *CertificateHandler {
	return &CertificateHandler{certSvc: certSvc}
}

// Verify is the public lookup used by employers and third parties.
func (h *CertificateHandler) Verify(w http.ResponseWriter, r *http.Request) {
	credentialID := strings.TrimSpace(chi.URLParam(r, "credentialID"))
	if credentialID == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "credential id is required", nil)
		return
	}
	res, err := h.certSvc.Verify(r.Context(), credentialID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *CertificateHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	h.listCatalog(w, r, true)
}

func (h *CertificateHandler) AdminCatalog(w http.ResponseWriter, r *http.Request) {
	h.listCatalog(w, r, false)
}

func (h *CertificateHandler) listCatalog(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	items, err := h.certSvc.ListCatalog(r.Context(), activeOnly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, listData(items))
}

func (h *CertificateHandler) CreateCertification(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.CertificationInput
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := h.certSvc.CreateCertification(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, c)
}

func (h *CertificateHandler) UpdateCertification(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body service.CertificationInput
	if !decodeJSON(w, r, &body) {
		return
	}
	c, err := h.certSvc.UpdateCertification(r.Context(), actor, id, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, c)
}

func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	pageReq, err := parsePageRequest(r)
	if err != nil {
		badQuery(w, r, err)
		return
	}
	userID, err := optionalUintQuery(r, "user_id")
	if err != nil {
		badQuery(w, r, err)
		return
	}
	res, err := h.certSvc.ListAll(r.Context(), service.CertificateFilterInput{
		UserID:            userID,
		CertificationCode: strings.TrimSpace(r.URL.Query().Get("certification")),
		Status:            strings.TrimSpace(r.URL.Query().Get("status")),
		Page:              pageReq.Page,
		PageSize:          pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *CertificateHandler) Issue(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.IssueCertificateInput
	if !decodeJSON(w, r, &body) {
		return
	}
	cert, err := h.certSvc.Issue(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, cert)
}

func (h *CertificateHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	cert, err := h.certSvc.Revoke(r.Context(), actor, chi.URLParam(r, "credentialID"), body.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, cert)
}

// Render regenerates and stores the PDF, e.g. after a template change.
func (h *CertificateHandler) Render(w http.ResponseWriter, r *http.Request) {
	cert, err := h.certSvc.RenderPDF(r.Context(), chi.URLParam(r, "credentialID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, cert)
}
