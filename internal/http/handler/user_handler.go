package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

// UserHandler serves the /me routes of the signed-in user.
type UserHandler struct {
	userSvc    UserService
	consentSvc ConsentService
	certSvc    CertificationService
	examSvc    ExamService
	voucherSvc VoucherService
}

func NewUserHandler(userSvc UserService, consentSvc ConsentService, certSvc CertificationService, examSvc ExamService, voucherSvc VoucherService) *UserHandler {
	return &UserHandler{
		userSvc:    userSvc,
		consentSvc: consentSvc,
		certSvc:    certSvc,
		examSvc:    examSvc,
		voucherSvc: voucherSvc,
	}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	u, perms, err := h.userSvc.GetByID(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	completion, err := h.userSvc.ProfileCompletion(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":               u,
		"permissions":        perms,
		"profile_completion": completion,
	})
}

func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	u, _, err := h.userSvc.GetByID(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, u)
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.UpdateProfileInput
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := h.userSvc.UpdateProfile(r.Context(), actor.UserID, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, u)
}

func (h *UserHandler) ProfileCompletion(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	completion, err := h.userSvc.ProfileCompletion(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, completion)
}

func (h *UserHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	dash, err := h.userSvc.Dashboard(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, dash)
}

func (h *UserHandler) Consents(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	current, err := h.consentSvc.Current(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	history, err := h.consentSvc.ListForUser(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"current": current, "history": history})
}

func (h *UserHandler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.RecordConsentInput
	if !decodeJSON(w, r, &body) {
		return
	}
	rec, err := h.consentSvc.Record(r.Context(), actor.UserID, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, rec)
}

func (h *UserHandler) Certificates(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	certs, err := h.certSvc.ListForUser(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, listData(certs))
}

// CertificatePDF returns a short-lived download link. Ownership is checked
// by the certification service.
func (h *UserHandler) CertificatePDF(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	url, err := h.certSvc.DownloadURL(r.Context(), actor, chi.URLParam(r, "credentialID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"url": url})
}

func (h *UserHandler) Bookings(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	bookings, err := h.examSvc.ListBookingsForUser(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, listData(bookings))
}

func (h *UserHandler) Vouchers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	vouchers, err := h.voucherSvc.ListForUser(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, listData(vouchers))
}
