package handler

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bda-association/bda-portal/internal/http/middleware"
	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

const bulkUploadField = "file"

type AdminHandler struct {
	userSvc        UserService
	inviteSvc      InviteService
	bulkSvc        BulkService
	roleMappingSvc RoleMappingService
	partnerSvc     PartnerService
	auditSvc       AuditService
	emailSvc       EmailService
	commerceSvc    CommerceService
	maxUploadBytes int64
}

func NewAdminHandler(
	userSvc UserService,
	inviteSvc InviteService,
	bulkSvc BulkService,
	roleMappingSvc RoleMappingService,
	partnerSvc PartnerService,
	auditSvc AuditService,
	emailSvc EmailService,
	commerceSvc CommerceService,
	maxUploadBytes int64,
) *AdminHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 5 << 20
	}
	return &AdminHandler{
		userSvc:        userSvc,
		inviteSvc:      inviteSvc,
		bulkSvc:        bulkSvc,
		roleMappingSvc: roleMappingSvc,
		partnerSvc:     partnerSvc,
		auditSvc:       auditSvc,
		emailSvc:       emailSvc,
		commerceSvc:    commerceSvc,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
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
	q := r.URL.Query()
	res, err := h.userSvc.List(r.Context(), service.UserFilterInput{
		Role:      strings.TrimSpace(q.Get("role")),
		Status:    strings.TrimSpace(q.Get("status")),
		PartnerID: partnerID,
		Search:    strings.TrimSpace(q.Get("q")),
		Page:      pageReq.Page,
		PageSize:  pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.CreateUserInput
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := h.inviteSvc.CreateUser(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, u)
}

func (h *AdminHandler) ResendInvite(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	u, err := h.inviteSvc.ResendInvite(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, u)
}

func (h *AdminHandler) SetUserStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body service.SetUserStatusInput
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := h.userSvc.SetStatus(r.Context(), actor, id, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, u)
}

func (h *AdminHandler) SetUserRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body service.SetUserRoleInput
	if !decodeJSON(w, r, &body) {
		return
	}
	u, err := h.userSvc.SetRole(r.Context(), actor, id, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, u)
}

// BulkUpload accepts a multipart form with a CSV or XLSX file and optional
// default_role and partner_id fields.
func (h *AdminHandler) BulkUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+(64<<10))
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		if middleware.IsBodyTooLarge(err) {
			response.Error(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "upload too large", nil)
			return
		}
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "expected multipart form data", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile(bulkUploadField)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "missing file field", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "could not read upload", nil)
		return
	}
	if int64(len(data)) > h.maxUploadBytes {
		response.Error(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "upload too large", nil)
		return
	}
	var partnerID *uint
	if raw := strings.TrimSpace(r.FormValue("partner_id")); raw != "" {
		id, err := parsePathID(raw)
		if err != nil {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid partner_id", nil)
			return
		}
		partnerID = &id
	}
	result, err := h.bulkSvc.Upload(r.Context(), actor, service.BulkUploadInput{
		Filename:    header.Filename,
		Data:        data,
		DefaultRole: strings.TrimSpace(r.FormValue("default_role")),
		PartnerID:   partnerID,
	})
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) && result != nil {
			response.Error(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "file rejected", map[string]any{
				"fields": verr.Fields,
				"job":    result.Job,
			})
			return
		}
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, result)
}

func (h *AdminHandler) BulkJob(w http.ResponseWriter, r *http.Request) {
	result, err := h.bulkSvc.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *AdminHandler) BulkSourceFile(w http.ResponseWriter, r *http.Request) {
	src, err := h.bulkSvc.SourceFile(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", src.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", src.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(src.Data)
}

func (h *AdminHandler) BulkTemplate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="bda-user-import.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write(service.BulkTemplateHeader())
	cw.Flush()
}

func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	matrix, err := h.userSvc.RoleMatrix(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, matrix)
}

func (h *AdminHandler) ListRoleMappings(w http.ResponseWriter, r *http.Request) {
	items, err := h.roleMappingSvc.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, listData(items))
}

func (h *AdminHandler) UpsertRoleMapping(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.UpsertRoleMappingInput
	if !decodeJSON(w, r, &body) {
		return
	}
	m, err := h.roleMappingSvc.Upsert(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, m)
}

func (h *AdminHandler) DeleteRoleMapping(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := h.roleMappingSvc.Delete(r.Context(), actor, chi.URLParam(r, "externalRole")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *AdminHandler) ListPartners(w http.ResponseWriter, r *http.Request) {
	pageReq, err := parsePageRequest(r)
	if err != nil {
		badQuery(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.partnerSvc.List(r.Context(), service.PartnerFilterInput{
		Type:     strings.TrimSpace(q.Get("type")),
		Status:   strings.TrimSpace(q.Get("status")),
		Search:   strings.TrimSpace(q.Get("q")),
		Page:     pageReq.Page,
		PageSize: pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *AdminHandler) GetPartner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	p, err := h.partnerSvc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, p)
}

func (h *AdminHandler) CreatePartner(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.PartnerInput
	if !decodeJSON(w, r, &body) {
		return
	}
	p, err := h.partnerSvc.Create(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, p)
}

func (h *AdminHandler) UpdatePartner(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body service.PartnerInput
	if !decodeJSON(w, r, &body) {
		return
	}
	p, err := h.partnerSvc.Update(r.Context(), actor, id, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, p)
}

func (h *AdminHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	pageReq, err := parsePageRequest(r)
	if err != nil {
		badQuery(w, r, err)
		return
	}
	from, err := optionalTimeQuery(r, "from")
	if err != nil {
		badQuery(w, r, err)
		return
	}
	to, err := optionalTimeQuery(r, "to")
	if err != nil {
		badQuery(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.auditSvc.List(r.Context(), service.AuditFilterInput{
		ActorUserID: strings.TrimSpace(q.Get("actor_user_id")),
		TargetType:  strings.TrimSpace(q.Get("target_type")),
		TargetID:    strings.TrimSpace(q.Get("target_id")),
		EventName:   strings.TrimSpace(q.Get("event_name")),
		Outcome:     strings.TrimSpace(q.Get("outcome")),
		From:        from,
		To:          to,
		Page:        pageReq.Page,
		PageSize:    pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *AdminHandler) ListEmails(w http.ResponseWriter, r *http.Request) {
	pageReq, err := parsePageRequest(r)
	if err != nil {
		badQuery(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := h.emailSvc.List(r.Context(), service.EmailFilterInput{
		Status:   strings.TrimSpace(q.Get("status")),
		Template: strings.TrimSpace(q.Get("template")),
		ToEmail:  strings.TrimSpace(q.Get("to")),
		Page:     pageReq.Page,
		PageSize: pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *AdminHandler) RetryEmail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	item, err := h.emailSvc.RetryFailed(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, item)
}

type commerceSyncRequest struct {
	Since *time.Time `json:"since"`
}

// SyncCommerce accepts an empty body to resume from the last synced order.
func (h *AdminHandler) SyncCommerce(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body commerceSyncRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	res, err := h.commerceSvc.SyncOrders(r.Context(), actor, "manual", body.Since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}
