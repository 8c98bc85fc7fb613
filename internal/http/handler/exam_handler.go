package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/service"
)

type ExamHandler struct {
	examSvc ExamService
}

func NewExamHandler(examSvc ExamService) *ExamHandler {
	return &ExamHandler{examSvc: examSvc}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type bookRequest struct {
	VoucherCode string `json:"voucher_code"`
}

type resultResponse struct {
	Booking     *domain.ExamBooking `json:"booking"`
	Certificate *domain.Certificate `json:"certificate,omitempty"`
}

func (h *ExamHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
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
	includePast := false
	if raw := strings.TrimSpace(r.URL.Query().Get("include_past")); raw != "" {
		includePast, err = strconv.ParseBool(raw)
		if err != nil {
			badQuery(w, r, err)
			return
		}
	}
	res, err := h.examSvc.ListSchedules(r.Context(), service.ScheduleFilterInput{
		PartnerID:       partnerID,
		CertificationID: certificationID,
		Status:          strings.TrimSpace(r.URL.Query().Get("status")),
		IncludePast:     includePast,
		Page:            pageReq.Page,
		PageSize:        pageReq.PageSize,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, paginatedData(res))
}

func (h *ExamHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body service.CreateScheduleInput
	if !decodeJSON(w, r, &body) {
		return
	}
	sched, err := h.examSvc.CreateSchedule(r.Context(), actor, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, sched)
}

func (h *ExamHandler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body reasonRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	sched, err := h.examSvc.CancelSchedule(r.Context(), actor, id, body.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, sched)
}

func (h *ExamHandler) ScheduleBookings(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	bookings, err := h.examSvc.ListBookingsForSchedule(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, listData(bookings))
}

func (h *ExamHandler) Book(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body bookRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	booking, err := h.examSvc.Book(r.Context(), actor, service.BookExamInput{ScheduleID: id, VoucherCode: body.VoucherCode})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, booking)
}

func (h *ExamHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	booking, err := h.examSvc.CancelBooking(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, booking)
}

func (h *ExamHandler) RecordResult(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	var body service.RecordResultInput
	if !decodeJSON(w, r, &body) {
		return
	}
	booking, cert, err := h.examSvc.RecordResult(r.Context(), actor, id, body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, resultResponse{Booking: booking, Certificate: cert})
}
