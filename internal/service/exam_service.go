package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

// Exam reminders go out this long before the session starts.
var examReminderOffsets = []time.Duration{7 * 24 * time.Hour, 24 * time.Hour}

const bookingReminderReference = "booking"

type CreateScheduleInput struct {
	CertificationID uint      `json:"certification_id" validate:"required"`
	PartnerID       *uint     `json:"partner_id"`
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	EndsAt          time.Time `json:"ends_at" validate:"required"`
	Location        string    `json:"location" validate:"max=255"`
	Mode            string    `json:"mode" validate:"required,oneof=online in_person"`
	Capacity        int       `json:"capacity" validate:"gte=1,lte=10000"`
}

type ScheduleFilterInput struct {
	PartnerID       *uint
	CertificationID *uint
	Status          string
	IncludePast     bool
	Page            int
	PageSize        int
}

type BookExamInput struct {
	ScheduleID  uint   `json:"schedule_id" validate:"required"`
	VoucherCode string `json:"voucher_code"`
}

type RecordResultInput struct {
	Outcome string   `json:"outcome" validate:"required,oneof=passed failed no_show"`
	Score   *float64 `json:"score" validate:"omitempty,gte=0,lte=100"`
}

type ExamService struct {
	tx        repository.Transactor
	repos     *repository.Repositories
	vouchers  *VoucherService
	certs     *CertificationService
	emails    *EmailService
	publisher EventPublisher
	audit     *AuditService
	logger    *slog.Logger
	now       func() time.Time
}

func NewExamService(
	tx repository.Transactor,
	repos *repository.Repositories,
	vouchers *VoucherService,
	certs *CertificationService,
	emails *EmailService,
	publisher EventPublisher,
	audit *AuditService,
	logger *slog.Logger,
) *ExamService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &ExamService{
		tx:        tx,
		repos:     repos,
		vouchers:  vouchers,
		certs:     certs,
		emails:    emails,
		publisher: publisher,
		audit:     audit,
		logger:    observability.Component(logger, "exams"),
		now:       systemNow,
	}
}

func (s *ExamService) CreateSchedule(ctx context.Context, actor Actor, in CreateScheduleInput) (*domain.ExamSchedule, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	now := s.now()
	if !in.StartsAt.After(now) {
		return nil, fieldError("starts_at", "must be in the future")
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, fieldError("ends_at", "must be after starts_at")
	}
	if in.Mode == domain.ExamModeInPerson && isBlank(in.Location) {
		return nil, fieldError("location", "is required for in-person exams")
	}

	partnerID, err := partnerOf(ctx, s.repos.Users, actor)
	if err != nil {
		return nil, err
	}
	if partnerID == nil {
		if in.PartnerID == nil {
			return nil, fieldError("partner_id", "is required")
		}
		partnerID = in.PartnerID
	}
	partner, err := s.repos.Partners.FindByID(ctx, *partnerID)
	if err != nil {
		return nil, err
	}
	if partner.Type != domain.PartnerTypeECP || partner.Status != domain.PartnerStatusActive {
		return nil, ErrForbidden
	}
	certification, err := s.repos.Certifications.FindByID(ctx, in.CertificationID)
	if err != nil {
		return nil, err
	}
	if !certification.Active {
		return nil, ErrCertificationClosed
	}

	sched := &domain.ExamSchedule{
		CertificationID: certification.ID,
		PartnerID:       partner.ID,
		StartsAt:        in.StartsAt.UTC(),
		EndsAt:          in.EndsAt.UTC(),
		Location:        strings.TrimSpace(in.Location),
		Mode:            in.Mode,
		Capacity:        in.Capacity,
		Status:          domain.ScheduleStatusScheduled,
		CreatedBy:       actor.UserID,
	}
	if err := s.repos.Schedules.Create(ctx, sched); err != nil {
		return nil, err
	}
	sched.Certification = certification
	sched.Partner = partner
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "exam_schedule.created",
		ActorUserID: actor.auditID(),
		TargetType:  "exam_schedule",
		TargetID:    uintString(sched.ID),
		Action:      "create",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"partner_id": partner.ID, "certification": certification.Code},
	})
	return sched, nil
}

// ListSchedules returns upcoming open sessions unless the filter asks for
// past ones or another status.
func (s *ExamService) ListSchedules(ctx context.Context, in ScheduleFilterInput) (repository.PageResult[domain.ExamSchedule], error) {
	filter := repository.ScheduleFilter{
		PartnerID:       in.PartnerID,
		CertificationID: in.CertificationID,
		Status:          in.Status,
	}
	if filter.Status == "" && !in.IncludePast {
		filter.Status = domain.ScheduleStatusScheduled
	}
	if !in.IncludePast {
		now := s.now()
		filter.StartsAfter = &now
	}
	return s.repos.Schedules.ListPaged(ctx, filter, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
}

func (s *ExamService) scheduleForActor(ctx context.Context, actor Actor, id uint) (*domain.ExamSchedule, error) {
	partnerID, err := partnerOf(ctx, s.repos.Users, actor)
	if err != nil {
		return nil, err
	}
	sched, err := s.repos.Schedules.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if partnerID != nil && sched.PartnerID != *partnerID {
		return nil, repository.ErrScheduleNotFound
	}
	return sched, nil
}

// CancelSchedule cancels the session and every open booking on it. Voucher
// uses are given back and attendees are emailed.
func (s *ExamService) CancelSchedule(ctx context.Context, actor Actor, id uint, reason string) (*domain.ExamSchedule, error) {
	sched, err := s.scheduleForActor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "The exam session was cancelled by the organiser."
	}
	now := s.now()
	var cancelled []domain.ExamBooking
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Schedules.TransitionStatus(ctx, sched.ID, domain.ScheduleStatusScheduled, domain.ScheduleStatusCancelled); err != nil {
			return err
		}
		open, err := repos.Bookings.ListOpenForSchedule(ctx, sched.ID)
		if err != nil {
			return err
		}
		for i := range open {
			b := &open[i]
			b.Schedule = sched
			if err := s.cancelBookingInTx(ctx, repos, b, reason, now); err != nil {
				return err
			}
			cancelled = append(cancelled, *b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sched.Status = domain.ScheduleStatusCancelled
	for i := range cancelled {
		s.publishBooking(ctx, events.BookingCancelled, &cancelled[i], sched, now)
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "exam_schedule.cancelled",
		ActorUserID: actor.auditID(),
		TargetType:  "exam_schedule",
		TargetID:    uintString(sched.ID),
		Action:      "cancel",
		Outcome:     observability.AuditOutcomeSuccess,
		Reason:      reason,
		Metadata:    map[string]any{"bookings_cancelled": len(cancelled)},
	})
	return sched, nil
}

// Book reserves a seat and redeems the voucher in one transaction.
func (s *ExamService) Book(ctx context.Context, actor Actor, in BookExamInput) (*domain.ExamBooking, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	now := s.now()
	var (
		booking *domain.ExamBooking
		sched   *domain.ExamSchedule
	)
	err := s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		var err error
		sched, err = repos.Schedules.FindByID(ctx, in.ScheduleID)
		if err != nil {
			return err
		}
		if sched.Status != domain.ScheduleStatusScheduled || !sched.StartsAt.After(now) {
			return ErrScheduleNotOpen
		}
		user, err := repos.Users.FindByID(ctx, actor.UserID)
		if err != nil {
			return err
		}
		if user.Status != domain.UserStatusActive {
			return ErrAccountNotActivated
		}
		open, err := repos.Bookings.HasOpen(ctx, sched.ID, user.ID)
		if err != nil {
			return err
		}
		if open {
			return ErrAlreadyBooked
		}
		if err := repos.Schedules.ReserveSeat(ctx, sched.ID); err != nil {
			return err
		}
		voucher, err := s.vouchers.Redeem(ctx, repos, in.VoucherCode, user.ID, sched.CertificationID)
		if err != nil {
			return err
		}
		booking = &domain.ExamBooking{
			ScheduleID: sched.ID,
			UserID:     user.ID,
			VoucherID:  uintPtr(voucher.ID),
			Status:     domain.BookingStatusBooked,
		}
		if err := repos.Bookings.Create(ctx, booking); err != nil {
			if errors.Is(err, repository.ErrOpenBookingExists) {
				return ErrAlreadyBooked
			}
			return err
		}
		booking.User = user
		booking.Schedule = sched

		for _, offset := range examReminderOffsets {
			due := sched.StartsAt.Add(-offset)
			if !due.After(now) {
				continue
			}
			if err := repos.Reminders.CreateIfAbsent(ctx, &domain.Reminder{
				UserID:        user.ID,
				Kind:          domain.ReminderKindExamUpcoming,
				ReferenceType: bookingReminderReference,
				ReferenceID:   booking.ID,
				DueAt:         due,
			}); err != nil {
				return err
			}
		}
		_, err = s.emails.EnqueueWith(ctx, repos.Emails, EmailRequest{
			ToEmail:  user.Email,
			ToName:   user.DisplayName(),
			Template: TemplateBookingConfirmed,
			Data: map[string]any{
				"CertificationName": certificationName(sched),
				"StartsAt":          formatDateTime(sched.StartsAt),
				"Mode":              sched.Mode,
				"Location":          sched.Location,
			},
		})
		return err
	})
	if err != nil {
		observability.RecordBookingEvent(ctx, "book", "failure")
		return nil, err
	}
	observability.RecordBookingEvent(ctx, "book", "success")
	observability.RecordVoucherEvent(ctx, "redeem", "success")
	s.publishBooking(ctx, events.BookingConfirmed, booking, sched, now)
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "exam_booking.created",
		ActorUserID: actor.auditID(),
		TargetType:  "exam_booking",
		TargetID:    uintString(booking.ID),
		Action:      "book",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"schedule_id": sched.ID, "voucher_id": *booking.VoucherID},
	})
	return booking, nil
}

func certificationName(sched *domain.ExamSchedule) string {
	if sched.Certification != nil {
		return sched.Certification.Name
	}
	return ""
}

// CancelBooking is allowed for the booking owner or an admin until the
// session starts.
func (s *ExamService) CancelBooking(ctx context.Context, actor Actor, bookingID uint) (*domain.ExamBooking, error) {
	booking, err := s.repos.Bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, repository.ErrBookingNotFound
	}
	now := s.now()
	if booking.Status != domain.BookingStatusBooked || booking.Schedule == nil || !booking.Schedule.StartsAt.After(now) {
		return nil, ErrBookingLocked
	}
	reason := "The booking was cancelled at your request."
	if booking.UserID != actor.UserID {
		reason = "The booking was cancelled by an administrator."
	}
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		if err := s.cancelBookingInTx(ctx, repos, booking, reason, now); err != nil {
			return err
		}
		return repos.Schedules.ReleaseSeat(ctx, booking.ScheduleID)
	})
	if err != nil {
		observability.RecordBookingEvent(ctx, "cancel", "failure")
		return nil, err
	}
	observability.RecordBookingEvent(ctx, "cancel", "success")
	s.publishBooking(ctx, events.BookingCancelled, booking, booking.Schedule, now)
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "exam_booking.cancelled",
		ActorUserID: actor.auditID(),
		TargetType:  "exam_booking",
		TargetID:    uintString(booking.ID),
		Action:      "cancel",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return booking, nil
}

// cancelBookingInTx flips the booking, returns its voucher use, drops its
// pending reminders and emails the attendee. Seats are released by the
// caller.
func (s *ExamService) cancelBookingInTx(ctx context.Context, repos *repository.Repositories, b *domain.ExamBooking, reason string, now time.Time) error {
	if err := repos.Bookings.Transition(ctx, b.ID, domain.BookingStatusBooked, map[string]any{
		"status":       domain.BookingStatusCancelled,
		"cancelled_at": now,
	}); err != nil {
		return err
	}
	b.Status = domain.BookingStatusCancelled
	b.CancelledAt = &now
	if b.VoucherID != nil {
		if err := s.vouchers.Release(ctx, repos, *b.VoucherID); err != nil {
			return err
		}
	}
	if _, err := repos.Reminders.CancelForReference(ctx, domain.ReminderKindExamUpcoming, bookingReminderReference, b.ID, now); err != nil {
		return err
	}
	if b.User == nil {
		return nil
	}
	_, err := s.emails.EnqueueWith(ctx, repos.Emails, EmailRequest{
		ToEmail:  b.User.Email,
		ToName:   b.User.DisplayName(),
		Template: TemplateBookingCancelled,
		Data: map[string]any{
			"CertificationName": certificationName(b.Schedule),
			"StartsAt":          formatDateTime(b.Schedule.StartsAt),
			"Reason":            reason,
		},
	})
	return err
}

// RecordResult stores the exam outcome. A pass issues the certificate in
// the same transaction.
func (s *ExamService) RecordResult(ctx context.Context, actor Actor, bookingID uint, in RecordResultInput) (*domain.ExamBooking, *domain.Certificate, error) {
	if err := validateStruct(in); err != nil {
		return nil, nil, err
	}
	booking, err := s.repos.Bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.scheduleForActor(ctx, actor, booking.ScheduleID); err != nil {
		if errors.Is(err, repository.ErrScheduleNotFound) {
			return nil, nil, repository.ErrBookingNotFound
		}
		return nil, nil, err
	}
	now := s.now()
	if booking.Schedule.StartsAt.After(now) {
		return nil, nil, ErrResultTooEarly
	}
	if booking.Status != domain.BookingStatusBooked {
		return nil, nil, ErrBookingLocked
	}

	var cert *domain.Certificate
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		updates := map[string]any{
			"status":             in.Outcome,
			"result_recorded_at": now,
		}
		if in.Score != nil {
			updates["score"] = *in.Score
		}
		if err := repos.Bookings.Transition(ctx, booking.ID, domain.BookingStatusBooked, updates); err != nil {
			return err
		}
		if in.Outcome != domain.BookingStatusPassed {
			return nil
		}
		var err error
		cert, err = s.certs.issueInTx(ctx, repos, IssueCertificateInput{
			UserID:          booking.UserID,
			CertificationID: booking.Schedule.CertificationID,
			ExamBookingID:   uintPtr(booking.ID),
		})
		return err
	})
	if err != nil {
		observability.RecordBookingEvent(ctx, "result", "failure")
		return nil, nil, err
	}
	booking.Status = in.Outcome
	booking.Score = in.Score
	booking.ResultRecordedAt = &now
	observability.RecordBookingEvent(ctx, "result", "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "exam_booking.result_recorded",
		ActorUserID: actor.auditID(),
		TargetType:  "exam_booking",
		TargetID:    uintString(booking.ID),
		Action:      "record_result",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"outcome": in.Outcome},
	})
	if cert != nil {
		s.certs.afterIssue(ctx, actor, cert)
	}
	return booking, cert, nil
}

func (s *ExamService) ListBookingsForUser(ctx context.Context, userID uint) ([]domain.ExamBooking, error) {
	return s.repos.Bookings.ListForUser(ctx, userID)
}

func (s *ExamService) ListBookingsForSchedule(ctx context.Context, actor Actor, scheduleID uint) ([]domain.ExamBooking, error) {
	if _, err := s.scheduleForActor(ctx, actor, scheduleID); err != nil {
		return nil, err
	}
	return s.repos.Bookings.ListForSchedule(ctx, scheduleID)
}

func (s *ExamService) publishBooking(ctx context.Context, routingKey string, b *domain.ExamBooking, sched *domain.ExamSchedule, at time.Time) {
	ev := events.BookingEvent{
		BookingID:  b.ID,
		ScheduleID: b.ScheduleID,
		UserID:     b.UserID,
		OccurredAt: at,
	}
	if sched != nil {
		ev.StartsAt = sched.StartsAt
		if sched.Certification != nil {
			ev.CertificationCode = sched.Certification.Code
		}
	}
	if err := s.publisher.Publish(ctx, routingKey, ev); err != nil {
		s.logger.WarnContext(ctx, "publish booking event failed", "routing_key", routingKey, "booking_id", b.ID, "error", err)
	}
}
