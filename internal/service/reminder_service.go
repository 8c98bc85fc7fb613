package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

const reminderMaxAttempts = 5

type ReminderBatchResult struct {
	Due                 int   `json:"due"`
	Sent                int   `json:"sent"`
	Cancelled           int   `json:"cancelled"`
	Skipped             int   `json:"skipped"`
	Failed              int   `json:"failed"`
	CertificatesExpired int   `json:"certificates_expired"`
	VouchersExpired     int64 `json:"vouchers_expired"`
}

type ReminderService struct {
	tx        repository.Transactor
	repos     *repository.Repositories
	emails    *EmailService
	certs     *CertificationService
	vouchers  *VoucherService
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewReminderService(
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *EmailService,
	certs *CertificationService,
	vouchers *VoucherService,
	batchSize int,
	logger *slog.Logger,
) *ReminderService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &ReminderService{
		tx:        tx,
		repos:     repos,
		emails:    emails,
		certs:     certs,
		vouchers:  vouchers,
		batchSize: batchSize,
		logger:    observability.Component(logger, "reminders"),
		now:       systemNow,
	}
}

// ProcessDue sends every pending reminder that has come due, then expires
// stale certificates and vouchers.
func (s *ReminderService) ProcessDue(ctx context.Context) (ReminderBatchResult, error) {
	var result ReminderBatchResult
	now := s.now()
	due, err := s.repos.Reminders.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return result, err
	}
	result.Due = len(due)
	for i := range due {
		outcome, err := s.process(ctx, &due[i], now)
		if err != nil {
			observability.RecordReminderEvent(ctx, due[i].Kind, "error")
			s.deferFailed(ctx, &due[i], err, now)
			result.Failed++
			continue
		}
		observability.RecordReminderEvent(ctx, due[i].Kind, outcome)
		switch outcome {
		case "sent":
			result.Sent++
		case "cancelled":
			result.Cancelled++
		default:
			result.Skipped++
		}
	}

	expired, err := s.certs.ExpireStale(ctx, s.batchSize)
	result.CertificatesExpired = expired
	if err != nil {
		return result, err
	}
	result.VouchersExpired, err = s.vouchers.ExpireStale(ctx)
	return result, err
}

// deferFailed backs a failing reminder off so it stops holding the head of
// the due queue, and gives up after reminderMaxAttempts.
func (s *ReminderService) deferFailed(ctx context.Context, rem *domain.Reminder, cause error, now time.Time) {
	logger := s.logger.With("reminder_id", rem.ID, "kind", rem.Kind)
	attempts := rem.Attempts + 1
	if attempts >= reminderMaxAttempts {
		logger.ErrorContext(ctx, "reminder failed permanently", "attempts", attempts, "error", cause)
		if err := s.repos.Reminders.MarkFailed(ctx, rem.ID, attempts, cause.Error(), now); err != nil {
			logger.ErrorContext(ctx, "mark reminder failed", "error", err)
		}
		return
	}
	next := now.Add(EmailRetryDelay(attempts))
	logger.WarnContext(ctx, "reminder processing failed, will retry", "error", cause, "next_attempt_at", next)
	if err := s.repos.Reminders.MarkRetry(ctx, rem.ID, attempts, cause.Error(), next); err != nil {
		logger.ErrorContext(ctx, "mark reminder retry", "error", err)
	}
}

func (s *ReminderService) process(ctx context.Context, rem *domain.Reminder, now time.Time) (string, error) {
	req, ok, err := s.reminderEmail(ctx, rem, now)
	if err != nil {
		return "", err
	}
	if !ok {
		changed, err := s.repos.Reminders.MarkCancelled(ctx, rem.ID, now)
		if err != nil || !changed {
			return "skipped", err
		}
		return "cancelled", nil
	}
	outcome := "skipped"
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		changed, err := repos.Reminders.MarkProcessed(ctx, rem.ID, now)
		if err != nil || !changed {
			return err
		}
		if _, err := s.emails.EnqueueWith(ctx, repos.Emails, req); err != nil {
			return err
		}
		outcome = "sent"
		return nil
	})
	return outcome, err
}

// reminderEmail builds the email for rem. ok is false when the referenced
// booking or certificate no longer warrants a reminder.
func (s *ReminderService) reminderEmail(ctx context.Context, rem *domain.Reminder, now time.Time) (EmailRequest, bool, error) {
	switch rem.Kind {
	case domain.ReminderKindExamUpcoming:
		b, err := s.repos.Bookings.FindByID(ctx, rem.ReferenceID)
		if errors.Is(err, repository.ErrBookingNotFound) {
			return EmailRequest{}, false, nil
		}
		if err != nil {
			return EmailRequest{}, false, err
		}
		if b.Status != domain.BookingStatusBooked || b.Schedule == nil ||
			b.Schedule.Status != domain.ScheduleStatusScheduled || !b.Schedule.StartsAt.After(now) || b.User == nil {
			return EmailRequest{}, false, nil
		}
		return EmailRequest{
			ToEmail:  b.User.Email,
			ToName:   b.User.DisplayName(),
			Template: TemplateExamReminder,
			Data: map[string]any{
				"CertificationName": certificationName(b.Schedule),
				"StartsAt":          formatDateTime(b.Schedule.StartsAt),
				"Location":          b.Schedule.Location,
			},
		}, true, nil

	case domain.ReminderKindCertificateExpiring:
		c, err := s.repos.Certificates.FindByID(ctx, rem.ReferenceID)
		if errors.Is(err, repository.ErrCertificateNotFound) {
			return EmailRequest{}, false, nil
		}
		if err != nil {
			return EmailRequest{}, false, err
		}
		if c.EffectiveStatus(now) != domain.CertificateStatusActive || c.User == nil {
			return EmailRequest{}, false, nil
		}
		name := ""
		if c.Certification != nil {
			name = c.Certification.Name
		}
		return EmailRequest{
			ToEmail:  c.User.Email,
			ToName:   c.User.DisplayName(),
			Template: TemplateCertificateExpiring,
			Data: map[string]any{
				"CertificationName": name,
				"CredentialID":      c.CredentialID,
				"ExpiresAt":         formatDate(c.ExpiresAt),
			},
		}, true, nil
	}
	return EmailRequest{}, false, nil
}
