package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/retry"
)

const (
	emailBaseBackoff = time.Minute
	emailMaxBackoff  = time.Hour
	emailStaleClaim  = 10 * time.Minute
)

// EmailRequest is one templated email to queue.
type EmailRequest struct {
	ToEmail  string
	ToName   string
	Template string
	Data     map[string]any
}

type EmailServiceConfig struct {
	PublicBaseURL string
	SubjectPrefix string
	MaxAttempts   int
	BatchSize     int
}

type EmailFilterInput struct {
	Status   string
	Template string
	ToEmail  string
	Page     int
	PageSize int
}

type EmailBatchResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

type EmailService struct {
	cfg       EmailServiceConfig
	repo      repository.EmailQueueRepository
	mailer    Mailer
	templates emailTemplates
	policy    retry.Policy
	audit     *AuditService
	logger    *slog.Logger
	now       func() time.Time
}

func NewEmailService(cfg EmailServiceConfig, repo repository.EmailQueueRepository, mailer Mailer, audit *AuditService, logger *slog.Logger) (*EmailService, error) {
	templates, err := parseEmailTemplates()
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	policy := retry.DefaultPolicy("email")
	policy.MaxAttempts = 3
	return &EmailService{
		cfg:       cfg,
		repo:      repo,
		mailer:    mailer,
		templates: templates,
		policy:    policy,
		audit:     audit,
		logger:    observability.Component(logger, "email"),
		now:       systemNow,
	}, nil
}

func (s *EmailService) Enqueue(ctx context.Context, req EmailRequest) (*domain.EmailQueueItem, error) {
	return s.EnqueueWith(ctx, s.repo, req)
}

// EnqueueWith queues req through repo, so callers can enqueue inside their
// own transaction. The template is rendered once here so a bad payload is
// rejected before it reaches the queue.
func (s *EmailService) EnqueueWith(ctx context.Context, repo repository.EmailQueueRepository, req EmailRequest) (*domain.EmailQueueItem, error) {
	req.ToEmail = domain.NormalizeEmail(req.ToEmail)
	if req.ToEmail == "" {
		return nil, fieldError("to_email", "is required")
	}
	if !s.templates.has(req.Template) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, req.Template)
	}
	rendered, err := s.templates.render(req.Template, s.context(req.ToName, req.Data))
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("encode email payload: %w", err)
	}
	item := &domain.EmailQueueItem{
		ToEmail:       req.ToEmail,
		ToName:        req.ToName,
		Template:      req.Template,
		Subject:       truncateString(s.cfg.SubjectPrefix+rendered.Subject, 255),
		Payload:       string(payload),
		Status:        domain.EmailStatusPending,
		NextAttemptAt: s.now(),
	}
	if err := repo.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue email: %w", err)
	}
	return item, nil
}

func (s *EmailService) context(toName string, data map[string]any) emailContext {
	return emailContext{PortalURL: s.cfg.PublicBaseURL, ToName: toName, Data: data}
}

// Render rebuilds the message for a queued item from its stored payload.
func (s *EmailService) Render(item *domain.EmailQueueItem) (*EmailMessage, error) {
	data := map[string]any{}
	if strings.TrimSpace(item.Payload) != "" && item.Payload != "null" {
		if err := json.Unmarshal([]byte(item.Payload), &data); err != nil {
			return nil, fmt.Errorf("decode email payload: %w", err)
		}
	}
	rendered, err := s.templates.render(item.Template, s.context(item.ToName, data))
	if err != nil {
		return nil, err
	}
	subject := item.Subject
	if subject == "" {
		subject = s.cfg.SubjectPrefix + rendered.Subject
	}
	return &EmailMessage{
		ToEmail:  item.ToEmail,
		ToName:   item.ToName,
		Subject:  subject,
		TextBody: rendered.TextBody,
		HTMLBody: rendered.HTMLBody,
	}, nil
}

// ProcessDue claims due rows and hands them to the mailer. It is the body of
// the email worker tick.
func (s *EmailService) ProcessDue(ctx context.Context) (EmailBatchResult, error) {
	var result EmailBatchResult
	now := s.now()
	if released, err := s.repo.ReleaseStale(ctx, now.Add(-emailStaleClaim)); err != nil {
		s.logger.WarnContext(ctx, "release stale emails failed", "error", err)
	} else if released > 0 {
		s.logger.WarnContext(ctx, "released stale email claims", "count", released)
	}

	items, err := s.repo.ClaimDue(ctx, now, s.cfg.BatchSize)
	result.Claimed = len(items)
	if err != nil {
		return result, fmt.Errorf("claim due emails: %w", err)
	}
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		switch s.deliver(ctx, &items[i]) {
		case domain.EmailStatusSent:
			result.Sent++
		case domain.EmailStatusPending:
			result.Retried++
		case domain.EmailStatusFailed:
			result.Failed++
		}
	}
	return result, nil
}

func (s *EmailService) deliver(ctx context.Context, item *domain.EmailQueueItem) string {
	attempts := item.Attempts + 1
	logger := s.logger.With("email_id", item.ID, "template", item.Template, "attempt", attempts)

	msg, err := s.Render(item)
	if err != nil {
		logger.ErrorContext(ctx, "render email failed", "error", err)
		observability.RecordEmailDelivery(ctx, item.Template, "render_error", 0)
		if markErr := s.repo.MarkFailed(ctx, item.ID, attempts, err.Error()); markErr != nil {
			logger.ErrorContext(ctx, "mark email failed", "error", markErr)
		}
		return domain.EmailStatusFailed
	}

	start := time.Now()
	sendErr := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.mailer.Send(ctx, *msg)
	})
	elapsed := time.Since(start)
	now := s.now()

	if sendErr == nil {
		observability.RecordEmailDelivery(ctx, item.Template, "sent", elapsed)
		if err := s.repo.MarkSent(ctx, item.ID, attempts, now); err != nil {
			logger.ErrorContext(ctx, "mark email sent failed", "error", err)
		}
		return domain.EmailStatusSent
	}

	if attempts >= s.cfg.MaxAttempts || errors.Is(sendErr, ErrPermanentDelivery) {
		observability.RecordEmailDelivery(ctx, item.Template, "failed", elapsed)
		logger.ErrorContext(ctx, "email delivery failed permanently", "error", sendErr)
		if err := s.repo.MarkFailed(ctx, item.ID, attempts, sendErr.Error()); err != nil {
			logger.ErrorContext(ctx, "mark email failed", "error", err)
		}
		return domain.EmailStatusFailed
	}

	next := now.Add(EmailRetryDelay(attempts))
	observability.RecordEmailDelivery(ctx, item.Template, "retry", elapsed)
	logger.WarnContext(ctx, "email delivery failed, will retry", "error", sendErr, "next_attempt_at", next)
	if err := s.repo.MarkRetry(ctx, item.ID, attempts, sendErr.Error(), next); err != nil {
		logger.ErrorContext(ctx, "mark email retry failed", "error", err)
	}
	return domain.EmailStatusPending
}

// EmailRetryDelay is the wait after the given failed attempt: 1m, 2m, 4m and
// so on, capped at one hour.
func EmailRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := emailBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= emailMaxBackoff {
			return emailMaxBackoff
		}
	}
	return d
}

func (s *EmailService) RetryFailed(ctx context.Context, actor Actor, id uint) (*domain.EmailQueueItem, error) {
	if err := s.repo.ResetFailed(ctx, id, s.now()); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "email.retry_requested",
		ActorUserID: actor.auditID(),
		TargetType:  "email",
		TargetID:    uintString(id),
		Action:      "retry",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return s.repo.FindByID(ctx, id)
}

func (s *EmailService) List(ctx context.Context, in EmailFilterInput) (repository.PageResult[domain.EmailQueueItem], error) {
	return s.repo.ListPaged(ctx, repository.EmailFilter{
		Status:   in.Status,
		Template: in.Template,
		ToEmail:  in.ToEmail,
	}, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
}
