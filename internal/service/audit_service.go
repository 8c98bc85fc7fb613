package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

type AuditFilterInput struct {
	ActorUserID string
	TargetType  string
	TargetID    string
	EventName   string
	Outcome     string
	From        *time.Time
	To          *time.Time
	Page        int
	PageSize    int
}

// AuditService persists audit events and mirrors them to the structured log.
type AuditService struct {
	repo   repository.AuditLogRepository
	logger *slog.Logger
}

func NewAuditService(repo repository.AuditLogRepository, logger *slog.Logger) *AuditService {
	return &AuditService{repo: repo, logger: observability.Component(logger, "audit")}
}

// Record never fails the caller: a persistence error is only logged.
func (s *AuditService) Record(ctx context.Context, in observability.AuditInput) {
	if s == nil {
		return
	}
	ev := observability.BuildContextAuditEvent(ctx, in)
	observability.EmitAuditLog(ctx, s.logger, ev)

	entry := &domain.AuditLog{
		EventName:   ev.EventName,
		ActorUserID: ev.ActorUserID,
		TargetType:  ev.TargetType,
		TargetID:    ev.TargetID,
		Action:      ev.Action,
		Outcome:     ev.Outcome,
		Reason:      ev.Reason,
		IP:          ev.ActorIP,
		RequestID:   ev.RequestID,
	}
	if len(ev.Metadata) > 0 {
		if raw, err := json.Marshal(ev.Metadata); err == nil {
			entry.Metadata = string(raw)
		}
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "persist audit log failed", "event_name", ev.EventName, "error", err)
	}
}

func (s *AuditService) List(ctx context.Context, in AuditFilterInput) (repository.PageResult[domain.AuditLog], error) {
	return s.repo.ListPaged(ctx, repository.AuditFilter{
		ActorUserID: in.ActorUserID,
		TargetType:  in.TargetType,
		TargetID:    in.TargetID,
		EventName:   in.EventName,
		Outcome:     in.Outcome,
		From:        in.From,
		To:          in.To,
	}, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
}
