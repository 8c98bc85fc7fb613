package repository

import (
	"context"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

type AuditFilter struct {
	ActorUserID string
	TargetType  string
	TargetID    string
	EventName   string
	Outcome     string
	From        *time.Time
	To          *time.Time
}

type AuditLogRepository interface {
	Create(ctx context.Context, entry *domain.AuditLog) error
	ListPaged(ctx context.Context, filter AuditFilter, page PageRequest) (PageResult[domain.AuditLog], error)
}

type GormAuditLogRepository struct{ db *gorm.DB }

func NewAuditLogRepository(db *gorm.DB) AuditLogRepository { return &GormAuditLogRepository{db: db} }

func (r *GormAuditLogRepository) Create(ctx context.Context, entry *domain.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormAuditLogRepository) ListPaged(ctx context.Context, filter AuditFilter, page PageRequest) (PageResult[domain.AuditLog], error) {
	q := r.db.WithContext(ctx).Model(&domain.AuditLog{})
	if filter.ActorUserID != "" {
		q = q.Where("actor_user_id = ?", filter.ActorUserID)
	}
	if filter.TargetType != "" {
		q = q.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != "" {
		q = q.Where("target_id = ?", filter.TargetID)
	}
	if filter.EventName != "" {
		q = q.Where("event_name = ?", filter.EventName)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", filter.Outcome)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", *filter.To)
	}
	return listPaged[domain.AuditLog](q, page, "created_at desc, id desc")
}
