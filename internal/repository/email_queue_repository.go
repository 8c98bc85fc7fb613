package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var (
	ErrEmailNotFound     = errors.New("email not found")
	ErrEmailNotRetryable = errors.New("email is not in a retryable state")
)

type EmailFilter struct {
	Status   string
	Template string
	ToEmail  string
}

type EmailQueueRepository interface {
	Create(ctx context.Context, item *domain.EmailQueueItem) error
	FindByID(ctx context.Context, id uint) (*domain.EmailQueueItem, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.EmailQueueItem, error)
	MarkSent(ctx context.Context, id uint, attempts int, at time.Time) error
	MarkRetry(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, id uint, attempts int, lastErr string) error
	ResetFailed(ctx context.Context, id uint, now time.Time) error
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	ListPaged(ctx context.Context, filter EmailFilter, page PageRequest) (PageResult[domain.EmailQueueItem], error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

type GormEmailQueueRepository struct{ db *gorm.DB }

func NewEmailQueueRepository(db *gorm.DB) EmailQueueRepository {
	return &GormEmailQueueRepository{db: db}
}

func (r *GormEmailQueueRepository) Create(ctx context.Context, item *domain.EmailQueueItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *GormEmailQueueRepository) FindByID(ctx context.Context, id uint) (*domain.EmailQueueItem, error) {
	var item domain.EmailQueueItem
	if err := r.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound(err, ErrEmailNotFound)
	}
	return &item, nil
}

// ClaimDue moves up to limit due rows from pending to sending. A row another
// worker claimed first is skipped, so each row is handed out once.
func (r *GormEmailQueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.EmailQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var due []domain.EmailQueueItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", domain.EmailStatusPending, now).
		Order("next_attempt_at asc, id asc").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	claimed := make([]domain.EmailQueueItem, 0, len(due))
	for _, item := range due {
		res := r.db.WithContext(ctx).Model(&domain.EmailQueueItem{}).
			Where("id = ? AND status = ?", item.ID, domain.EmailStatusPending).
			Updates(map[string]any{"status": domain.EmailStatusSending, "updated_at": now})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			item.Status = domain.EmailStatusSending
			claimed = append(claimed, item)
		}
	}
	return claimed, nil
}

func (r *GormEmailQueueRepository) MarkSent(ctx context.Context, id uint, attempts int, at time.Time) error {
	return r.transition(ctx, id, domain.EmailStatusSending, map[string]any{
		"status":     domain.EmailStatusSent,
		"attempts":   attempts,
		"sent_at":    at,
		"last_error": "",
	})
}

func (r *GormEmailQueueRepository) MarkRetry(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error {
	return r.transition(ctx, id, domain.EmailStatusSending, map[string]any{
		"status":          domain.EmailStatusPending,
		"attempts":        attempts,
		"last_error":      truncate(lastErr, 1000),
		"next_attempt_at": next,
	})
}

func (r *GormEmailQueueRepository) MarkFailed(ctx context.Context, id uint, attempts int, lastErr string) error {
	return r.transition(ctx, id, domain.EmailStatusSending, map[string]any{
		"status":     domain.EmailStatusFailed,
		"attempts":   attempts,
		"last_error": truncate(lastErr, 1000),
	})
}

func (r *GormEmailQueueRepository) ResetFailed(ctx context.Context, id uint, now time.Time) error {
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	err := r.transition(ctx, id, domain.EmailStatusFailed, map[string]any{
		"status":          domain.EmailStatusPending,
		"attempts":        0,
		"next_attempt_at": now,
	})
	if errors.Is(err, ErrEmailNotFound) {
		return ErrEmailNotRetryable
	}
	return err
}

// ReleaseStale returns rows stuck in sending (a worker died mid-send) to
// pending.
func (r *GormEmailQueueRepository) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.EmailQueueItem{}).
		Where("status = ? AND updated_at < ?", domain.EmailStatusSending, claimedBefore).
		Update("status", domain.EmailStatusPending)
	return res.RowsAffected, res.Error
}

func (r *GormEmailQueueRepository) ListPaged(ctx context.Context, filter EmailFilter, page PageRequest) (PageResult[domain.EmailQueueItem], error) {
	q := r.db.WithContext(ctx).Model(&domain.EmailQueueItem{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Template != "" {
		q = q.Where("template = ?", filter.Template)
	}
	if filter.ToEmail != "" {
		q = q.Where("to_email = ?", domain.NormalizeEmail(filter.ToEmail))
	}
	return listPaged[domain.EmailQueueItem](q, page, "id desc")
}

func (r *GormEmailQueueRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.EmailQueueItem{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func (r *GormEmailQueueRepository) transition(ctx context.Context, id uint, from string, updates map[string]any) error {
	res := r.db.WithContext(ctx).Model(&domain.EmailQueueItem{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEmailNotFound
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
