package repository

import (
	"context"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReminderRepository interface {
	// CreateIfAbsent ignores a reminder that already exists for the same
	// kind, reference and due time.
	CreateIfAbsent(ctx context.Context, r *domain.Reminder) error
	// ListDue skips reminders whose retry is still backing off.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error)
	MarkRetry(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error
	MarkFailed(ctx context.Context, id uint, attempts int, lastErr string, at time.Time) error
	MarkProcessed(ctx context.Context, id uint, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id uint, at time.Time) (bool, error)
	CancelForReference(ctx context.Context, kind, referenceType string, referenceID uint, at time.Time) (int64, error)
}

type GormReminderRepository struct{ db *gorm.DB }

func NewReminderRepository(db *gorm.DB) ReminderRepository { return &GormReminderRepository{db: db} }

func (r *GormReminderRepository) CreateIfAbsent(ctx context.Context, rem *domain.Reminder) error {
	if rem.Status == "" {
		rem.Status = domain.ReminderStatusPending
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rem).Error
}

func (r *GormReminderRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Reminder
	err := r.db.WithContext(ctx).
		Where("status = ? AND due_at <= ?", domain.ReminderStatusPending, now).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("due_at asc, id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *GormReminderRepository) MarkRetry(ctx context.Context, id uint, attempts int, lastErr string, next time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusPending).
		Updates(map[string]any{"attempts": attempts, "last_error": truncate(lastErr, 512), "next_attempt_at": next}).Error
}

func (r *GormReminderRepository) MarkFailed(ctx context.Context, id uint, attempts int, lastErr string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusPending).
		Updates(map[string]any{
			"status": domain.ReminderStatusFailed, "attempts": attempts,
			"last_error": truncate(lastErr, 512), "processed_at": at,
		}).Error
}

func (r *GormReminderRepository) MarkProcessed(ctx context.Context, id uint, at time.Time) (bool, error) {
	return r.finish(ctx, id, domain.ReminderStatusProcessed, at)
}

func (r *GormReminderRepository) MarkCancelled(ctx context.Context, id uint, at time.Time) (bool, error) {
	return r.finish(ctx, id, domain.ReminderStatusCancelled, at)
}

func (r *GormReminderRepository) CancelForReference(ctx context.Context, kind, referenceType string, referenceID uint, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("kind = ? AND reference_type = ? AND reference_id = ? AND status = ?",
			kind, referenceType, referenceID, domain.ReminderStatusPending).
		Updates(map[string]any{"status": domain.ReminderStatusCancelled, "processed_at": at})
	return res.RowsAffected, res.Error
}

func (r *GormReminderRepository) finish(ctx context.Context, id uint, status string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("id = ? AND status = ?", id, domain.ReminderStatusPending).
		Updates(map[string]any{"status": status, "processed_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
