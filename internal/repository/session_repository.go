package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	FindByTokenID(ctx context.Context, tokenID string) (*domain.Session, error)
	Revoke(ctx context.Context, id uint, reason string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID uint, reason string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// FindByTokenID returns the session whatever its state; callers decide what
// a revoked or expired session means.
func (r *GormSessionRepository) FindByTokenID(ctx context.Context, tokenID string) (*domain.Session, error) {
	var s domain.Session
	if err := r.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&s).Error; err != nil {
		return nil, notFound(err, ErrSessionNotFound)
	}
	return &s, nil
}

// Revoke only succeeds once per session; a second caller gets ErrSessionNotFound.
func (r *GormSessionRepository) Revoke(ctx context.Context, id uint, reason string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{"revoked_at": at, "revoked_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *GormSessionRepository) RevokeAllForUser(ctx context.Context, userID uint, reason string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": at, "revoked_reason": reason})
	return res.RowsAffected, res.Error
}

func (r *GormSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", before).Delete(&domain.Session{})
	return res.RowsAffected, res.Error
}
