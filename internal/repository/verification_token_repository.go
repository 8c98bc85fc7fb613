package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var ErrVerificationTokenNotFound = errors.New("verification token not found")

type VerificationTokenRepository interface {
	Create(ctx context.Context, token *domain.VerificationToken) error
	InvalidateActive(ctx context.Context, userID uint, purpose string, now time.Time) error
	FindActiveByHash(ctx context.Context, hash string, now time.Time) (*domain.VerificationToken, error)
	Consume(ctx context.Context, tokenID uint, now time.Time) error
}

type GormVerificationTokenRepository struct {
	db *gorm.DB
}

func NewVerificationTokenRepository(db *gorm.DB) VerificationTokenRepository {
	return &GormVerificationTokenRepository{db: db}
}

func (r *GormVerificationTokenRepository) Create(ctx context.Context, token *domain.VerificationToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *GormVerificationTokenRepository) InvalidateActive(ctx context.Context, userID uint, purpose string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.VerificationToken{}).
		Where("user_id = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?", userID, purpose, now).
		Updates(map[string]any{"used_at": now, "updated_at": now}).Error
}

func (r *GormVerificationTokenRepository) FindActiveByHash(ctx context.Context, hash string, now time.Time) (*domain.VerificationToken, error) {
	var token domain.VerificationToken
	err := r.db.WithContext(ctx).
		Where("token_hash = ? AND used_at IS NULL AND expires_at > ?", hash, now).
		First(&token).Error
	if err != nil {
		return nil, notFound(err, ErrVerificationTokenNotFound)
	}
	return &token, nil
}

func (r *GormVerificationTokenRepository) Consume(ctx context.Context, tokenID uint, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.VerificationToken{}).
		Where("id = ? AND used_at IS NULL", tokenID).
		Updates(map[string]any{"used_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVerificationTokenNotFound
	}
	return nil
}
