package repository

import (
	"context"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

type ConsentRepository interface {
	Create(ctx context.Context, rec *domain.ConsentRecord) error
	ListForUser(ctx context.Context, userID uint) ([]domain.ConsentRecord, error)
}

type GormConsentRepository struct{ db *gorm.DB }

func NewConsentRepository(db *gorm.DB) ConsentRepository { return &GormConsentRepository{db: db} }

func (r *GormConsentRepository) Create(ctx context.Context, rec *domain.ConsentRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ListForUser returns the full history, newest first.
func (r *GormConsentRepository) ListForUser(ctx context.Context, userID uint) ([]domain.ConsentRecord, error) {
	var out []domain.ConsentRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("recorded_at desc, id desc").
		Find(&out).Error
	return out, err
}
