package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCredentialNotFound = errors.New("local credential not found")

type LocalCredentialRepository interface {
	FindByUserID(ctx context.Context, userID uint) (*domain.LocalCredential, error)
	SetPassword(ctx context.Context, userID uint, hash string, at time.Time) error
}

type GormLocalCredentialRepository struct {
	db *gorm.DB
}

func NewLocalCredentialRepository(db *gorm.DB) LocalCredentialRepository {
	return &GormLocalCredentialRepository{db: db}
}

func (r *GormLocalCredentialRepository) FindByUserID(ctx context.Context, userID uint) (*domain.LocalCredential, error) {
	var c domain.LocalCredential
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, notFound(err, ErrCredentialNotFound)
	}
	return &c, nil
}

func (r *GormLocalCredentialRepository) SetPassword(ctx context.Context, userID uint, hash string, at time.Time) error {
	c := domain.LocalCredential{UserID: userID, PasswordHash: hash, PasswordSetAt: at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "password_set_at", "updated_at"}),
	}).Create(&c).Error
}
