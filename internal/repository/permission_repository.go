package repository

import (
	"context"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

// PermissionRepository reads the permission catalogue. Grants are managed
// through roles.
type PermissionRepository interface {
	List(ctx context.Context) ([]domain.Permission, error)
}

type GormPermissionRepository struct{ db *gorm.DB }

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &GormPermissionRepository{db: db}
}

func (r *GormPermissionRepository) List(ctx context.Context) ([]domain.Permission, error) {
	var perms []domain.Permission
	err := r.db.WithContext(ctx).Order("resource, action").Find(&perms).Error
	return perms, err
}
