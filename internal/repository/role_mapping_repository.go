package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRoleMappingNotFound = errors.New("role mapping not found")

type RoleMappingRepository interface {
	List(ctx context.Context) ([]domain.RoleMapping, error)
	FindByExternal(ctx context.Context, externalRole string) (*domain.RoleMapping, error)
	Upsert(ctx context.Context, externalRole, internalRole string) (*domain.RoleMapping, error)
	Delete(ctx context.Context, externalRole string) error
}

type GormRoleMappingRepository struct{ db *gorm.DB }

func NewRoleMappingRepository(db *gorm.DB) RoleMappingRepository {
	return &GormRoleMappingRepository{db: db}
}

func normalizeExternalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func (r *GormRoleMappingRepository) List(ctx context.Context) ([]domain.RoleMapping, error) {
	var out []domain.RoleMapping
	err := r.db.WithContext(ctx).Order("external_role asc").Find(&out).Error
	return out, err
}

func (r *GormRoleMappingRepository) FindByExternal(ctx context.Context, externalRole string) (*domain.RoleMapping, error) {
	var m domain.RoleMapping
	err := r.db.WithContext(ctx).Where("external_role = ?", normalizeExternalRole(externalRole)).First(&m).Error
	if err != nil {
		return nil, notFound(err, ErrRoleMappingNotFound)
	}
	return &m, nil
}

func (r *GormRoleMappingRepository) Upsert(ctx context.Context, externalRole, internalRole string) (*domain.RoleMapping, error) {
	m := domain.RoleMapping{ExternalRole: normalizeExternalRole(externalRole), InternalRole: internalRole}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_role"}},
		DoUpdates: clause.AssignmentColumns([]string{"internal_role", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternal(ctx, m.ExternalRole)
}

func (r *GormRoleMappingRepository) Delete(ctx context.Context, externalRole string) error {
	res := r.db.WithContext(ctx).Where("external_role = ?", normalizeExternalRole(externalRole)).Delete(&domain.RoleMapping{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoleMappingNotFound
	}
	return nil
}
