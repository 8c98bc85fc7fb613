package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUserEmailTaken = errors.New("user email already registered")
)

type UserFilter struct {
	Role      string
	Status    string
	PartnerID *uint
	Search    string
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByID(ctx context.Context, id uint) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByLegacyID(ctx context.Context, legacyID string) (*domain.User, error)
	Save(ctx context.Context, user *domain.User) error
	UpdateStatus(ctx context.Context, id uint, status string) error
	TouchLastLogin(ctx context.Context, id uint, at time.Time) error
	ListPaged(ctx context.Context, filter UserFilter, page PageRequest) (PageResult[domain.User], error)
	CountByRole(ctx context.Context) (map[string]int64, error)
	CountByPartner(ctx context.Context, partnerID uint) (int64, error)
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrUserEmailTaken
		}
		return err
	}
	return nil
}

func (r *GormUserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	var u domain.User
	if err := r.db.WithContext(ctx).Preload("Partner").First(&u, id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *GormUserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Preload("Partner").Where("email = ?", domain.NormalizeEmail(email)).First(&u).Error
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *GormUserRepository) FindByLegacyID(ctx context.Context, legacyID string) (*domain.User, error) {
	if strings.TrimSpace(legacyID) == "" {
		return nil, ErrUserNotFound
	}
	var u domain.User
	if err := r.db.WithContext(ctx).Where("legacy_user_id = ?", legacyID).First(&u).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *GormUserRepository) Save(ctx context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	if err := r.db.WithContext(ctx).Omit("Partner").Save(user).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrUserEmailTaken
		}
		return err
	}
	return nil
}

func (r *GormUserRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *GormUserRepository) TouchLastLogin(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Update("last_login_at", at).Error
}

func (r *GormUserRepository) ListPaged(ctx context.Context, filter UserFilter, page PageRequest) (PageResult[domain.User], error) {
	q := r.db.WithContext(ctx).Model(&domain.User{})
	if filter.Role != "" {
		q = q.Where("role = ?", filter.Role)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.PartnerID != nil {
		q = q.Where("partner_id = ?", *filter.PartnerID)
	}
	if s := strings.ToLower(strings.TrimSpace(filter.Search)); s != "" {
		like := "%" + s + "%"
		q = q.Where("(LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?)", like, like, like)
	}
	return listPaged[domain.User](q, page, "id desc")
}

func (r *GormUserRepository) CountByRole(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Role  string
		Total int64
	}
	err := r.db.WithContext(ctx).Model(&domain.User{}).
		Select("role, COUNT(*) AS total").
		Group("role").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(domain.InternalRoles))
	for _, role := range domain.InternalRoles {
		out[role] = 0
	}
	for _, row := range rows {
		out[row.Role] = row.Total
	}
	return out, nil
}

func (r *GormUserRepository) CountByPartner(ctx context.Context, partnerID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.User{}).Where("partner_id = ?", partnerID).Count(&n).Error
	return n, err
}
