package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

var (
	ErrPartnerNotFound  = errors.New("partner not found")
	ErrPartnerNameTaken = errors.New("partner name already exists")
)

type PartnerFilter struct {
	Type   string
	Status string
	Search string
}

type PartnerRepository interface {
	Create(ctx context.Context, p *domain.Partner) error
	FindByID(ctx context.Context, id uint) (*domain.Partner, error)
	Save(ctx context.Context, p *domain.Partner) error
	ListPaged(ctx context.Context, filter PartnerFilter, page PageRequest) (PageResult[domain.Partner], error)
	Count(ctx context.Context) (int64, error)
}

type GormPartnerRepository struct{ db *gorm.DB }

func NewPartnerRepository(db *gorm.DB) PartnerRepository { return &GormPartnerRepository{db: db} }

func (r *GormPartnerRepository) Create(ctx context.Context, p *domain.Partner) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrPartnerNameTaken
		}
		return err
	}
	return nil
}

func (r *GormPartnerRepository) FindByID(ctx context.Context, id uint) (*domain.Partner, error) {
	var p domain.Partner
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, ErrPartnerNotFound)
	}
	return &p, nil
}

func (r *GormPartnerRepository) Save(ctx context.Context, p *domain.Partner) error {
	if err := r.db.WithContext(ctx).Save(p).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrPartnerNameTaken
		}
		return err
	}
	return nil
}

func (r *GormPartnerRepository) ListPaged(ctx context.Context, filter PartnerFilter, page PageRequest) (PageResult[domain.Partner], error) {
	q := r.db.WithContext(ctx).Model(&domain.Partner{})
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if s := strings.ToLower(strings.TrimSpace(filter.Search)); s != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+s+"%")
	}
	return listPaged[domain.Partner](q, page, "name asc")
}

func (r *GormPartnerRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Partner{}).Count(&n).Error
	return n, err
}
