package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCertificationNotFound  = errors.New("certification not found")
	ErrCertificationCodeTaken = errors.New("certification code already exists")
)

type CertificationRepository interface {
	Create(ctx context.Context, c *domain.Certification) error
	FindByID(ctx context.Context, id uint) (*domain.Certification, error)
	FindByCode(ctx context.Context, code string) (*domain.Certification, error)
	Save(ctx context.Context, c *domain.Certification) error
	List(ctx context.Context, activeOnly bool) ([]domain.Certification, error)
}

type GormCertificationRepository struct{ db *gorm.DB }

func NewCertificationRepository(db *gorm.DB) CertificationRepository {
	return &GormCertificationRepository{db: db}
}

func (r *GormCertificationRepository) Create(ctx context.Context, c *domain.Certification) error {
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrCertificationCodeTaken
		}
		return err
	}
	return nil
}

func (r *GormCertificationRepository) FindByID(ctx context.Context, id uint) (*domain.Certification, error) {
	var c domain.Certification
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err, ErrCertificationNotFound)
	}
	return &c, nil
}

func (r *GormCertificationRepository) FindByCode(ctx context.Context, code string) (*domain.Certification, error) {
	var c domain.Certification
	err := r.db.WithContext(ctx).Where("code = ?", strings.ToUpper(strings.TrimSpace(code))).First(&c).Error
	if err != nil {
		return nil, notFound(err, ErrCertificationNotFound)
	}
	return &c, nil
}

func (r *GormCertificationRepository) Save(ctx context.Context, c *domain.Certification) error {
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if err := r.db.WithContext(ctx).Save(c).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrCertificationCodeTaken
		}
		return err
	}
	return nil
}

func (r *GormCertificationRepository) List(ctx context.Context, activeOnly bool) ([]domain.Certification, error) {
	q := r.db.WithContext(ctx).Model(&domain.Certification{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []domain.Certification
	err := q.Order("code asc").Find(&out).Error
	return out, err
}

type CredentialSequenceRepository interface {
	// Next returns the next number for (code, year), starting at 1. Callers
	// run it inside the issuing transaction so an aborted issue releases the
	// number again.
	Next(ctx context.Context, code string, year int) (int64, error)
}

type GormCredentialSequenceRepository struct{ db *gorm.DB }

func NewCredentialSequenceRepository(db *gorm.DB) CredentialSequenceRepository {
	return &GormCredentialSequenceRepository{db: db}
}

func (r *GormCredentialSequenceRepository) Next(ctx context.Context, code string, year int) (int64, error) {
	db := r.db.WithContext(ctx)
	seed := domain.CredentialSequence{Code: code, Year: year, LastValue: 0}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return 0, err
	}
	res := db.Model(&domain.CredentialSequence{}).
		Where("code = ? AND year = ?", code, year).
		Updates(map[string]any{"last_value": gorm.Expr("last_value + 1"), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, res.Error
	}
	var seq domain.CredentialSequence
	if err := db.Where("code = ? AND year = ?", code, year).First(&seq).Error; err != nil {
		return 0, err
	}
	return seq.LastValue, nil
}
