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
	ErrCertificateNotFound  = errors.New("certificate not found")
	ErrCertificateNotActive = errors.New("certificate is not active")
)

type CertificateFilter struct {
	UserID            *uint
	CertificationCode string
	Status            string
}

type CertificateRepository interface {
	Create(ctx context.Context, c *domain.Certificate) error
	FindByID(ctx context.Context, id uint) (*domain.Certificate, error)
	FindByCredentialID(ctx context.Context, credentialID string) (*domain.Certificate, error)
	HasActive(ctx context.Context, userID, certificationID uint, now time.Time) (bool, error)
	ListForUser(ctx context.Context, userID uint) ([]domain.Certificate, error)
	ListPaged(ctx context.Context, filter CertificateFilter, page PageRequest) (PageResult[domain.Certificate], error)
	ListRecentForPartner(ctx context.Context, partnerID uint, limit int) ([]domain.Certificate, error)
	Revoke(ctx context.Context, id uint, reason string, at time.Time) error
	SetPDFObjectKey(ctx context.Context, id uint, key string) error
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]domain.Certificate, error)
	CountIssuedSince(ctx context.Context, since time.Time) (int64, error)
}

type GormCertificateRepository struct{ db *gorm.DB }

func NewCertificateRepository(db *gorm.DB) CertificateRepository {
	return &GormCertificateRepository{db: db}
}

func (r *GormCertificateRepository) Create(ctx context.Context, c *domain.Certificate) error {
	return r.db.WithContext(ctx).Omit("User", "Certification").Create(c).Error
}

func (r *GormCertificateRepository) FindByID(ctx context.Context, id uint) (*domain.Certificate, error) {
	var c domain.Certificate
	err := r.db.WithContext(ctx).Preload("User").Preload("Certification").First(&c, id).Error
	if err != nil {
		return nil, notFound(err, ErrCertificateNotFound)
	}
	return &c, nil
}

func (r *GormCertificateRepository) FindByCredentialID(ctx context.Context, credentialID string) (*domain.Certificate, error) {
	var c domain.Certificate
	err := r.db.WithContext(ctx).Preload("User").Preload("Certification").
		Where("credential_id = ?", strings.ToUpper(strings.TrimSpace(credentialID))).
		First(&c).Error
	if err != nil {
		return nil, notFound(err, ErrCertificateNotFound)
	}
	return &c, nil
}

func (r *GormCertificateRepository) HasActive(ctx context.Context, userID, certificationID uint, now time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Certificate{}).
		Where("user_id = ? AND certification_id = ? AND status = ? AND expires_at > ?",
			userID, certificationID, domain.CertificateStatusActive, now).
		Count(&n).Error
	return n > 0, err
}

func (r *GormCertificateRepository) ListForUser(ctx context.Context, userID uint) ([]domain.Certificate, error) {
	var out []domain.Certificate
	err := r.db.WithContext(ctx).Preload("Certification").
		Where("user_id = ?", userID).
		Order("issued_at desc, id desc").
		Find(&out).Error
	return out, err
}

func (r *GormCertificateRepository) ListPaged(ctx context.Context, filter CertificateFilter, page PageRequest) (PageResult[domain.Certificate], error) {
	q := r.db.WithContext(ctx).Model(&domain.Certificate{})
	if filter.UserID != nil {
		q = q.Where("certificates.user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("certificates.status = ?", filter.Status)
	}
	if code := strings.ToUpper(strings.TrimSpace(filter.CertificationCode)); code != "" {
		q = q.Joins("JOIN certifications ON certifications.id = certificates.certification_id").
			Where("certifications.code = ?", code)
	}
	return listPaged[domain.Certificate](q, page, "certificates.issued_at desc, certificates.id desc", "User", "Certification")
}

func (r *GormCertificateRepository) ListRecentForPartner(ctx context.Context, partnerID uint, limit int) ([]domain.Certificate, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []domain.Certificate
	err := r.db.WithContext(ctx).Preload("User").Preload("Certification").
		Joins("JOIN users ON users.id = certificates.user_id").
		Where("users.partner_id = ?", partnerID).
		Order("certificates.issued_at desc, certificates.id desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *GormCertificateRepository) Revoke(ctx context.Context, id uint, reason string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.Certificate{}).
		Where("id = ? AND status = ?", id, domain.CertificateStatusActive).
		Updates(map[string]any{
			"status":         domain.CertificateStatusRevoked,
			"revoked_reason": reason,
			"revoked_at":     at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCertificateNotActive
	}
	return nil
}

func (r *GormCertificateRepository) SetPDFObjectKey(ctx context.Context, id uint, key string) error {
	res := r.db.WithContext(ctx).Model(&domain.Certificate{}).Where("id = ?", id).Update("pdf_object_key", key)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCertificateNotFound
	}
	return nil
}

// ExpireDue flips active certificates past their expiry to expired and
// returns the rows this call changed.
func (r *GormCertificateRepository) ExpireDue(ctx context.Context, now time.Time, limit int) ([]domain.Certificate, error) {
	if limit <= 0 {
		limit = 100
	}
	var due []domain.Certificate
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.CertificateStatusActive, now).
		Order("expires_at asc").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	expired := make([]domain.Certificate, 0, len(due))
	for _, c := range due {
		res := r.db.WithContext(ctx).Model(&domain.Certificate{}).
			Where("id = ? AND status = ?", c.ID, domain.CertificateStatusActive).
			Update("status", domain.CertificateStatusExpired)
		if res.Error != nil {
			return expired, res.Error
		}
		if res.RowsAffected == 1 {
			c.Status = domain.CertificateStatusExpired
			expired = append(expired, c)
		}
	}
	return expired, nil
}

func (r *GormCertificateRepository) CountIssuedSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Certificate{}).Where("issued_at >= ?", since).Count(&n).Error
	return n, err
}
