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
	ErrVoucherNotFound    = errors.New("voucher not found")
	ErrVoucherUnavailable = errors.New("voucher cannot be used")
	ErrVoucherCodeTaken   = errors.New("voucher code already exists")
)

type VoucherFilter struct {
	PartnerID       *uint
	CertificationID *uint
	Status          string
}

type VoucherRepository interface {
	Create(ctx context.Context, v *domain.Voucher) error
	FindByID(ctx context.Context, id uint) (*domain.Voucher, error)
	FindByCode(ctx context.Context, code string) (*domain.Voucher, error)
	Consume(ctx context.Context, id, userID uint, now time.Time) error
	Release(ctx context.Context, id uint) error
	Assign(ctx context.Context, id, userID uint) error
	Revoke(ctx context.Context, id uint) error
	ListForUser(ctx context.Context, userID uint) ([]domain.Voucher, error)
	ListPaged(ctx context.Context, filter VoucherFilter, page PageRequest) (PageResult[domain.Voucher], error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	CountAvailableForPartner(ctx context.Context, partnerID uint, now time.Time) (int64, error)
}

type GormVoucherRepository struct{ db *gorm.DB }

func NewVoucherRepository(db *gorm.DB) VoucherRepository { return &GormVoucherRepository{db: db} }

func (r *GormVoucherRepository) Create(ctx context.Context, v *domain.Voucher) error {
	if err := r.db.WithContext(ctx).Omit("Certification").Create(v).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrVoucherCodeTaken
		}
		return err
	}
	return nil
}

func (r *GormVoucherRepository) FindByID(ctx context.Context, id uint) (*domain.Voucher, error) {
	var v domain.Voucher
	if err := r.db.WithContext(ctx).Preload("Certification").First(&v, id).Error; err != nil {
		return nil, notFound(err, ErrVoucherNotFound)
	}
	return &v, nil
}

func (r *GormVoucherRepository) FindByCode(ctx context.Context, code string) (*domain.Voucher, error) {
	var v domain.Voucher
	err := r.db.WithContext(ctx).Preload("Certification").
		Where("code = ?", strings.ToUpper(strings.TrimSpace(code))).
		First(&v).Error
	if err != nil {
		return nil, notFound(err, ErrVoucherNotFound)
	}
	return &v, nil
}

// Consume uses one unit of the voucher for userID. An unassigned voucher
// becomes assigned to userID; the last unit flips the status to exhausted.
func (r *GormVoucherRepository) Consume(ctx context.Context, id, userID uint, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("id = ? AND status = ? AND used_count < quantity AND valid_from <= ? AND valid_until > ?",
			id, domain.VoucherStatusActive, now, now).
		Where("(assigned_user_id IS NULL OR assigned_user_id = ?)", userID).
		Updates(map[string]any{
			"used_count":       gorm.Expr("used_count + 1"),
			"assigned_user_id": gorm.Expr("COALESCE(assigned_user_id, ?)", userID),
			"status": gorm.Expr("CASE WHEN used_count + 1 >= quantity THEN ? ELSE status END",
				domain.VoucherStatusExhausted),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVoucherUnavailable
	}
	return nil
}

func (r *GormVoucherRepository) Release(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("id = ? AND used_count > 0", id).
		Updates(map[string]any{
			"used_count": gorm.Expr("used_count - 1"),
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				domain.VoucherStatusExhausted, domain.VoucherStatusActive),
		}).Error
}

func (r *GormVoucherRepository) Assign(ctx context.Context, id, userID uint) error {
	res := r.db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("id = ? AND status = ? AND (assigned_user_id IS NULL OR assigned_user_id = ?)",
			id, domain.VoucherStatusActive, userID).
		Update("assigned_user_id", userID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVoucherUnavailable
	}
	return nil
}

func (r *GormVoucherRepository) Revoke(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("id = ? AND status IN ?", id, []string{domain.VoucherStatusActive, domain.VoucherStatusExhausted}).
		Update("status", domain.VoucherStatusRevoked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVoucherUnavailable
	}
	return nil
}

func (r *GormVoucherRepository) ListForUser(ctx context.Context, userID uint) ([]domain.Voucher, error) {
	var out []domain.Voucher
	err := r.db.WithContext(ctx).Preload("Certification").
		Where("assigned_user_id = ?", userID).
		Order("valid_until asc, id asc").
		Find(&out).Error
	return out, err
}

func (r *GormVoucherRepository) ListPaged(ctx context.Context, filter VoucherFilter, page PageRequest) (PageResult[domain.Voucher], error) {
	q := r.db.WithContext(ctx).Model(&domain.Voucher{})
	if filter.PartnerID != nil {
		q = q.Where("partner_id = ?", *filter.PartnerID)
	}
	if filter.CertificationID != nil {
		q = q.Where("certification_id = ?", *filter.CertificationID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	return listPaged[domain.Voucher](q, page, "id desc", "Certification")
}

func (r *GormVoucherRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Voucher{}).
		Where("status = ? AND valid_until <= ?", domain.VoucherStatusActive, now).
		Update("status", domain.VoucherStatusExpired)
	return res.RowsAffected, res.Error
}

// CountAvailableForPartner sums the unused units of the partner's active,
// unassigned vouchers.
func (r *GormVoucherRepository) CountAvailableForPartner(ctx context.Context, partnerID uint, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Voucher{}).
		Select("COALESCE(SUM(quantity - used_count), 0)").
		Where("partner_id = ? AND status = ? AND assigned_user_id IS NULL AND valid_until > ?",
			partnerID, domain.VoucherStatusActive, now).
		Scan(&n).Error
	return n, err
}
