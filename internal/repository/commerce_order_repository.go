package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrOrderNotFound = errors.New("commerce order not found")

type CommerceOrderRepository interface {
	Upsert(ctx context.Context, o *domain.CommerceOrder) (*domain.CommerceOrder, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.CommerceOrder, error)
	MarkVoucherIssued(ctx context.Context, id uint) (bool, error)
	PollCursor(ctx context.Context, name string) (*time.Time, error)
	AdvancePollCursor(ctx context.Context, name string, to time.Time) error
}

type GormCommerceOrderRepository struct{ db *gorm.DB }

func NewCommerceOrderRepository(db *gorm.DB) CommerceOrderRepository {
	return &GormCommerceOrderRepository{db: db}
}

// Upsert inserts or refreshes the order keyed by ExternalOrderID. The
// VoucherIssued flag is never overwritten.
func (r *GormCommerceOrderRepository) Upsert(ctx context.Context, o *domain.CommerceOrder) (*domain.CommerceOrder, error) {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_email", "customer_name", "sku", "quantity", "total_cents",
			"currency", "status", "placed_at", "remote_updated_at", "synced_at", "updated_at",
		}),
	}).Omit("VoucherIssued").Create(o).Error
	if err != nil {
		return nil, err
	}
	return r.FindByExternalID(ctx, o.ExternalOrderID)
}

func (r *GormCommerceOrderRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.CommerceOrder, error) {
	var o domain.CommerceOrder
	if err := r.db.WithContext(ctx).Where("external_order_id = ?", externalID).First(&o).Error; err != nil {
		return nil, notFound(err, ErrOrderNotFound)
	}
	return &o, nil
}

// MarkVoucherIssued reports false when another sync already issued the
// voucher for this order.
func (r *GormCommerceOrderRepository) MarkVoucherIssued(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.CommerceOrder{}).
		Where("id = ? AND voucher_issued = ?", id, false).
		Update("voucher_issued", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormCommerceOrderRepository) PollCursor(ctx context.Context, name string) (*time.Time, error) {
	var c domain.SyncCursor
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := c.Position.UTC()
	return &pos, nil
}

// AdvancePollCursor moves the cursor forward only; an older position is
// ignored.
func (r *GormCommerceOrderRepository) AdvancePollCursor(ctx context.Context, name string, to time.Time) error {
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.SyncCursor{Name: name, Position: to}).Error
	if err != nil {
		return err
	}
	return db.Model(&domain.SyncCursor{}).
		Where("name = ? AND position < ?", name, to).
		Updates(map[string]any{"position": to, "updated_at": time.Now().UTC()}).Error
}
