package domain

import "time"

const (
	VoucherStatusActive    = "active"
	VoucherStatusExhausted = "exhausted"
	VoucherStatusExpired   = "expired"
	VoucherStatusRevoked   = "revoked"
)

type Voucher struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Code            string         `gorm:"uniqueIndex;size:32;not null" json:"code"`
	CertificationID uint           `gorm:"index;not null" json:"certification_id"`
	Certification   *Certification `json:"certification,omitempty"`
	PartnerID       *uint          `gorm:"index" json:"partner_id,omitempty"`
	AssignedUserID  *uint          `gorm:"index" json:"assigned_user_id,omitempty"`
	OrderID         *uint          `gorm:"index" json:"order_id,omitempty"`
	Quantity        int            `gorm:"not null;default:1" json:"quantity"`
	UsedCount       int            `gorm:"not null;default:0" json:"used_count"`
	ValidFrom       time.Time      `gorm:"not null" json:"valid_from"`
	ValidUntil      time.Time      `gorm:"not null;index" json:"valid_until"`
	Status          string         `gorm:"size:16;not null;default:active;index" json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (v Voucher) Remaining() int {
	if left := v.Quantity - v.UsedCount; left > 0 {
		return left
	}
	return 0
}
