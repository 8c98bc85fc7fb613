package domain

import "time"

const (
	OrderStatusCompleted = "completed"
	OrderStatusRefunded  = "refunded"
)

// CommerceOrder mirrors an order placed on the payment platform.
type CommerceOrder struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ExternalOrderID string     `gorm:"uniqueIndex;size:64;not null" json:"external_order_id"`
	CustomerEmail   string     `gorm:"size:255;index" json:"customer_email"`
	CustomerName    string     `gorm:"size:255" json:"customer_name"`
	SKU             string     `gorm:"size:64" json:"sku"`
	Quantity        int        `gorm:"not null;default:1" json:"quantity"`
	TotalCents      int64      `json:"total_cents"`
	Currency        string     `gorm:"size:8" json:"currency"`
	Status          string     `gorm:"size:32;index" json:"status"`
	VoucherIssued   bool       `gorm:"not null;default:false" json:"voucher_issued"`
	PlacedAt        *time.Time `json:"placed_at,omitempty"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`
	SyncedAt        time.Time  `json:"synced_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SyncCursorCommerceOrders names the order polling cursor.
const SyncCursorCommerceOrders = "commerce_orders"

// SyncCursor is the remote position a poller has fully processed. Only the
// poller advances it.
type SyncCursor struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	Position  time.Time `gorm:"not null" json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}
