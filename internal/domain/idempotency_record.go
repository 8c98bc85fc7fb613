package domain

import "time"

const (
	IdempotencyStatusPending   = "pending"
	IdempotencyStatusCompleted = "completed"
)

// IdempotencyRecord remembers the response of a keyed POST so a retried
// request replays it instead of booking or issuing twice.
type IdempotencyRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Scope           string    `gorm:"size:64;not null;uniqueIndex:idx_idempotency_scope_key" json:"scope"`
	IdempotencyKey  string    `gorm:"size:128;not null;uniqueIndex:idx_idempotency_scope_key" json:"idempotency_key"`
	FingerprintHash string    `gorm:"size:64;not null" json:"-"`
	Status          string    `gorm:"size:16;not null" json:"status"`
	ResponseStatus  int       `json:"response_status"`
	ResponseBody    []byte    `json:"-"`
	ContentType     string    `gorm:"size:128" json:"content_type"`
	ExpiresAt       time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
