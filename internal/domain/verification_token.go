package domain

import "time"

const (
	TokenPurposeInvite    = "invite"
	TokenPurposeMagicLink = "magic_link"
)

type VerificationToken struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    uint       `gorm:"index;not null" json:"user_id"`
	TokenHash string     `gorm:"uniqueIndex;size:128;not null" json:"-"`
	Purpose   string     `gorm:"size:32;not null;index" json:"purpose"`
	ExpiresAt time.Time  `gorm:"index" json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
