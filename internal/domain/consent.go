package domain

import "time"

const (
	ConsentTerms     = "terms"
	ConsentPrivacy   = "privacy"
	ConsentMarketing = "marketing"
)

type ConsentRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"index:idx_consents_user_type;not null" json:"user_id"`
	ConsentType string    `gorm:"size:32;index:idx_consents_user_type;not null" json:"consent_type"`
	Version     string    `gorm:"size:32;not null" json:"version"`
	Granted     bool      `gorm:"not null" json:"granted"`
	IP          string    `gorm:"size:64" json:"ip"`
	UserAgent   string    `gorm:"size:512" json:"user_agent"`
	RecordedAt  time.Time `gorm:"not null" json:"recorded_at"`
}
