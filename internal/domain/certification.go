package domain

import "time"

type Certification struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Code           string    `gorm:"uniqueIndex;size:16;not null" json:"code"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Description    string    `gorm:"size:2000" json:"description"`
	ValidityMonths int       `gorm:"not null;default:36" json:"validity_months"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	CertificateStatusActive  = "active"
	CertificateStatusRevoked = "revoked"
	CertificateStatusExpired = "expired"
)

type Certificate struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	UserID          uint           `gorm:"index;not null" json:"user_id"`
	User            *User          `json:"user,omitempty"`
	CertificationID uint           `gorm:"index;not null" json:"certification_id"`
	Certification   *Certification `json:"certification,omitempty"`
	ExamBookingID   *uint          `gorm:"index" json:"exam_booking_id,omitempty"`
	CredentialID    string         `gorm:"uniqueIndex;size:32;not null" json:"credential_id"`
	IssuedAt        time.Time      `gorm:"not null" json:"issued_at"`
	ExpiresAt       time.Time      `gorm:"not null;index" json:"expires_at"`
	Status          string         `gorm:"size:16;not null;default:active;index" json:"status"`
	RevokedReason   string         `gorm:"size:500" json:"revoked_reason,omitempty"`
	RevokedAt       *time.Time     `json:"revoked_at,omitempty"`
	PDFObjectKey    string         `gorm:"size:512" json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// EffectiveStatus reports expired for active certificates past their expiry,
// even before the expiry sweep has updated the row.
func (c Certificate) EffectiveStatus(now time.Time) string {
	if c.Status == CertificateStatusActive && !now.Before(c.ExpiresAt) {
		return CertificateStatusExpired
	}
	return c.Status
}

// CredentialSequence holds the last credential number handed out per
// certification code and year.
type CredentialSequence struct {
	ID        uint      `gorm:"primaryKey"`
	Code      string    `gorm:"size:16;not null;uniqueIndex:idx_credential_sequences_code_year"`
	Year      int       `gorm:"not null;uniqueIndex:idx_credential_sequences_code_year"`
	LastValue int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time
}
