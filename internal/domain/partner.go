package domain

import "time"

const (
	PartnerTypeECP = "ecp"
	PartnerTypePDP = "pdp"
)

const (
	PartnerStatusActive    = "active"
	PartnerStatusSuspended = "suspended"
)

// Partner is an exam/certification partner (ECP) or a professional
// development partner (PDP) organization.
type Partner struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	Type         string    `gorm:"size:8;not null;index" json:"type"`
	ContactEmail string    `gorm:"size:255" json:"contact_email"`
	Country      string    `gorm:"size:80" json:"country"`
	Status       string    `gorm:"size:16;not null;default:active" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
