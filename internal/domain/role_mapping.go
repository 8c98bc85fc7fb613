package domain

import "time"

// RoleMapping translates a role string issued by the legacy auth provider
// into a portal role.
type RoleMapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ExternalRole string    `gorm:"uniqueIndex;size:128;not null" json:"external_role"`
	InternalRole string    `gorm:"size:32;not null" json:"internal_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DefaultRoleMappings apply when no database override exists for an
// external role.
var DefaultRoleMappings = map[string]string{
	"candidate":          RoleIndividual,
	"member":             RoleIndividual,
	"student":            RoleIndividual,
	"exam_partner":       RoleECP,
	"testing_center":     RoleECP,
	"training_partner":   RolePDP,
	"education_provider": RolePDP,
	"administrator":      RoleAdmin,
	"super_admin":        RoleAdmin,
}
