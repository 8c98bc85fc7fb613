package domain

import (
	"strings"
	"time"
)

const (
	RoleIndividual = "individual"
	RoleECP        = "ecp"
	RolePDP        = "pdp"
	RoleAdmin      = "admin"
)

const (
	UserStatusInvited  = "invited"
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

var InternalRoles = []string{RoleIndividual, RoleECP, RolePDP, RoleAdmin}

func IsInternalRole(role string) bool {
	for _, r := range InternalRoles {
		if r == role {
			return true
		}
	}
	return false
}

// IsPartnerRole reports whether role belongs to a partner organization.
func IsPartnerRole(role string) bool {
	return role == RoleECP || role == RolePDP
}

type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Email            string     `gorm:"uniqueIndex;size:255;not null" json:"email"`
	FirstName        string     `gorm:"size:120" json:"first_name"`
	LastName         string     `gorm:"size:120" json:"last_name"`
	Phone            string     `gorm:"size:40" json:"phone"`
	Country          string     `gorm:"size:80" json:"country"`
	Organization     string     `gorm:"size:255" json:"organization"`
	JobTitle         string     `gorm:"size:120" json:"job_title"`
	DateOfBirth      *time.Time `json:"date_of_birth,omitempty"`
	Role             string     `gorm:"size:32;not null;default:individual;index:idx_users_role" json:"role"`
	Status           string     `gorm:"size:32;not null;default:active;index:idx_users_status" json:"status"`
	PartnerID        *uint      `gorm:"index" json:"partner_id,omitempty"`
	Partner          *Partner   `json:"partner,omitempty"`
	ProfileCompleted bool       `gorm:"not null;default:false" json:"profile_completed"`
	LegacyUserID     string     `gorm:"size:128;index" json:"-"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// DisplayName falls back to the email when no name has been entered yet.
func (u User) DisplayName() string {
	if name := u.FullName(); name != "" {
		return name
	}
	return u.Email
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
