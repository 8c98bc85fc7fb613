package service

import (
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"
)

type ProfileCompletion struct {
	Complete bool     `json:"complete"`
	Missing  []string `json:"missing"`
	Percent  int      `json:"percent"`
}

var requiredProfileFields = map[string][]string{
	domain.RoleIndividual: {"first_name", "last_name", "phone", "country", "date_of_birth"},
	domain.RoleECP:        {"first_name", "last_name", "phone", "country", "organization", "job_title"},
	domain.RolePDP:        {"first_name", "last_name", "phone", "country", "organization", "job_title"},
	domain.RoleAdmin:      {"first_name", "last_name"},
}

// CheckProfileCompletion reports which role-required profile fields are
// still empty. Whitespace-only values count as empty.
func CheckProfileCompletion(u *domain.User) ProfileCompletion {
	required := requiredProfileFields[u.Role]
	if len(required) == 0 {
		return ProfileCompletion{Complete: true, Missing: []string{}, Percent: 100}
	}
	missing := make([]string, 0, len(required))
	for _, field := range required {
		if !profileFieldSet(u, field) {
			missing = append(missing, field)
		}
	}
	filled := len(required) - len(missing)
	return ProfileCompletion{
		Complete: len(missing) == 0,
		Missing:  missing,
		Percent:  filled * 100 / len(required),
	}
}

func profileFieldSet(u *domain.User, field string) bool {
	switch field {
	case "first_name":
		return strings.TrimSpace(u.FirstName) != ""
	case "last_name":
		return strings.TrimSpace(u.LastName) != ""
	case "phone":
		return strings.TrimSpace(u.Phone) != ""
	case "country":
		return strings.TrimSpace(u.Country) != ""
	case "organization":
		return strings.TrimSpace(u.Organization) != ""
	case "job_title":
		return strings.TrimSpace(u.JobTitle) != ""
	case "date_of_birth":
		return u.DateOfBirth != nil && !u.DateOfBirth.IsZero()
	default:
		return false
	}
}
