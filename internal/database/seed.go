package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
)

// RolePermissions is the RBAC matrix for the portal roles.
var RolePermissions = map[string][]string{
	domain.RoleIndividual: {
		"profile:read", "profile:write",
		"certificates:read",
		"exams:read", "exams:book",
		"vouchers:read",
	},
	domain.RoleECP: {
		"profile:read", "profile:write",
		"certificates:read",
		"exams:read", "exams:manage",
		"vouchers:read", "vouchers:assign",
		"partners:read",
	},
	domain.RolePDP: {
		"profile:read", "profile:write",
		"certificates:read",
		"exams:read",
		"vouchers:read",
		"partners:read",
	},
	domain.RoleAdmin: {
		"profile:read", "profile:write",
		"certificates:read", "certificates:manage", "certifications:manage",
		"exams:read", "exams:book", "exams:manage",
		"vouchers:read", "vouchers:assign", "vouchers:manage",
		"partners:read", "partners:manage",
		"users:read", "users:manage",
		"rolemappings:manage",
		"audit:read",
		"emails:manage",
		"commerce:sync",
	},
}

var defaultCertifications = []domain.Certification{
	{Code: "CA", Name: "BDA Certified Associate", Description: "Entry-level certification covering core concepts.", ValidityMonths: 36, Active: true},
	{Code: "CP", Name: "BDA Certified Professional", Description: "Professional certification for experienced practitioners.", ValidityMonths: 36, Active: true},
}

type SeedReport struct {
	CreatedPermissions    int  `json:"created_permissions"`
	CreatedRoles          int  `json:"created_roles"`
	BoundPermissions      int  `json:"bound_permissions"`
	CreatedCertifications int  `json:"created_certifications"`
	CreatedRoleMappings   int  `json:"created_role_mappings"`
	PromotedAdmin         bool `json:"promoted_admin"`
	Noop                  bool `json:"noop"`
}

func Seed(db *gorm.DB, bootstrapAdminEmail string) error {
	_, err := SeedSync(db, bootstrapAdminEmail)
	return err
}

// SeedSync is idempotent: running it twice reports Noop on the second run.
func SeedSync(db *gorm.DB, bootstrapAdminEmail string) (*SeedReport, error) {
	report := &SeedReport{}
	err := db.Transaction(func(tx *gorm.DB) error {
		perms, err := seedPermissions(tx, report)
		if err != nil {
			return err
		}
		if err := seedRoles(tx, perms, report); err != nil {
			return err
		}
		if err := seedCertifications(tx, report); err != nil {
			return err
		}
		if err := seedRoleMappings(tx, report); err != nil {
			return err
		}
		return promoteBootstrapAdmin(tx, bootstrapAdminEmail, report)
	})
	if err != nil {
		return nil, err
	}
	report.Noop = report.CreatedPermissions == 0 && report.CreatedRoles == 0 &&
		report.BoundPermissions == 0 && report.CreatedCertifications == 0 && report.CreatedRoleMappings == 0 && !report.PromotedAdmin
	return report, nil
}

func permissionKeys() []string {
	set := map[string]struct{}{}
	for _, keys := range RolePermissions {
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func seedPermissions(tx *gorm.DB, report *SeedReport) (map[string]domain.Permission, error) {
	out := map[string]domain.Permission{}
	for _, key := range permissionKeys() {
		resource, action, _ := strings.Cut(key, ":")
		p := domain.Permission{Resource: resource, Action: action}
		res := tx.Where("resource = ? AND action = ?", resource, action).FirstOrCreate(&p)
		if res.Error != nil {
			return nil, fmt.Errorf("seed permission %s: %w", key, res.Error)
		}
		if res.RowsAffected > 0 {
			report.CreatedPermissions++
		}
		out[key] = p
	}
	return out, nil
}

func seedRoles(tx *gorm.DB, perms map[string]domain.Permission, report *SeedReport) error {
	for _, name := range domain.InternalRoles {
		role := domain.Role{Name: name, Description: strings.ToUpper(name) + " portal role"}
		res := tx.Where("name = ?", name).FirstOrCreate(&role)
		if res.Error != nil {
			return fmt.Errorf("seed role %s: %w", name, res.Error)
		}
		if res.RowsAffected > 0 {
			report.CreatedRoles++
		}

		var current domain.Role
		if err := tx.Preload("Permissions").First(&current, role.ID).Error; err != nil {
			return err
		}
		have := make(map[uint]struct{}, len(current.Permissions))
		for _, p := range current.Permissions {
			have[p.ID] = struct{}{}
		}
		want := make([]domain.Permission, 0, len(RolePermissions[name]))
		for _, key := range RolePermissions[name] {
			p := perms[key]
			want = append(want, p)
			if _, ok := have[p.ID]; !ok {
				report.BoundPermissions++
			}
		}
		if err := tx.Model(&role).Association("Permissions").Replace(want); err != nil {
			return fmt.Errorf("bind permissions to %s: %w", name, err)
		}
	}
	return nil
}

func seedCertifications(tx *gorm.DB, report *SeedReport) error {
	for _, c := range defaultCertifications {
		c := c
		res := tx.Where("code = ?", c.Code).FirstOrCreate(&c)
		if res.Error != nil {
			return fmt.Errorf("seed certification %s: %w", c.Code, res.Error)
		}
		if res.RowsAffected > 0 {
			report.CreatedCertifications++
		}
	}
	return nil
}

func seedRoleMappings(tx *gorm.DB, report *SeedReport) error {
	externals := make([]string, 0, len(domain.DefaultRoleMappings))
	for ext := range domain.DefaultRoleMappings {
		externals = append(externals, ext)
	}
	sort.Strings(externals)
	for _, ext := range externals {
		m := domain.RoleMapping{ExternalRole: ext, InternalRole: domain.DefaultRoleMappings[ext]}
		res := tx.Where("external_role = ?", ext).FirstOrCreate(&m)
		if res.Error != nil {
			return fmt.Errorf("seed role mapping %s: %w", ext, res.Error)
		}
		if res.RowsAffected > 0 {
			report.CreatedRoleMappings++
		}
	}
	return nil
}

func promoteBootstrapAdmin(tx *gorm.DB, email string, report *SeedReport) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil
	}
	var u domain.User
	if err := tx.Where("email = ?", email).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if u.Role == domain.RoleAdmin {
		return nil
	}
	if err := tx.Model(&u).Update("role", domain.RoleAdmin).Error; err != nil {
		return fmt.Errorf("promote bootstrap admin: %w", err)
	}
	report.PromotedAdmin = true
	return nil
}

// VerifySeed lists the seed records that are missing or drifted. An empty
// result means the database matches the RBAC matrix and default catalog.
func VerifySeed(db *gorm.DB) ([]string, error) {
	var problems []string
	for _, name := range domain.InternalRoles {
		var role domain.Role
		err := db.Preload("Permissions").Where("name = ?", name).First(&role).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			problems = append(problems, "missing role "+name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load role %s: %w", name, err)
		}
		have := make(map[string]struct{}, len(role.Permissions))
		for _, p := range role.Permissions {
			have[p.Key()] = struct{}{}
		}
		for _, key := range RolePermissions[name] {
			if _, ok := have[key]; !ok {
				problems = append(problems, fmt.Sprintf("role %s lacks %s", name, key))
			}
		}
	}
	for _, c := range defaultCertifications {
		var n int64
		if err := db.Model(&domain.Certification{}).Where("code = ?", c.Code).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			problems = append(problems, "missing certification "+c.Code)
		}
	}
	for ext := range domain.DefaultRoleMappings {
		var n int64
		if err := db.Model(&domain.RoleMapping{}).Where("external_role = ?", ext).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			problems = append(problems, "missing role mapping "+ext)
		}
	}
	sort.Strings(problems)
	return problems, nil
}
