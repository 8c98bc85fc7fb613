package service

import (
	"context"
	"slices"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
)

// RBACService evaluates "resource:action" grants. Each user holds exactly one
// role, so permission sets come from a single role record.
type RBACService struct{}

func NewRBACService() *RBACService { return &RBACService{} }

// PermissionsFromRole returns the role's grants sorted and deduplicated.
func (s *RBACService) PermissionsFromRole(role *domain.Role) []string {
	if role == nil {
		return []string{}
	}
	keys := make([]string, 0, len(role.Permissions))
	for _, p := range role.Permissions {
		keys = append(keys, p.Key())
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

func (s *RBACService) HasPermission(permissions []string, required string) bool {
	return required != "" && slices.Contains(permissions, required)
}

func (s *RBACService) Authorize(ctx context.Context, permissions []string, required string) bool {
	ok := s.HasPermission(permissions, required)
	decision := "deny"
	if ok {
		decision = "allow"
	}
	observability.RecordRBACAuthorizationEvent(ctx, required, decision)
	return ok
}
