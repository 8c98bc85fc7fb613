package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

type RoleMappingService struct {
	repo  repository.RoleMappingRepository
	audit *AuditService
}

func NewRoleMappingService(repo repository.RoleMappingRepository, audit *AuditService) *RoleMappingService {
	return &RoleMappingService{repo: repo, audit: audit}
}

// Resolve maps an external role to a portal role: database override first,
// then a portal role name given verbatim, then the built-in defaults, then
// individual.
func (s *RoleMappingService) Resolve(ctx context.Context, external string) (string, error) {
	role, ok, err := s.lookup(ctx, external)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.RoleIndividual, nil
	}
	return role, nil
}

// ResolveFirst returns the mapping of the first role in externals that is
// known, falling back to individual.
func (s *RoleMappingService) ResolveFirst(ctx context.Context, externals []string) (string, error) {
	for _, ext := range externals {
		role, ok, err := s.lookup(ctx, ext)
		if err != nil {
			return "", err
		}
		if ok {
			return role, nil
		}
	}
	return domain.RoleIndividual, nil
}

func (s *RoleMappingService) lookup(ctx context.Context, external string) (string, bool, error) {
	key := strings.ToLower(strings.TrimSpace(external))
	if key == "" {
		return "", false, nil
	}
	m, err := s.repo.FindByExternal(ctx, key)
	switch {
	case err == nil:
		return m.InternalRole, true, nil
	case !errors.Is(err, repository.ErrRoleMappingNotFound):
		return "", false, fmt.Errorf("lookup role mapping: %w", err)
	}
	if domain.IsInternalRole(key) {
		return key, true, nil
	}
	if role, ok := domain.DefaultRoleMappings[key]; ok {
		return role, true, nil
	}
	return "", false, nil
}

func (s *RoleMappingService) List(ctx context.Context) ([]domain.RoleMapping, error) {
	return s.repo.List(ctx)
}

type UpsertRoleMappingInput struct {
	ExternalRole string `json:"external_role" validate:"required,max=128"`
	InternalRole string `json:"internal_role" validate:"required"`
}

func (s *RoleMappingService) Upsert(ctx context.Context, actor Actor, in UpsertRoleMappingInput) (*domain.RoleMapping, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	internal := strings.ToLower(strings.TrimSpace(in.InternalRole))
	if !domain.IsInternalRole(internal) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, in.InternalRole)
	}
	m, err := s.repo.Upsert(ctx, in.ExternalRole, internal)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "rolemapping.upserted",
		ActorUserID: actor.auditID(),
		TargetType:  "role_mapping",
		TargetID:    m.ExternalRole,
		Action:      "upsert",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"internal_role": internal},
	})
	return m, nil
}

func (s *RoleMappingService) Delete(ctx context.Context, actor Actor, external string) error {
	if err := s.repo.Delete(ctx, external); err != nil {
		return err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "rolemapping.deleted",
		ActorUserID: actor.auditID(),
		TargetType:  "role_mapping",
		TargetID:    strings.ToLower(strings.TrimSpace(external)),
		Action:      "delete",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return nil
}
