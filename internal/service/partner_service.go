package service

import (
	"context"
	"strings"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

type PartnerInput struct {
	Name         string `json:"name" validate:"required,max=255"`
	Type         string `json:"type" validate:"required,oneof=ecp pdp"`
	ContactEmail string `json:"contact_email" validate:"omitempty,email,max=255"`
	Country      string `json:"country" validate:"max=80"`
	Status       string `json:"status" validate:"omitempty,oneof=active suspended"`
}

type PartnerFilterInput struct {
	Type     string
	Status   string
	Search   string
	Page     int
	PageSize int
}

type PartnerService struct {
	repo  repository.PartnerRepository
	audit *AuditService
}

func NewPartnerService(repo repository.PartnerRepository, audit *AuditService) *PartnerService {
	return &PartnerService{repo: repo, audit: audit}
}

func (s *PartnerService) Create(ctx context.Context, actor Actor, in PartnerInput) (*domain.Partner, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	p := &domain.Partner{Status: domain.PartnerStatusActive}
	applyPartnerInput(p, in)
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, actor, "partner.created", "create", p)
	return p, nil
}

func (s *PartnerService) Get(ctx context.Context, id uint) (*domain.Partner, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *PartnerService) Update(ctx context.Context, actor Actor, id uint, in PartnerInput) (*domain.Partner, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	p, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	applyPartnerInput(p, in)
	if err := s.repo.Save(ctx, p); err != nil {
		return nil, err
	}
	s.record(ctx, actor, "partner.updated", "update", p)
	return p, nil
}

func (s *PartnerService) List(ctx context.Context, in PartnerFilterInput) (repository.PageResult[domain.Partner], error) {
	return s.repo.ListPaged(ctx, repository.PartnerFilter{
		Type:   in.Type,
		Status: in.Status,
		Search: in.Search,
	}, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
}

func applyPartnerInput(p *domain.Partner, in PartnerInput) {
	p.Name = strings.TrimSpace(in.Name)
	p.Type = in.Type
	p.ContactEmail = domain.NormalizeEmail(in.ContactEmail)
	p.Country = strings.TrimSpace(in.Country)
	if in.Status != "" {
		p.Status = in.Status
	}
}

func (s *PartnerService) record(ctx context.Context, actor Actor, event, action string, p *domain.Partner) {
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   event,
		ActorUserID: actor.auditID(),
		TargetType:  "partner",
		TargetID:    uintString(p.ID),
		Action:      action,
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"type": p.Type, "status": p.Status},
	})
}
