package service

import (
	"context"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

// Versions of the documents a user consents to at registration.
const (
	CurrentTermsVersion   = "2024-01"
	CurrentPrivacyVersion = "2024-01"
)

type RecordConsentInput struct {
	ConsentType string `json:"consent_type" validate:"required,oneof=terms privacy marketing"`
	Version     string `json:"version" validate:"required,max=32"`
	Granted     bool   `json:"granted"`
}

type ConsentService struct {
	repo repository.ConsentRepository
	now  func() time.Time
}

func NewConsentService(repo repository.ConsentRepository) *ConsentService {
	return &ConsentService{repo: repo, now: systemNow}
}

func (s *ConsentService) Record(ctx context.Context, userID uint, in RecordConsentInput) (*domain.ConsentRecord, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	return recordConsent(ctx, s.repo, userID, in, s.now())
}

// recordConsent is shared with registration, which writes consents inside
// its own transaction.
func recordConsent(ctx context.Context, repo repository.ConsentRepository, userID uint, in RecordConsentInput, at time.Time) (*domain.ConsentRecord, error) {
	meta := observability.RequestMetaFromContext(ctx)
	rec := &domain.ConsentRecord{
		UserID:      userID,
		ConsentType: in.ConsentType,
		Version:     in.Version,
		Granted:     in.Granted,
		IP:          meta.IP,
		UserAgent:   truncateString(meta.UserAgent, 512),
		RecordedAt:  at,
	}
	if err := repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *ConsentService) ListForUser(ctx context.Context, userID uint) ([]domain.ConsentRecord, error) {
	return s.repo.ListForUser(ctx, userID)
}

// Current returns the latest record per consent type.
func (s *ConsentService) Current(ctx context.Context, userID uint) (map[string]domain.ConsentRecord, error) {
	history, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ConsentRecord, 3)
	for _, rec := range history {
		if _, seen := out[rec.ConsentType]; !seen {
			out[rec.ConsentType] = rec
		}
	}
	return out, nil
}
