package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"
)

const voucherCodeAttempts = 5

type CreateVoucherBatchInput struct {
	CertificationID uint       `json:"certification_id" validate:"required"`
	PartnerID       *uint      `json:"partner_id"`
	Count           int        `json:"count" validate:"gte=1,lte=500"`
	Quantity        int        `json:"quantity" validate:"gte=1,lte=100"`
	ValidFrom       *time.Time `json:"valid_from"`
	ValidUntil      time.Time  `json:"valid_until" validate:"required"`
}

type AssignVoucherInput struct {
	Code  string `json:"code" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type VoucherFilterInput struct {
	PartnerID       *uint
	CertificationID *uint
	Status          string
	Page            int
	PageSize        int
}

type VoucherService struct {
	tx        repository.Transactor
	repos     *repository.Repositories
	emails    *EmailService
	publisher EventPublisher
	audit     *AuditService
	logger    *slog.Logger
	now       func() time.Time
}

func NewVoucherService(
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *EmailService,
	publisher EventPublisher,
	audit *AuditService,
	logger *slog.Logger,
) *VoucherService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &VoucherService{
		tx:        tx,
		repos:     repos,
		emails:    emails,
		publisher: publisher,
		audit:     audit,
		logger:    observability.Component(logger, "vouchers"),
		now:       systemNow,
	}
}

func (s *VoucherService) CreateBatch(ctx context.Context, actor Actor, in CreateVoucherBatchInput) ([]domain.Voucher, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	now := s.now()
	validFrom := now
	if in.ValidFrom != nil {
		validFrom = in.ValidFrom.UTC()
	}
	if !in.ValidUntil.After(validFrom) || !in.ValidUntil.After(now) {
		return nil, fieldError("valid_until", "must be in the future and after valid_from")
	}

	out := make([]domain.Voucher, 0, in.Count)
	err := s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		certification, err := repos.Certifications.FindByID(ctx, in.CertificationID)
		if err != nil {
			return err
		}
		if !certification.Active {
			return ErrCertificationClosed
		}
		if in.PartnerID != nil {
			if _, err := repos.Partners.FindByID(ctx, *in.PartnerID); err != nil {
				return err
			}
		}
		for i := 0; i < in.Count; i++ {
			v := &domain.Voucher{
				CertificationID: certification.ID,
				PartnerID:       in.PartnerID,
				Quantity:        in.Quantity,
				ValidFrom:       validFrom,
				ValidUntil:      in.ValidUntil.UTC(),
				Status:          domain.VoucherStatusActive,
			}
			if err := createVoucher(ctx, repos.Vouchers, v); err != nil {
				return err
			}
			out = append(out, *v)
		}
		return nil
	})
	if err != nil {
		observability.RecordVoucherEvent(ctx, "create", "failure")
		return nil, err
	}
	observability.RecordVoucherEvent(ctx, "create", "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "voucher.batch_created",
		ActorUserID: actor.auditID(),
		TargetType:  "certification",
		TargetID:    uintString(in.CertificationID),
		Action:      "create_vouchers",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"count": in.Count, "quantity": in.Quantity, "partner_id": in.PartnerID},
	})
	return out, nil
}

// createVoucher assigns a fresh code to v and stores it. Codes already in
// use are regenerated before the insert so a transaction is never aborted
// by a duplicate key.
func createVoucher(ctx context.Context, repo repository.VoucherRepository, v *domain.Voucher) error {
	for attempt := 0; attempt < voucherCodeAttempts; attempt++ {
		code, err := security.NewGroupedCode("BDA", 2, 4)
		if err != nil {
			return err
		}
		if _, err := repo.FindByCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrVoucherNotFound) {
			return err
		}
		v.Code = code
		return repo.Create(ctx, v)
	}
	return fmt.Errorf("generate voucher code: %w", repository.ErrVoucherCodeTaken)
}

func (s *VoucherService) Assign(ctx context.Context, actor Actor, in AssignVoucherInput) (*domain.Voucher, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	partnerID, err := partnerOf(ctx, s.repos.Users, actor)
	if err != nil {
		return nil, err
	}
	v, err := s.repos.Vouchers.FindByCode(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	if partnerID != nil && (v.PartnerID == nil || *v.PartnerID != *partnerID) {
		return nil, repository.ErrVoucherNotFound
	}
	user, err := s.repos.Users.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Vouchers.Assign(ctx, v.ID, user.ID); err != nil {
			return err
		}
		_, err := s.emails.EnqueueWith(ctx, repos.Emails, voucherAssignedEmail(user, v))
		return err
	})
	if err != nil {
		observability.RecordVoucherEvent(ctx, "assign", "failure")
		return nil, err
	}
	v.AssignedUserID = uintPtr(user.ID)
	s.afterAssign(ctx, actor, v)
	return v, nil
}

func voucherAssignedEmail(user *domain.User, v *domain.Voucher) EmailRequest {
	name := ""
	if v.Certification != nil {
		name = v.Certification.Name
	}
	return EmailRequest{
		ToEmail:  user.Email,
		ToName:   user.DisplayName(),
		Template: TemplateVoucherAssigned,
		Data: map[string]any{
			"Code":              v.Code,
			"CertificationName": name,
			"ValidUntil":        formatDate(v.ValidUntil),
		},
	}
}

func (s *VoucherService) afterAssign(ctx context.Context, actor Actor, v *domain.Voucher) {
	observability.RecordVoucherEvent(ctx, "assign", "success")
	if err := s.publisher.Publish(ctx, events.VoucherAssigned, events.VoucherEvent{
		VoucherID:      v.ID,
		Code:           v.Code,
		AssignedUserID: *v.AssignedUserID,
		OccurredAt:     s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "publish voucher assigned failed", "voucher_id", v.ID, "error", err)
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "voucher.assigned",
		ActorUserID: actor.auditID(),
		TargetType:  "voucher",
		TargetID:    v.Code,
		Action:      "assign",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"user_id": *v.AssignedUserID},
	})
}

// Redeem uses one unit of the voucher for a booking. It runs on the
// caller's transaction.
func (s *VoucherService) Redeem(ctx context.Context, repos *repository.Repositories, code string, userID, certificationID uint) (*domain.Voucher, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrVoucherRequired
	}
	v, err := repos.Vouchers.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if v.CertificationID != certificationID {
		return nil, ErrVoucherNotApplicable
	}
	if err := repos.Vouchers.Consume(ctx, v.ID, userID, s.now()); err != nil {
		return nil, err
	}
	return v, nil
}

// Release gives back one unit after a cancelled booking.
func (s *VoucherService) Release(ctx context.Context, repos *repository.Repositories, voucherID uint) error {
	return repos.Vouchers.Release(ctx, voucherID)
}

func (s *VoucherService) Revoke(ctx context.Context, actor Actor, code string) (*domain.Voucher, error) {
	v, err := s.repos.Vouchers.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Vouchers.Revoke(ctx, v.ID); err != nil {
		observability.RecordVoucherEvent(ctx, "revoke", "failure")
		return nil, err
	}
	v.Status = domain.VoucherStatusRevoked
	observability.RecordVoucherEvent(ctx, "revoke", "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "voucher.revoked",
		ActorUserID: actor.auditID(),
		TargetType:  "voucher",
		TargetID:    v.Code,
		Action:      "revoke",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return v, nil
}

func (s *VoucherService) ListForUser(ctx context.Context, userID uint) ([]domain.Voucher, error) {
	return s.repos.Vouchers.ListForUser(ctx, userID)
}

// ListForPartner lists the actor's partner vouchers; admins may pass any
// partner through the filter.
func (s *VoucherService) ListForPartner(ctx context.Context, actor Actor, in VoucherFilterInput) (repository.PageResult[domain.Voucher], error) {
	partnerID, err := partnerOf(ctx, s.repos.Users, actor)
	if err != nil {
		return repository.PageResult[domain.Voucher]{}, err
	}
	if partnerID == nil {
		partnerID = in.PartnerID
	}
	return s.repos.Vouchers.ListPaged(ctx, repository.VoucherFilter{
		PartnerID:       partnerID,
		CertificationID: in.CertificationID,
		Status:          in.Status,
	}, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
}

func (s *VoucherService) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.repos.Vouchers.ExpireDue(ctx, s.now())
	if err == nil && n > 0 {
		s.logger.InfoContext(ctx, "vouchers expired", "count", n)
	}
	return n, err
}
