package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"
)

const commerceVoucherValidity = 12 // months

type CommerceServiceConfig struct {
	Enabled       bool
	WebhookSecret string
	// SKUMap maps payment platform SKUs to certification codes.
	SKUMap map[string]string
}

type CommerceSyncResult struct {
	Fetched        int `json:"fetched"`
	Upserted       int `json:"upserted"`
	VouchersIssued int `json:"vouchers_issued"`
	Failed         int `json:"failed"`
}

type commerceWebhookPayload struct {
	OrderID string `json:"order_id"`
	Event   string `json:"event"`
}

type CommerceService struct {
	cfg       CommerceServiceConfig
	client    CommerceClient
	tx        repository.Transactor
	repos     *repository.Repositories
	emails    *EmailService
	publisher EventPublisher
	audit     *AuditService
	logger    *slog.Logger
	now       func() time.Time
}

func NewCommerceService(
	cfg CommerceServiceConfig,
	client CommerceClient,
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *EmailService,
	publisher EventPublisher,
	audit *AuditService,
	logger *slog.Logger,
) *CommerceService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	skus := make(map[string]string, len(cfg.SKUMap))
	for sku, code := range cfg.SKUMap {
		skus[strings.ToUpper(strings.TrimSpace(sku))] = strings.ToUpper(strings.TrimSpace(code))
	}
	cfg.SKUMap = skus
	return &CommerceService{
		cfg:       cfg,
		client:    client,
		tx:        tx,
		repos:     repos,
		emails:    emails,
		publisher: publisher,
		audit:     audit,
		logger:    observability.Component(logger, "commerce"),
		now:       systemNow,
	}
}

func (s *CommerceService) enabled() bool { return s.cfg.Enabled && s.client != nil }

// SyncOrders pulls completed orders updated after since, or after the poll
// cursor when since is nil. Only this path advances the cursor.
func (s *CommerceService) SyncOrders(ctx context.Context, actor Actor, trigger string, since *time.Time) (CommerceSyncResult, error) {
	var result CommerceSyncResult
	if !s.enabled() {
		return result, ErrCommerceDisabled
	}
	after := time.Time{}
	if since != nil {
		after = *since
	} else {
		cursor, err := s.repos.Orders.PollCursor(ctx, domain.SyncCursorCommerceOrders)
		if err != nil {
			return result, err
		}
		if cursor != nil {
			after = *cursor
		}
	}
	pollStart := s.now()
	orders, err := s.client.ListCompletedOrders(ctx, after)
	if err != nil {
		observability.RecordCommerceSync(ctx, trigger, "failure")
		return result, err
	}
	result.Fetched = len(orders)
	var cursor orderCursor
	for i := range orders {
		seen := remotePosition(&orders[i], pollStart)
		issued, err := s.processOrder(ctx, &orders[i])
		if err != nil {
			result.Failed++
			cursor.failed(seen)
			s.logger.ErrorContext(ctx, "commerce order sync failed", "order_id", orders[i].ID, "error", err)
			continue
		}
		cursor.done(seen)
		result.Upserted++
		if issued {
			result.VouchersIssued++
		}
	}
	if pos, ok := cursor.position(); ok {
		if err := s.repos.Orders.AdvancePollCursor(ctx, domain.SyncCursorCommerceOrders, pos); err != nil {
			s.logger.WarnContext(ctx, "advance commerce poll cursor failed", "error", err)
		}
	}
	outcome := "success"
	if result.Failed > 0 {
		outcome = "partial"
	}
	observability.RecordCommerceSync(ctx, trigger, outcome)
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "commerce.synced",
		ActorUserID: actor.auditID(),
		TargetType:  "commerce",
		TargetID:    trigger,
		Action:      "sync",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata: map[string]any{
			"fetched":         result.Fetched,
			"vouchers_issued": result.VouchersIssued,
			"failed":          result.Failed,
		},
	})
	return result, nil
}

// remotePosition is the order's platform update time, or the poll start
// when the platform omits it.
func remotePosition(dto *CommerceOrderDTO, pollStart time.Time) time.Time {
	if dto.UpdatedAt != nil && !dto.UpdatedAt.IsZero() {
		return dto.UpdatedAt.UTC()
	}
	return pollStart.UTC()
}

// orderCursor tracks how far a poll got. It never passes a failed order, so
// the next poll fetches it again.
type orderCursor struct {
	latest      time.Time
	firstFailed time.Time
}

func (c *orderCursor) done(at time.Time) {
	if at.After(c.latest) {
		c.latest = at
	}
}

func (c *orderCursor) failed(at time.Time) {
	if c.firstFailed.IsZero() || at.Before(c.firstFailed) {
		c.firstFailed = at
	}
}

func (c *orderCursor) position() (time.Time, bool) {
	pos := c.latest
	if !c.firstFailed.IsZero() && !pos.Before(c.firstFailed) {
		pos = c.firstFailed.Add(-time.Nanosecond)
	}
	return pos, !pos.IsZero()
}

// HandleWebhook verifies the X-Commerce-Signature HMAC of body and syncs the
// single order it names.
func (s *CommerceService) HandleWebhook(ctx context.Context, body []byte, signature string) (CommerceSyncResult, error) {
	var result CommerceSyncResult
	if !s.enabled() {
		return result, ErrCommerceDisabled
	}
	if s.cfg.WebhookSecret == "" || !security.VerifySignature(s.cfg.WebhookSecret, body, signature) {
		observability.RecordCommerceSync(ctx, "webhook", "rejected")
		return result, ErrInvalidSignature
	}
	var payload commerceWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || strings.TrimSpace(payload.OrderID) == "" {
		return result, fieldError("order_id", "is required")
	}
	order, err := s.client.GetOrder(ctx, payload.OrderID)
	if err != nil {
		observability.RecordCommerceSync(ctx, "webhook", "failure")
		return result, err
	}
	result.Fetched = 1
	issued, err := s.processOrder(ctx, order)
	if err != nil {
		observability.RecordCommerceSync(ctx, "webhook", "failure")
		return result, err
	}
	result.Upserted = 1
	if issued {
		result.VouchersIssued = 1
	}
	observability.RecordCommerceSync(ctx, "webhook", "success")
	return result, nil
}

// processOrder stores the order and, for a completed order of a mapped SKU,
// issues its voucher exactly once.
func (s *CommerceService) processOrder(ctx context.Context, dto *CommerceOrderDTO) (bool, error) {
	now := s.now()
	quantity := dto.Quantity
	if quantity < 1 {
		quantity = 1
	}
	var voucher *domain.Voucher
	err := s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		order, err := repos.Orders.Upsert(ctx, &domain.CommerceOrder{
			ExternalOrderID: dto.ID,
			CustomerEmail:   domain.NormalizeEmail(dto.CustomerEmail),
			CustomerName:    strings.TrimSpace(dto.CustomerName),
			SKU:             strings.TrimSpace(dto.SKU),
			Quantity:        quantity,
			TotalCents:      dto.TotalCents,
			Currency:        strings.ToUpper(dto.Currency),
			Status:          strings.ToLower(dto.Status),
			PlacedAt:        dto.PlacedAt,
			RemoteUpdatedAt: dto.UpdatedAt,
			SyncedAt:        now,
		})
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusCompleted || order.VoucherIssued {
			return nil
		}
		code, ok := s.cfg.SKUMap[strings.ToUpper(order.SKU)]
		if !ok {
			return nil
		}
		certification, err := repos.Certifications.FindByCode(ctx, code)
		if err != nil {
			return err
		}
		claimed, err := repos.Orders.MarkVoucherIssued(ctx, order.ID)
		if err != nil || !claimed {
			return err
		}
		v := &domain.Voucher{
			CertificationID: certification.ID,
			OrderID:         uintPtr(order.ID),
			Quantity:        order.Quantity,
			ValidFrom:       now,
			ValidUntil:      now.AddDate(0, commerceVoucherValidity, 0),
			Status:          domain.VoucherStatusActive,
		}
		customer, err := repos.Users.FindByEmail(ctx, order.CustomerEmail)
		switch {
		case err == nil:
			v.AssignedUserID = uintPtr(customer.ID)
		case !errors.Is(err, repository.ErrUserNotFound):
			return err
		default:
			customer = &domain.User{Email: order.CustomerEmail, FirstName: order.CustomerName}
		}
		if err := createVoucher(ctx, repos.Vouchers, v); err != nil {
			return err
		}
		v.Certification = certification
		voucher = v
		if customer.Email == "" {
			return nil
		}
		_, err = s.emails.EnqueueWith(ctx, repos.Emails, voucherAssignedEmail(customer, v))
		return err
	})
	if err != nil || voucher == nil {
		return false, err
	}
	observability.RecordVoucherEvent(ctx, "commerce_issue", "success")
	if voucher.AssignedUserID != nil {
		if err := s.publisher.Publish(ctx, events.VoucherAssigned, events.VoucherEvent{
			VoucherID:      voucher.ID,
			Code:           voucher.Code,
			AssignedUserID: *voucher.AssignedUserID,
			OccurredAt:     now,
		}); err != nil {
			s.logger.WarnContext(ctx, "publish voucher assigned failed", "voucher_id", voucher.ID, "error", err)
		}
	}
	return true, nil
}
