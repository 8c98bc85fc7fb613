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

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Certificate expiry reminders go out this long before ExpiresAt.
var certificateReminderOffsets = []time.Duration{60 * 24 * time.Hour, 14 * 24 * time.Hour}

type CertificationServiceConfig struct {
	PublicBaseURL   string
	VerifyCacheTTL  time.Duration
	DownloadURLTTL  time.Duration
	CatalogCacheTTL time.Duration
}

type CertificationInput struct {
	Code           string `json:"code" validate:"required,max=16"`
	Name           string `json:"name" validate:"required,max=255"`
	Description    string `json:"description" validate:"max=2000"`
	ValidityMonths int    `json:"validity_months" validate:"gte=1,lte=240"`
	Active         *bool  `json:"active"`
}

type IssueCertificateInput struct {
	UserID          uint  `json:"user_id" validate:"required"`
	CertificationID uint  `json:"certification_id" validate:"required"`
	ExamBookingID   *uint `json:"exam_booking_id"`
}

type CertificateFilterInput struct {
	UserID            *uint
	CertificationCode string
	Status            string
	Page              int
	PageSize          int
}

// VerificationResult is the public view of a credential.
type VerificationResult struct {
	CredentialID      string     `json:"credential_id"`
	HolderName        string     `json:"holder_name"`
	CertificationCode string     `json:"certification_code"`
	CertificationName string     `json:"certification_name"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Status            string     `json:"status"`
	Valid             bool       `json:"valid"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
}

type CertificationService struct {
	cfg       CertificationServiceConfig
	tx        repository.Transactor
	repos     *repository.Repositories
	emails    *EmailService
	storage   ObjectStorage
	cache     VerificationCache
	catalog   ResponseCache
	publisher EventPublisher
	audit     *AuditService
	logger    *slog.Logger
	sf        singleflight.Group
	now       func() time.Time
}

func NewCertificationService(
	cfg CertificationServiceConfig,
	tx repository.Transactor,
	repos *repository.Repositories,
	emails *EmailService,
	storage ObjectStorage,
	cache VerificationCache,
	catalog ResponseCache,
	publisher EventPublisher,
	audit *AuditService,
	logger *slog.Logger,
) *CertificationService {
	if cache == nil {
		cache = NoopVerificationCache{}
	}
	if catalog == nil {
		catalog = NoopResponseCache{}
	}
	if storage == nil {
		storage = DisabledStorage{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cfg.VerifyCacheTTL <= 0 {
		cfg.VerifyCacheTTL = 10 * time.Minute
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 15 * time.Minute
	}
	if cfg.CatalogCacheTTL <= 0 {
		cfg.CatalogCacheTTL = 5 * time.Minute
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &CertificationService{
		cfg:       cfg,
		tx:        tx,
		repos:     repos,
		emails:    emails,
		storage:   storage,
		cache:     cache,
		catalog:   catalog,
		publisher: publisher,
		audit:     audit,
		logger:    observability.Component(logger, "certifications"),
		now:       systemNow,
	}
}

func (s *CertificationService) ListCatalog(ctx context.Context, activeOnly bool) ([]domain.Certification, error) {
	key := "all"
	if activeOnly {
		key = "active"
	}
	return cachedJSON(ctx, s.catalog, cacheNamespaceCatalog, key, s.cfg.CatalogCacheTTL, func() ([]domain.Certification, error) {
		return s.repos.Certifications.List(ctx, activeOnly)
	})
}

func (s *CertificationService) invalidateCatalog(ctx context.Context) {
	if err := s.catalog.InvalidateNamespace(ctx, cacheNamespaceCatalog); err != nil {
		s.logger.WarnContext(ctx, "catalog cache invalidation failed", "error", err)
	}
}

func (s *CertificationService) CreateCertification(ctx context.Context, actor Actor, in CertificationInput) (*domain.Certification, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	c := &domain.Certification{
		Code:           strings.ToUpper(strings.TrimSpace(in.Code)),
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		ValidityMonths: in.ValidityMonths,
		Active:         in.Active == nil || *in.Active,
	}
	if err := s.repos.Certifications.Create(ctx, c); err != nil {
		return nil, err
	}
	s.invalidateCatalog(ctx)
	s.auditCertification(ctx, actor, "certification.created", "create", c)
	return c, nil
}

func (s *CertificationService) UpdateCertification(ctx context.Context, actor Actor, id uint, in CertificationInput) (*domain.Certification, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	c, err := s.repos.Certifications.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	c.Name = strings.TrimSpace(in.Name)
	c.Description = strings.TrimSpace(in.Description)
	c.ValidityMonths = in.ValidityMonths
	if in.Active != nil {
		c.Active = *in.Active
	}
	if err := s.repos.Certifications.Save(ctx, c); err != nil {
		return nil, err
	}
	s.invalidateCatalog(ctx)
	s.auditCertification(ctx, actor, "certification.updated", "update", c)
	return c, nil
}

func (s *CertificationService) auditCertification(ctx context.Context, actor Actor, event, action string, c *domain.Certification) {
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   event,
		ActorUserID: actor.auditID(),
		TargetType:  "certification",
		TargetID:    uintString(c.ID),
		Action:      action,
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"code": c.Code, "active": c.Active},
	})
}

// FormatCredentialID builds "BDA-{CODE}-{YYYY}-{NNNNNN}".
func FormatCredentialID(code string, year int, seq int64) string {
	return fmt.Sprintf("BDA-%s-%04d-%06d", strings.ToUpper(code), year, seq)
}

// Issue creates a certificate for the user in its own transaction.
func (s *CertificationService) Issue(ctx context.Context, actor Actor, in IssueCertificateInput) (*domain.Certificate, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	var cert *domain.Certificate
	err := s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		var err error
		cert, err = s.issueInTx(ctx, repos, in)
		return err
	})
	if err != nil {
		observability.RecordCertificateEvent(ctx, "issue", "failure")
		return nil, err
	}
	s.afterIssue(ctx, actor, cert)
	return cert, nil
}

// issueInTx does the transactional part of issuing: numbering, the
// certificate row, expiry reminders and the notification email.
func (s *CertificationService) issueInTx(ctx context.Context, repos *repository.Repositories, in IssueCertificateInput) (*domain.Certificate, error) {
	certification, err := repos.Certifications.FindByID(ctx, in.CertificationID)
	if err != nil {
		return nil, err
	}
	if !certification.Active {
		return nil, ErrCertificationClosed
	}
	user, err := repos.Users.FindByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	held, err := repos.Certificates.HasActive(ctx, user.ID, certification.ID, now)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, ErrAlreadyCertified
	}
	seq, err := repos.Sequences.Next(ctx, certification.Code, now.Year())
	if err != nil {
		return nil, fmt.Errorf("next credential number: %w", err)
	}
	cert := &domain.Certificate{
		UserID:          user.ID,
		CertificationID: certification.ID,
		ExamBookingID:   in.ExamBookingID,
		CredentialID:    FormatCredentialID(certification.Code, now.Year(), seq),
		IssuedAt:        now,
		ExpiresAt:       now.AddDate(0, certification.ValidityMonths, 0),
		Status:          domain.CertificateStatusActive,
	}
	if err := repos.Certificates.Create(ctx, cert); err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert.User = user
	cert.Certification = certification

	for _, offset := range certificateReminderOffsets {
		due := cert.ExpiresAt.Add(-offset)
		if !due.After(now) {
			continue
		}
		if err := repos.Reminders.CreateIfAbsent(ctx, &domain.Reminder{
			UserID:        user.ID,
			Kind:          domain.ReminderKindCertificateExpiring,
			ReferenceType: "certificate",
			ReferenceID:   cert.ID,
			DueAt:         due,
			Status:        domain.ReminderStatusPending,
		}); err != nil {
			return nil, fmt.Errorf("schedule expiry reminder: %w", err)
		}
	}

	if _, err := s.emails.EnqueueWith(ctx, repos.Emails, EmailRequest{
		ToEmail:  user.Email,
		ToName:   user.DisplayName(),
		Template: TemplateCertificateIssued,
		Data: map[string]any{
			"CertificationName": certification.Name,
			"CredentialID":      cert.CredentialID,
			"ExpiresAt":         formatDate(cert.ExpiresAt),
			"VerifyURL":         verifyURL(s.cfg.PublicBaseURL, cert.CredentialID),
		},
	}); err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *CertificationService) afterIssue(ctx context.Context, actor Actor, cert *domain.Certificate) {
	observability.RecordCertificateEvent(ctx, "issue", "success")
	if err := s.publisher.Publish(ctx, events.CertificateIssued, events.CertificateEvent{
		CertificateID: cert.ID,
		CredentialID:  cert.CredentialID,
		UserID:        cert.UserID,
		OccurredAt:    cert.IssuedAt,
	}); err != nil {
		s.logger.WarnContext(ctx, "publish certificate issued failed", "credential_id", cert.CredentialID, "error", err)
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "certificate.issued",
		ActorUserID: actor.auditID(),
		TargetType:  "certificate",
		TargetID:    cert.CredentialID,
		Action:      "issue",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"user_id": cert.UserID, "certification_id": cert.CertificationID},
	})
}

func normalizeCredentialID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Verify is the public credential lookup. Results are cached and concurrent
// lookups of the same credential share one database query.
func (s *CertificationService) Verify(ctx context.Context, credentialID string) (*VerificationResult, error) {
	credentialID = normalizeCredentialID(credentialID)
	if credentialID == "" {
		return nil, repository.ErrCertificateNotFound
	}
	now := s.now()
	if cached, ok, err := s.cache.Get(ctx, credentialID); err != nil {
		s.logger.WarnContext(ctx, "verification cache read failed", "error", err)
	} else if ok {
		observability.RecordVerificationLookup(ctx, "cache", "found")
		return cached.at(now), nil
	}

	v, err, _ := s.sf.Do(credentialID, func() (any, error) {
		cert, err := s.repos.Certificates.FindByCredentialID(ctx, credentialID)
		if err != nil {
			return nil, err
		}
		result := newVerificationResult(cert)
		if err := s.cache.Set(ctx, credentialID, result, s.cfg.VerifyCacheTTL); err != nil {
			s.logger.WarnContext(ctx, "verification cache write failed", "error", err)
		}
		return result, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrCertificateNotFound) {
			observability.RecordVerificationLookup(ctx, "db", "not_found")
		}
		return nil, err
	}
	observability.RecordVerificationLookup(ctx, "db", "found")
	return v.(*VerificationResult).at(now), nil
}

func newVerificationResult(c *domain.Certificate) *VerificationResult {
	r := &VerificationResult{
		CredentialID: c.CredentialID,
		IssuedAt:     c.IssuedAt,
		ExpiresAt:    c.ExpiresAt,
		Status:       c.Status,
		RevokedAt:    c.RevokedAt,
	}
	if c.User != nil {
		r.HolderName = c.User.DisplayName()
	}
	if c.Certification != nil {
		r.CertificationCode = c.Certification.Code
		r.CertificationName = c.Certification.Name
	}
	return r
}

// at recomputes status for now, so a cached active entry still reports
// expired once ExpiresAt has passed.
func (r *VerificationResult) at(now time.Time) *VerificationResult {
	out := *r
	if out.Status == domain.CertificateStatusActive && !now.Before(out.ExpiresAt) {
		out.Status = domain.CertificateStatusExpired
	}
	out.Valid = out.Status == domain.CertificateStatusActive
	return &out
}

func (s *CertificationService) Revoke(ctx context.Context, actor Actor, credentialID, reason string) (*domain.Certificate, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fieldError("reason", "is required")
	}
	cert, err := s.repos.Certificates.FindByCredentialID(ctx, normalizeCredentialID(credentialID))
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.repos.Certificates.Revoke(ctx, cert.ID, truncateString(reason, 500), now); err != nil {
		observability.RecordCertificateEvent(ctx, "revoke", "failure")
		return nil, err
	}
	if _, err := s.repos.Reminders.CancelForReference(ctx, domain.ReminderKindCertificateExpiring, "certificate", cert.ID, now); err != nil {
		s.logger.WarnContext(ctx, "cancel expiry reminders failed", "certificate_id", cert.ID, "error", err)
	}
	if err := s.cache.Invalidate(ctx, cert.CredentialID); err != nil {
		s.logger.WarnContext(ctx, "verification cache invalidate failed", "credential_id", cert.CredentialID, "error", err)
	}
	cert.Status = domain.CertificateStatusRevoked
	cert.RevokedReason = reason
	cert.RevokedAt = &now

	observability.RecordCertificateEvent(ctx, "revoke", "success")
	if err := s.publisher.Publish(ctx, events.CertificateRevoked, events.CertificateEvent{
		CertificateID: cert.ID,
		CredentialID:  cert.CredentialID,
		UserID:        cert.UserID,
		Reason:        reason,
		OccurredAt:    now,
	}); err != nil {
		s.logger.WarnContext(ctx, "publish certificate revoked failed", "credential_id", cert.CredentialID, "error", err)
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "certificate.revoked",
		ActorUserID: actor.auditID(),
		TargetType:  "certificate",
		TargetID:    cert.CredentialID,
		Action:      "revoke",
		Outcome:     observability.AuditOutcomeSuccess,
		Reason:      reason,
	})
	return cert, nil
}

func (s *CertificationService) ListForUser(ctx context.Context, userID uint) ([]domain.Certificate, error) {
	certs, err := s.repos.Certificates.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range certs {
		certs[i].Status = certs[i].EffectiveStatus(now)
	}
	return certs, nil
}

func (s *CertificationService) ListAll(ctx context.Context, in CertificateFilterInput) (repository.PageResult[domain.Certificate], error) {
	page, err := s.repos.Certificates.ListPaged(ctx, repository.CertificateFilter{
		UserID:            in.UserID,
		CertificationCode: in.CertificationCode,
		Status:            in.Status,
	}, repository.PageRequest{Page: in.Page, PageSize: in.PageSize})
	if err != nil {
		return page, err
	}
	now := s.now()
	for i := range page.Items {
		page.Items[i].Status = page.Items[i].EffectiveStatus(now)
	}
	return page, nil
}

func certificateObjectKey(credentialID string) string {
	return "certificates/" + credentialID + ".pdf"
}

// RenderPDF renders the certificate and stores it in object storage.
func (s *CertificationService) RenderPDF(ctx context.Context, credentialID string) (*domain.Certificate, error) {
	cert, err := s.repos.Certificates.FindByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if err := s.renderAndStore(ctx, cert); err != nil {
		observability.RecordCertificateEvent(ctx, "render", "failure")
		return nil, err
	}
	observability.RecordCertificateEvent(ctx, "render", "success")
	return cert, nil
}

func (s *CertificationService) renderAndStore(ctx context.Context, cert *domain.Certificate) error {
	ctx, span := observability.StartSpan(ctx, "certificate.render", attribute.String("bda.credential_id", cert.CredentialID))
	defer span.End()
	pdf, err := RenderCertificatePDF(certificatePDFData(cert, s.cfg.PublicBaseURL))
	if err != nil {
		span.RecordError(err)
		return err
	}
	key := certificateObjectKey(cert.CredentialID)
	if err := s.storage.PutObject(ctx, key, pdf, "application/pdf"); err != nil {
		return fmt.Errorf("store certificate pdf: %w", err)
	}
	if err := s.repos.Certificates.SetPDFObjectKey(ctx, cert.ID, key); err != nil {
		return err
	}
	cert.PDFObjectKey = key
	return nil
}

// DownloadURL returns a presigned link to the certificate PDF, rendering it
// first when it has not been stored yet. Only the holder and admins may
// download.
func (s *CertificationService) DownloadURL(ctx context.Context, actor Actor, credentialID string) (string, error) {
	cert, err := s.repos.Certificates.FindByCredentialID(ctx, normalizeCredentialID(credentialID))
	if err != nil {
		return "", err
	}
	if cert.UserID != actor.UserID && !actor.IsAdmin() {
		return "", repository.ErrCertificateNotFound
	}
	if cert.Status == domain.CertificateStatusRevoked {
		return "", repository.ErrCertificateNotActive
	}
	if cert.PDFObjectKey == "" {
		if err := s.renderAndStore(ctx, cert); err != nil {
			return "", err
		}
	}
	return s.storage.PresignGet(ctx, cert.PDFObjectKey, s.cfg.DownloadURLTTL)
}

// ExpireStale marks active certificates past their expiry as expired.
func (s *CertificationService) ExpireStale(ctx context.Context, limit int) (int, error) {
	expired, err := s.repos.Certificates.ExpireDue(ctx, s.now(), limit)
	for _, c := range expired {
		if cacheErr := s.cache.Invalidate(ctx, c.CredentialID); cacheErr != nil {
			s.logger.WarnContext(ctx, "verification cache invalidate failed", "credential_id", c.CredentialID, "error", cacheErr)
		}
		observability.RecordCertificateEvent(ctx, "expire", "success")
	}
	return len(expired), err
}

// HandleEvent renders the PDF for certificate.issued deliveries.
func (s *CertificationService) HandleEvent(ctx context.Context, routingKey string, body []byte) error {
	if routingKey != events.CertificateIssued {
		return nil
	}
	ev, err := decodeEvent[events.CertificateEvent](body)
	if err != nil {
		return err
	}
	_, err = s.RenderPDF(ctx, ev.CredentialID)
	return err
}
