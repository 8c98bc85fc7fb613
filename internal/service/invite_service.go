package service

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"
)

const linkTokenBytes = 32

type InviteServiceConfig struct {
	PublicBaseURL string
	InviteTTL     time.Duration
	MagicLinkTTL  time.Duration
	TokenPepper   string
}

type CreateUserInput struct {
	Email        string `json:"email" validate:"required,email,max=255"`
	FirstName    string `json:"first_name" validate:"required,max=120"`
	LastName     string `json:"last_name" validate:"required,max=120"`
	Role         string `json:"role" validate:"required,oneof=individual ecp pdp admin"`
	PartnerID    *uint  `json:"partner_id"`
	Organization string `json:"organization" validate:"max=255"`
	Phone        string `json:"phone" validate:"max=40"`
	Country      string `json:"country" validate:"max=80"`
}

type MagicLinkRequestInput struct {
	Email string `json:"email" validate:"required,email"`
}

type ConsumeMagicLinkInput struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"max=256"`
}

// InviteService owns invited accounts and the one-time links used to
// activate them or sign in without a password.
type InviteService struct {
	cfg      InviteServiceConfig
	tx       repository.Transactor
	repos    *repository.Repositories
	tokens   *TokenService
	emails   *EmailService
	throttle LoginThrottle
	audit    *AuditService
	logger   *slog.Logger
	now      func() time.Time
}

func NewInviteService(
	cfg InviteServiceConfig,
	tx repository.Transactor,
	repos *repository.Repositories,
	tokens *TokenService,
	emails *EmailService,
	throttle LoginThrottle,
	audit *AuditService,
	logger *slog.Logger,
) *InviteService {
	if throttle == nil {
		throttle = NoopLoginThrottle{}
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 72 * time.Hour
	}
	if cfg.MagicLinkTTL <= 0 {
		cfg.MagicLinkTTL = 30 * time.Minute
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &InviteService{
		cfg:      cfg,
		tx:       tx,
		repos:    repos,
		tokens:   tokens,
		emails:   emails,
		throttle: throttle,
		audit:    audit,
		logger:   observability.Component(logger, "invites"),
		now:      systemNow,
	}
}

// CreateUser creates an invited account without a password and emails the
// activation link.
func (s *InviteService) CreateUser(ctx context.Context, actor Actor, in CreateUserInput) (*domain.User, error) {
	in.Email = domain.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := checkPartnerLink(ctx, s.repos.Partners, in.Role, in.PartnerID); err != nil {
		return nil, err
	}
	user := &domain.User{
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Organization: strings.TrimSpace(in.Organization),
		Phone:        strings.TrimSpace(in.Phone),
		Country:      strings.TrimSpace(in.Country),
		Role:         in.Role,
		Status:       domain.UserStatusInvited,
	}
	if domain.IsPartnerRole(in.Role) {
		user.PartnerID = in.PartnerID
	}
	user.ProfileCompleted = CheckProfileCompletion(user).Complete

	err := s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Users.Create(ctx, user); err != nil {
			if errors.Is(err, repository.ErrUserEmailTaken) {
				return ErrEmailTaken
			}
			return err
		}
		return s.sendLink(ctx, repos, user, domain.TokenPurposeInvite)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "user.invited",
		ActorUserID: actor.auditID(),
		TargetType:  "user",
		TargetID:    uintString(user.ID),
		Action:      "create_user",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"role": user.Role, "partner_id": user.PartnerID},
	})
	return user, nil
}

// ResendInvite replaces any unused invite link of an invited user.
func (s *InviteService) ResendInvite(ctx context.Context, actor Actor, userID uint) (*domain.User, error) {
	user, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Status != domain.UserStatusInvited {
		return nil, ErrInviteNotPending
	}
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		return s.sendLink(ctx, repos, user, domain.TokenPurposeInvite)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "user.invite_resent",
		ActorUserID: actor.auditID(),
		TargetType:  "user",
		TargetID:    uintString(user.ID),
		Action:      "resend_invite",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return user, nil
}

// RequestMagicLink emails a sign-in link to an active user. Unknown or
// inactive addresses succeed silently so the endpoint cannot be used to
// probe for accounts.
func (s *InviteService) RequestMagicLink(ctx context.Context, in MagicLinkRequestInput) error {
	if err := validateStruct(in); err != nil {
		return err
	}
	// Every request counts against the throttle, whether or not the email
	// belongs to an account.
	ip := observability.RequestMetaFromContext(ctx).IP
	if wait, err := s.throttle.Wait(ctx, ThrottleScopeMagicLink, in.Email, ip); err == nil && wait > 0 {
		return &ThrottledError{RetryAfter: wait}
	}
	if _, err := s.throttle.Fail(ctx, ThrottleScopeMagicLink, in.Email, ip); err != nil {
		s.logger.WarnContext(ctx, "magic link throttle update failed", "error", err)
	}
	user, err := s.repos.Users.FindByEmail(ctx, in.Email)
	if errors.Is(err, repository.ErrUserNotFound) {
		s.logger.DebugContext(ctx, "magic link requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}
	if user.Status != domain.UserStatusActive {
		return nil
	}
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		return s.sendLink(ctx, repos, user, domain.TokenPurposeMagicLink)
	})
	if err != nil {
		return err
	}
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "auth.magic_link_requested",
		ActorUserID: uintString(user.ID),
		TargetType:  "user",
		TargetID:    uintString(user.ID),
		Action:      "request_magic_link",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return nil
}

// sendLink invalidates earlier links of the same purpose, stores a new
// hashed token and queues the email carrying it.
func (s *InviteService) sendLink(ctx context.Context, repos *repository.Repositories, user *domain.User, purpose string) error {
	now := s.now()
	if err := repos.VerificationTokens.InvalidateActive(ctx, user.ID, purpose, now); err != nil {
		return err
	}
	raw, err := security.NewRandomToken(linkTokenBytes)
	if err != nil {
		return err
	}
	ttl, template := s.cfg.InviteTTL, TemplateInvite
	if purpose == domain.TokenPurposeMagicLink {
		ttl, template = s.cfg.MagicLinkTTL, TemplateMagicLink
	}
	token := &domain.VerificationToken{
		UserID:    user.ID,
		TokenHash: security.HashToken(raw, s.cfg.TokenPepper),
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
	}
	if err := repos.VerificationTokens.Create(ctx, token); err != nil {
		return err
	}
	_, err = s.emails.EnqueueWith(ctx, repos.Emails, EmailRequest{
		ToEmail:  user.Email,
		ToName:   user.DisplayName(),
		Template: template,
		Data: map[string]any{
			"Link":      s.magicLinkURL(raw),
			"ExpiresAt": formatDateTime(token.ExpiresAt),
		},
	})
	return err
}

func (s *InviteService) magicLinkURL(token string) string {
	return s.cfg.PublicBaseURL + "/auth/magic?token=" + url.QueryEscape(token)
}

// ConsumeMagicLink signs the user in with a one-time link. Invited users
// must choose a password, which activates the account.
func (s *InviteService) ConsumeMagicLink(ctx context.Context, in ConsumeMagicLinkInput) (*AuthResult, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	now := s.now()
	token, err := s.repos.VerificationTokens.FindActiveByHash(ctx, security.HashToken(strings.TrimSpace(in.Token), s.cfg.TokenPepper), now)
	if err != nil {
		if errors.Is(err, repository.ErrVerificationTokenNotFound) {
			observability.RecordAuthEvent(ctx, "magic_link", "invalid")
			return nil, ErrInvalidMagicLink
		}
		return nil, err
	}
	user, err := s.repos.Users.FindByID(ctx, token.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status == domain.UserStatusDisabled {
		return nil, ErrAccountDisabled
	}
	activating := user.Status == domain.UserStatusInvited
	if activating && in.Password == "" {
		return nil, ErrPasswordRequired
	}
	var hash string
	if in.Password != "" {
		if err := security.CheckPasswordPolicy(in.Password); err != nil {
			return nil, fieldError("password", err.Error())
		}
		if hash, err = security.HashPassword(in.Password); err != nil {
			return nil, err
		}
	}

	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.VerificationTokens.Consume(ctx, token.ID, now); err != nil {
			if errors.Is(err, repository.ErrVerificationTokenNotFound) {
				return ErrInvalidMagicLink
			}
			return err
		}
		if hash != "" {
			if err := repos.Credentials.SetPassword(ctx, user.ID, hash, now); err != nil {
				return err
			}
		}
		if activating {
			if err := repos.Users.UpdateStatus(ctx, user.ID, domain.UserStatusActive); err != nil {
				return err
			}
			user.Status = domain.UserStatusActive
		}
		if err := repos.Users.TouchLastLogin(ctx, user.ID, now); err != nil {
			return err
		}
		user.LastLoginAt = &now
		return nil
	})
	if err != nil {
		observability.RecordAuthEvent(ctx, "magic_link", "failure")
		return nil, err
	}
	tokens, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthEvent(ctx, "magic_link", "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "auth.magic_link_consumed",
		ActorUserID: uintString(user.ID),
		TargetType:  "user",
		TargetID:    uintString(user.ID),
		Action:      "login",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"activated": activating, "purpose": token.Purpose},
	})
	return &AuthResult{User: user, Tokens: tokens}, nil
}
