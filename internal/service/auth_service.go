package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"
)

type AuthResult struct {
	User   *domain.User `json:"user"`
	Tokens *TokenPair   `json:"tokens"`
}

type RegisterInput struct {
	Email          string `json:"email" validate:"required,email,max=255"`
	Password       string `json:"password" validate:"required,max=256"`
	FirstName      string `json:"first_name" validate:"required,max=120"`
	LastName       string `json:"last_name" validate:"required,max=120"`
	AcceptTerms    bool   `json:"accept_terms"`
	AcceptPrivacy  bool   `json:"accept_privacy"`
	MarketingOptIn bool   `json:"marketing_opt_in"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type AuthServiceConfig struct {
	BootstrapAdminEmail string
	LegacyAuthEnabled   bool
}

type AuthService struct {
	cfg      AuthServiceConfig
	tx       repository.Transactor
	users    repository.UserRepository
	creds    repository.LocalCredentialRepository
	tokens   *TokenService
	roleMap  *RoleMappingService
	legacy   LegacyAuthClient
	verifier *security.LegacyTokenVerifier
	emails   *EmailService
	throttle LoginThrottle
	audit    *AuditService
	logger   *slog.Logger
	now      func() time.Time
}

func NewAuthService(
	cfg AuthServiceConfig,
	tx repository.Transactor,
	users repository.UserRepository,
	creds repository.LocalCredentialRepository,
	tokens *TokenService,
	roleMap *RoleMappingService,
	legacy LegacyAuthClient,
	verifier *security.LegacyTokenVerifier,
	emails *EmailService,
	throttle LoginThrottle,
	audit *AuditService,
	logger *slog.Logger,
) *AuthService {
	if throttle == nil {
		throttle = NoopLoginThrottle{}
	}
	return &AuthService{
		cfg:      cfg,
		tx:       tx,
		users:    users,
		creds:    creds,
		tokens:   tokens,
		roleMap:  roleMap,
		legacy:   legacy,
		verifier: verifier,
		emails:   emails,
		throttle: throttle,
		audit:    audit,
		logger:   observability.Component(logger, "auth"),
		now:      systemNow,
	}
}

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.Email = domain.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if !in.AcceptTerms || !in.AcceptPrivacy {
		return nil, ErrConsentRequired
	}
	if err := security.CheckPasswordPolicy(in.Password); err != nil {
		return nil, fieldError("password", err.Error())
	}
	hash, err := security.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	role := domain.RoleIndividual
	if s.cfg.BootstrapAdminEmail != "" && in.Email == domain.NormalizeEmail(s.cfg.BootstrapAdminEmail) {
		role = domain.RoleAdmin
	}
	user := &domain.User{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Role:      role,
		Status:    domain.UserStatusActive,
	}
	now := s.now()
	err = s.tx.WithinTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Users.Create(ctx, user); err != nil {
			if errors.Is(err, repository.ErrUserEmailTaken) {
				return ErrEmailTaken
			}
			return err
		}
		if err := repos.Credentials.SetPassword(ctx, user.ID, hash, now); err != nil {
			return err
		}
		consents := []RecordConsentInput{
			{ConsentType: domain.ConsentTerms, Version: CurrentTermsVersion, Granted: true},
			{ConsentType: domain.ConsentPrivacy, Version: CurrentPrivacyVersion, Granted: true},
			{ConsentType: domain.ConsentMarketing, Version: CurrentPrivacyVersion, Granted: in.MarketingOptIn},
		}
		for _, c := range consents {
			if _, err := recordConsent(ctx, repos.Consents, user.ID, c, now); err != nil {
				return err
			}
		}
		user.ProfileCompleted = CheckProfileCompletion(user).Complete
		if err := repos.Users.Save(ctx, user); err != nil {
			return err
		}
		_, err := s.emails.EnqueueWith(ctx, repos.Emails, EmailRequest{
			ToEmail:  user.Email,
			ToName:   user.DisplayName(),
			Template: TemplateWelcome,
			Data:     map[string]any{"FirstName": user.FirstName},
		})
		return err
	})
	if err != nil {
		observability.RecordAuthEvent(ctx, "register", "failure")
		return nil, err
	}

	tokens, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthEvent(ctx, "register", "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "auth.registered",
		ActorUserID: uintString(user.ID),
		TargetType:  "user",
		TargetID:    uintString(user.ID),
		Action:      "register",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return &AuthResult{User: user, Tokens: tokens}, nil
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	in.Email = domain.NormalizeEmail(in.Email)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := s.checkThrottle(ctx, in.Email); err != nil {
		return nil, err
	}
	user, err := s.authenticateLocal(ctx, in)
	if err != nil {
		observability.RecordAuthEvent(ctx, "password", "failure")
		if errors.Is(err, ErrInvalidCredentials) {
			s.registerFailure(ctx, in.Email)
		}
		s.audit.Record(ctx, observability.AuditInput{
			EventName:   "auth.login",
			ActorUserID: "anonymous",
			TargetType:  "user",
			TargetID:    in.Email,
			Action:      "login",
			Outcome:     observability.AuditOutcomeFailure,
			Reason:      err.Error(),
		})
		return nil, err
	}
	s.clearThrottle(ctx, in.Email)
	return s.completeLogin(ctx, user, "password")
}

func (s *AuthService) checkThrottle(ctx context.Context, email string) error {
	ip := observability.RequestMetaFromContext(ctx).IP
	wait, err := s.throttle.Wait(ctx, ThrottleScopeLogin, email, ip)
	if err != nil {
		s.logger.WarnContext(ctx, "login throttle unavailable", "error", err)
		return nil
	}
	if wait > 0 {
		observability.RecordAuthEvent(ctx, "login", "throttled")
		return &ThrottledError{RetryAfter: wait}
	}
	return nil
}

func (s *AuthService) registerFailure(ctx context.Context, email string) {
	ip := observability.RequestMetaFromContext(ctx).IP
	if _, err := s.throttle.Fail(ctx, ThrottleScopeLogin, email, ip); err != nil {
		s.logger.WarnContext(ctx, "login throttle update failed", "error", err)
	}
}

func (s *AuthService) clearThrottle(ctx context.Context, email string) {
	ip := observability.RequestMetaFromContext(ctx).IP
	if err := s.throttle.Clear(ctx, ThrottleScopeLogin, email, ip); err != nil {
		s.logger.WarnContext(ctx, "login throttle reset failed", "error", err)
	}
}

func (s *AuthService) authenticateLocal(ctx context.Context, in LoginInput) (*domain.User, error) {
	user, err := s.users.FindByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	cred, err := s.creds.FindByUserID(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrCredentialNotFound) {
			return nil, err
		}
		if user.Status == domain.UserStatusInvited {
			return nil, ErrAccountNotActivated
		}
		return nil, ErrInvalidCredentials
	}
	ok, err := security.VerifyPassword(cred.PasswordHash, in.Password)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	switch user.Status {
	case domain.UserStatusDisabled:
		return nil, ErrAccountDisabled
	case domain.UserStatusInvited:
		return nil, ErrAccountNotActivated
	}
	return user, nil
}

func (s *AuthService) completeLogin(ctx context.Context, user *domain.User, method string) (*AuthResult, error) {
	now := s.now()
	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.logger.WarnContext(ctx, "touch last login failed", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}
	tokens, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthEvent(ctx, method, "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "auth.login",
		ActorUserID: uintString(user.ID),
		TargetType:  "user",
		TargetID:    uintString(user.ID),
		Action:      "login",
		Outcome:     observability.AuditOutcomeSuccess,
		Metadata:    map[string]any{"method": method},
	})
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Refresh rotates the session behind refreshToken.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	session, err := s.tokens.Consume(ctx, refreshToken, "rotated")
	if err != nil {
		outcome := "failure"
		if errors.Is(err, ErrRefreshTokenReused) {
			outcome = "reuse_detected"
			s.audit.Record(ctx, observability.AuditInput{
				EventName:   "auth.refresh_reuse",
				ActorUserID: "anonymous",
				TargetType:  "session",
				Action:      "refresh",
				Outcome:     observability.AuditOutcomeDenied,
				Reason:      "reuse_detected",
			})
		}
		observability.RecordAuthEvent(ctx, "refresh", outcome)
		return nil, err
	}
	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if user.Status != domain.UserStatusActive {
		observability.RecordAuthEvent(ctx, "refresh", "failure")
		return nil, ErrAccountDisabled
	}
	tokens, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthEvent(ctx, "refresh", "success")
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Logout revokes the session of refreshToken. Unknown or already revoked
// tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	userID, err := s.tokens.Revoke(ctx, refreshToken, "logout")
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			return nil
		}
		return err
	}
	observability.RecordAuthEvent(ctx, "logout", "success")
	s.audit.Record(ctx, observability.AuditInput{
		EventName:   "auth.logout",
		ActorUserID: uintString(userID),
		TargetType:  "user",
		TargetID:    uintString(userID),
		Action:      "logout",
		Outcome:     observability.AuditOutcomeSuccess,
	})
	return nil
}

// LegacyLogin authenticates against the legacy identity provider and links
// or creates the matching portal user.
func (s *AuthService) LegacyLogin(ctx context.Context, in LoginInput) (*AuthResult, error) {
	if !s.cfg.LegacyAuthEnabled || s.legacy == nil || s.verifier == nil {
		return nil, ErrLegacyAuthDisabled
	}
	in.Email = domain.NormalizeEmail(in.Email)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := s.checkThrottle(ctx, in.Email); err != nil {
		return nil, err
	}
	token, err := s.legacy.Exchange(ctx, in.Email, in.Password)
	if err != nil {
		observability.RecordAuthEvent(ctx, "legacy", "failure")
		if errors.Is(err, ErrLegacyAuthRejected) {
			s.registerFailure(ctx, in.Email)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		observability.RecordAuthEvent(ctx, "legacy", "failure")
		s.logger.WarnContext(ctx, "legacy token rejected", "error", err)
		return nil, ErrLegacyAuthRejected
	}
	role, err := s.roleMap.ResolveFirst(ctx, claims.Roles)
	if err != nil {
		return nil, err
	}
	user, err := s.linkLegacyUser(ctx, claims, role)
	if err != nil {
		return nil, err
	}
	if user.Status == domain.UserStatusDisabled {
		observability.RecordAuthEvent(ctx, "legacy", "failure")
		return nil, ErrAccountDisabled
	}
	s.clearThrottle(ctx, in.Email)
	return s.completeLogin(ctx, user, "legacy")
}

func (s *AuthService) linkLegacyUser(ctx context.Context, claims *security.LegacyClaims, role string) (*domain.User, error) {
	user, err := s.users.FindByLegacyID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrUserNotFound) {
		user, err = s.users.FindByEmail(ctx, claims.Email)
	}
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		user = &domain.User{
			Email:        domain.NormalizeEmail(claims.Email),
			FirstName:    strings.TrimSpace(claims.GivenName),
			LastName:     strings.TrimSpace(claims.FamilyName),
			Role:         role,
			Status:       domain.UserStatusActive,
			LegacyUserID: claims.Subject,
		}
		user.ProfileCompleted = CheckProfileCompletion(user).Complete
		if err := s.users.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("create legacy user: %w", err)
		}
		return user, nil
	case err != nil:
		return nil, err
	}

	user.LegacyUserID = claims.Subject
	if user.FirstName == "" {
		user.FirstName = strings.TrimSpace(claims.GivenName)
	}
	if user.LastName == "" {
		user.LastName = strings.TrimSpace(claims.FamilyName)
	}
	if user.Role != domain.RoleAdmin {
		user.Role = role
	}
	if user.Status == domain.UserStatusInvited {
		user.Status = domain.UserStatusActive
	}
	user.ProfileCompleted = CheckProfileCompletion(user).Complete
	if err := s.users.Save(ctx, user); err != nil {
		return nil, fmt.Errorf("update legacy user: %w", err)
	}
	return user, nil
}
