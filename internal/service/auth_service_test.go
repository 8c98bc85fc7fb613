package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/security"

	"github.com/golang-jwt/jwt/v5"
)

const strongPassword = "correct-horse-42"

func registerInput(email string) RegisterInput {
	return RegisterInput{
		Email:         email,
		Password:      strongPassword,
		FirstName:     " Grace ",
		LastName:      "Hopper",
		AcceptTerms:   true,
		AcceptPrivacy: true,
	}
}

func TestAuthServiceRegister(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	weak := registerInput("weak@example.com")
	weak.Password = "short"
	var verr *ValidationError
	if _, err := fx.auth.Register(ctx, weak); !errors.As(err, &verr) {
		t.Fatalf("expected password policy error, got %v", err)
	}
	noConsent := registerInput("noconsent@example.com")
	noConsent.AcceptPrivacy = false
	if _, err := fx.auth.Register(ctx, noConsent); !errors.Is(err, ErrConsentRequired) {
		t.Fatalf("expected ErrConsentRequired, got %v", err)
	}

	res, err := fx.auth.Register(ctx, registerInput(" Grace@Example.com "))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.User.Email != "grace@example.com" || res.User.FirstName != "Grace" || res.User.Role != domain.RoleIndividual {
		t.Fatalf("unexpected user %+v", res.User)
	}
	if res.Tokens == nil || res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
	var consents int64
	fx.db.Model(&domain.ConsentRecord{}).Where("user_id = ?", res.User.ID).Count(&consents)
	if consents != 3 {
		t.Fatalf("expected terms, privacy and marketing consents, got %d", consents)
	}
	if mails := fx.queuedEmails(TemplateWelcome); len(mails) != 1 {
		t.Fatalf("expected welcome email, got %d", len(mails))
	}

	if _, err := fx.auth.Register(ctx, registerInput("GRACE@example.com")); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	admin, err := fx.auth.Register(ctx, registerInput("root@bda.test"))
	if err != nil {
		t.Fatalf("register bootstrap admin: %v", err)
	}
	if admin.User.Role != domain.RoleAdmin {
		t.Fatalf("expected bootstrap email to become admin, got %s", admin.User.Role)
	}
}

func TestAuthServiceLogin(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	reg, err := fx.auth.Register(ctx, registerInput("login@example.com"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := fx.auth.Login(ctx, LoginInput{Email: "login@example.com", Password: "wrong-password-1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := fx.auth.Login(ctx, LoginInput{Email: "nobody@example.com", Password: strongPassword}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown emails must look like bad passwords, got %v", err)
	}

	res, err := fx.auth.Login(ctx, LoginInput{Email: "LOGIN@example.com", Password: strongPassword})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.LastLoginAt == nil || !res.User.LastLoginAt.Equal(fx.clock) {
		t.Fatalf("expected last login stamped, got %v", res.User.LastLoginAt)
	}
	claims, err := fx.tokens.jwtMgr.ParseAccessToken(res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if claims.Role != domain.RoleIndividual || !slices.Contains(claims.Permissions, "exams:book") {
		t.Fatalf("unexpected claims %+v", claims)
	}

	fx.db.Model(&domain.User{}).Where("id = ?", reg.User.ID).Update("status", domain.UserStatusDisabled)
	if _, err := fx.auth.Login(ctx, LoginInput{Email: "login@example.com", Password: strongPassword}); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	invited := fx.createUser("invited@example.com", domain.RoleIndividual, nil)
	fx.db.Model(invited).Update("status", domain.UserStatusInvited)
	if _, err := fx.auth.Login(ctx, LoginInput{Email: "invited@example.com", Password: strongPassword}); !errors.Is(err, ErrAccountNotActivated) {
		t.Fatalf("expected ErrAccountNotActivated, got %v", err)
	}
}

func TestAuthServiceLoginThrottle(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := observability.WithRequestMeta(context.Background(), observability.RequestMeta{IP: "203.0.113.9"})
	if _, err := fx.auth.Register(ctx, registerInput("slow@example.com")); err != nil {
		t.Fatalf("register: %v", err)
	}
	throttle := NewMemoryLoginThrottle(ThrottlePolicy{FreeAttempts: 1, BaseDelay: time.Minute, MaxDelay: time.Hour})
	auth := NewAuthService(AuthServiceConfig{}, fx.tx, fx.repos.Users, fx.repos.Credentials, fx.tokens, fx.roleMap,
		nil, nil, fx.emails, throttle, fx.audit, observability.DiscardLogger())

	bad := LoginInput{Email: "slow@example.com", Password: "wrong-password-1"}
	if _, err := auth.Login(ctx, bad); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("first failure: %v", err)
	}
	if _, err := auth.Login(ctx, bad); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("second failure: %v", err)
	}
	_, err := auth.Login(ctx, LoginInput{Email: "slow@example.com", Password: strongPassword})
	te, ok := IsThrottled(err)
	if !ok {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if te.RetryAfter <= 0 || te.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry after %s", te.RetryAfter)
	}

	other := observability.WithRequestMeta(context.Background(), observability.RequestMeta{IP: "198.51.100.7"})
	if _, err := auth.Login(other, LoginInput{Email: "slow@example.com", Password: strongPassword}); err == nil {
		t.Fatal("the identity should stay throttled from another address")
	}
}

func TestAuthServiceRefreshRotationAndReuse(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	reg, err := fx.auth.Register(ctx, registerInput("rotate@example.com"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	first := reg.Tokens.RefreshToken

	rotated, err := fx.auth.Refresh(ctx, first)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.Tokens.RefreshToken == first {
		t.Fatal("expected a new refresh token")
	}

	if _, err := fx.auth.Refresh(ctx, first); !errors.Is(err, ErrRefreshTokenReused) {
		t.Fatalf("expected reuse detection, got %v", err)
	}
	if _, err := fx.auth.Refresh(ctx, rotated.Tokens.RefreshToken); err == nil {
		t.Fatal("reuse must revoke every session of the user")
	}
	if _, err := fx.auth.Refresh(ctx, "not-a-token"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestAuthServiceLogout(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	reg, err := fx.auth.Register(ctx, registerInput("bye@example.com"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := fx.auth.Logout(ctx, reg.Tokens.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := fx.auth.Logout(ctx, reg.Tokens.RefreshToken); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
	if _, err := fx.auth.Refresh(ctx, reg.Tokens.RefreshToken); err == nil {
		t.Fatal("expected logged out session to be unusable")
	}
}

func signLegacyToken(t *testing.T, secret string, claims security.LegacyClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign legacy token: %v", err)
	}
	return token
}

func newLegacyServer(t *testing.T, secret string, roles []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("password") != "legacy-pass-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		token := signLegacyToken(t, secret, security.LegacyClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "legacy-501",
				Issuer:    "https://legacy.test",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Email:      r.PostForm.Get("username"),
			GivenName:  "Alan",
			FamilyName: "Turing",
			Roles:      roles,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id_token": token})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthServiceLegacyLogin(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	if _, err := fx.auth.LegacyLogin(ctx, LoginInput{Email: "a@b.test", Password: "x"}); !errors.Is(err, ErrLegacyAuthDisabled) {
		t.Fatalf("expected ErrLegacyAuthDisabled, got %v", err)
	}

	const secret = "legacy-secret-123456"
	srv := newLegacyServer(t, secret, []string{"unknown_role", "testing_center"})
	auth := NewAuthService(AuthServiceConfig{LegacyAuthEnabled: true}, fx.tx, fx.repos.Users, fx.repos.Credentials,
		fx.tokens, fx.roleMap, NewHTTPLegacyAuthClient(srv.URL, "portal", srv.Client()),
		security.NewLegacyTokenVerifier(secret, "https://legacy.test"), fx.emails, nil, fx.audit, observability.DiscardLogger())

	if _, err := auth.LegacyLogin(ctx, LoginInput{Email: "alan@example.com", Password: "nope"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected rejected legacy credentials, got %v", err)
	}

	res, err := auth.LegacyLogin(ctx, LoginInput{Email: "Alan@Example.com", Password: "legacy-pass-1"})
	if err != nil {
		t.Fatalf("legacy login: %v", err)
	}
	if res.User.Role != domain.RoleECP || res.User.LegacyUserID != "legacy-501" || res.User.FirstName != "Alan" {
		t.Fatalf("unexpected linked user %+v", res.User)
	}

	again, err := auth.LegacyLogin(ctx, LoginInput{Email: "alan@example.com", Password: "legacy-pass-1"})
	if err != nil {
		t.Fatalf("second legacy login: %v", err)
	}
	if again.User.ID != res.User.ID {
		t.Fatalf("expected the same portal user, got %d and %d", res.User.ID, again.User.ID)
	}
}
