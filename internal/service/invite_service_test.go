package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
)

// linkToken pulls the raw token out of a queued invite or magic link email.
func linkToken(t *testing.T, item domain.EmailQueueItem) string {
	t.Helper()
	var data struct {
		Link string `json:"Link"`
	}
	if err := json.Unmarshal([]byte(item.Payload), &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	u, err := url.Parse(data.Link)
	if err != nil {
		t.Fatalf("parse link %q: %v", data.Link, err)
	}
	if u.Path != "/auth/magic" {
		t.Fatalf("unexpected link path %q", u.Path)
	}
	return u.Query().Get("token")
}

func TestInviteServiceCreateUserAndActivate(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	ecp := fx.createPartner("Exam Centre", domain.PartnerTypeECP)

	var verr *ValidationError
	_, err := fx.invites.CreateUser(ctx, SystemActor, CreateUserInput{
		Email: "proctor@ecp.test", FirstName: "Pat", LastName: "Proctor", Role: domain.RoleECP,
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected partner to be required for partner roles, got %v", err)
	}
	pdp := fx.createPartner("Trainer", domain.PartnerTypePDP)
	_, err = fx.invites.CreateUser(ctx, SystemActor, CreateUserInput{
		Email: "proctor@ecp.test", FirstName: "Pat", LastName: "Proctor", Role: domain.RoleECP, PartnerID: &pdp.ID,
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected partner type mismatch, got %v", err)
	}

	user, err := fx.invites.CreateUser(ctx, SystemActor, CreateUserInput{
		Email: "Proctor@ECP.test", FirstName: "Pat", LastName: "Proctor", Role: domain.RoleECP, PartnerID: &ecp.ID,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if user.Status != domain.UserStatusInvited || user.Email != "proctor@ecp.test" {
		t.Fatalf("unexpected invited user %+v", user)
	}
	invites := fx.queuedEmails(TemplateInvite)
	if len(invites) != 1 {
		t.Fatalf("expected invite email, got %d", len(invites))
	}
	token := linkToken(t, invites[0])

	if _, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: token}); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected activation to require a password, got %v", err)
	}
	res, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: token, Password: "first-password-9"})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.User.Status != domain.UserStatusActive || res.Tokens == nil {
		t.Fatalf("expected active user with tokens, got %+v", res.User)
	}
	if _, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: token, Password: "first-password-9"}); !errors.Is(err, ErrInvalidMagicLink) {
		t.Fatalf("links are single use, got %v", err)
	}
	if _, err := fx.auth.Login(ctx, LoginInput{Email: "proctor@ecp.test", Password: "first-password-9"}); err != nil {
		t.Fatalf("expected the chosen password to work: %v", err)
	}

	if _, err := fx.invites.CreateUser(ctx, SystemActor, CreateUserInput{
		Email: "proctor@ecp.test", FirstName: "Pat", LastName: "Again", Role: domain.RoleIndividual,
	}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestInviteServiceResendInvalidatesOldLink(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	user, err := fx.invites.CreateUser(ctx, SystemActor, CreateUserInput{
		Email: "late@example.com", FirstName: "Lee", LastName: "Late", Role: domain.RoleIndividual,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	first := linkToken(t, fx.queuedEmails(TemplateInvite)[0])

	if _, err := fx.invites.ResendInvite(ctx, SystemActor, user.ID); err != nil {
		t.Fatalf("resend: %v", err)
	}
	mails := fx.queuedEmails(TemplateInvite)
	if len(mails) != 2 {
		t.Fatalf("expected a second invite email, got %d", len(mails))
	}
	second := linkToken(t, mails[1])

	if _, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: first, Password: "another-pass-7"}); !errors.Is(err, ErrInvalidMagicLink) {
		t.Fatalf("expected the old link to be dead, got %v", err)
	}
	if _, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: second, Password: "another-pass-7"}); err != nil {
		t.Fatalf("consume new link: %v", err)
	}
	if _, err := fx.invites.ResendInvite(ctx, SystemActor, user.ID); !errors.Is(err, ErrInviteNotPending) {
		t.Fatalf("expected ErrInviteNotPending for active users, got %v", err)
	}
}

func TestInviteServiceMagicLink(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	user := fx.createUser("magic@example.com", domain.RoleIndividual, nil)

	if err := fx.invites.RequestMagicLink(ctx, MagicLinkRequestInput{Email: "ghost@example.com"}); err != nil {
		t.Fatalf("unknown emails must succeed silently: %v", err)
	}
	if got := fx.queuedEmails(TemplateMagicLink); len(got) != 0 {
		t.Fatalf("no email for unknown addresses, got %d", len(got))
	}

	if err := fx.invites.RequestMagicLink(ctx, MagicLinkRequestInput{Email: user.Email}); err != nil {
		t.Fatalf("request: %v", err)
	}
	mails := fx.queuedEmails(TemplateMagicLink)
	if len(mails) != 1 {
		t.Fatalf("expected one magic link email, got %d", len(mails))
	}
	token := linkToken(t, mails[0])

	fx.advance(31 * time.Minute)
	if _, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: token}); !errors.Is(err, ErrInvalidMagicLink) {
		t.Fatalf("expected expired link to be rejected, got %v", err)
	}

	if err := fx.invites.RequestMagicLink(ctx, MagicLinkRequestInput{Email: user.Email}); err != nil {
		t.Fatalf("request again: %v", err)
	}
	token = linkToken(t, fx.queuedEmails(TemplateMagicLink)[1])
	res, err := fx.invites.ConsumeMagicLink(ctx, ConsumeMagicLinkInput{Token: token})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.User.ID != user.ID || res.Tokens.AccessToken == "" {
		t.Fatalf("unexpected sign-in result %+v", res.User)
	}
}

func TestInviteServiceMagicLinkThrottle(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := observability.WithRequestMeta(context.Background(), observability.RequestMeta{IP: "192.0.2.10"})
	fx.createUser("flood@example.com", domain.RoleIndividual, nil)
	invites := NewInviteService(InviteServiceConfig{PublicBaseURL: "https://portal.test", TokenPepper: testPepper},
		fx.tx, fx.repos, fx.tokens, fx.emails,
		NewMemoryLoginThrottle(ThrottlePolicy{FreeAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour}),
		fx.audit, observability.DiscardLogger())
	invites.now = func() time.Time { return fx.clock }

	for i := 0; i < 3; i++ {
		if err := invites.RequestMagicLink(ctx, MagicLinkRequestInput{Email: "flood@example.com"}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	err := invites.RequestMagicLink(ctx, MagicLinkRequestInput{Email: "flood@example.com"})
	if _, ok := IsThrottled(err); !ok {
		t.Fatalf("expected throttling after repeated requests, got %v", err)
	}
	if got := fx.queuedEmails(TemplateMagicLink); len(got) != 3 {
		t.Fatalf("expected three emails before throttling, got %d", len(got))
	}
}
