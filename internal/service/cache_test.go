package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return m, client
}

func exerciseResponseCache(t *testing.T, cache ResponseCache, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := cache.Get(ctx, "catalog", "active"); err != nil || ok {
		t.Fatalf("expected miss on empty cache, ok=%v err=%v", ok, err)
	}
	if err := cache.Set(ctx, "catalog", "active", []byte(`["CA"]`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := cache.Set(ctx, "admin_dashboard", "summary", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, ok, err := cache.Get(ctx, "catalog", "active")
	if err != nil || !ok || string(raw) != `["CA"]` {
		t.Fatalf("expected hit, got %q ok=%v err=%v", raw, ok, err)
	}

	if err := cache.InvalidateNamespace(ctx, "catalog"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "catalog", "active"); ok {
		t.Fatal("expected namespace to be dropped")
	}
	if _, ok, _ := cache.Get(ctx, "admin_dashboard", "summary"); !ok {
		t.Fatal("other namespaces must survive")
	}

	if err := cache.Set(ctx, "catalog", "all", []byte(`[]`), time.Minute); err != nil {
		t.Fatalf("set after invalidate: %v", err)
	}
	expire(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "catalog", "all"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestMemoryResponseCache(t *testing.T) {
	cache := NewMemoryResponseCache()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	exerciseResponseCache(t, cache, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisResponseCache(t *testing.T) {
	m, client := newMiniredis(t)
	exerciseResponseCache(t, NewRedisResponseCache(client, "test"), m.FastForward)
	if !m.Exists("test:respcache:catalog:version") {
		t.Fatal("expected a namespace version counter")
	}
}

func TestCachedJSONFallsBackToLoader(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResponseCache()
	calls := 0
	load := func() ([]string, error) {
		calls++
		return []string{"CA", "CP"}, nil
	}
	for i := 0; i < 2; i++ {
		got, err := cachedJSON(ctx, cache, "catalog", "all", time.Minute, load)
		if err != nil || len(got) != 2 {
			t.Fatalf("cachedJSON: %v %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one load, got %d", calls)
	}

	boom := errors.New("db down")
	if _, err := cachedJSON(ctx, NoopResponseCache{}, "catalog", "x", time.Minute, func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected loader error, got %v", err)
	}
}

func exerciseLoginThrottle(t *testing.T, throttle LoginThrottle, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	const ip = "203.0.113.1"

	for i := 0; i < 2; i++ {
		wait, err := throttle.Fail(ctx, ThrottleScopeLogin, "ada@example.com", ip)
		if err != nil || wait != 0 {
			t.Fatalf("free attempt %d: wait=%s err=%v", i, wait, err)
		}
	}
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		wait, err := throttle.Fail(ctx, ThrottleScopeLogin, "ada@example.com", ip)
		if err != nil || wait != want {
			t.Fatalf("failure %d: wait=%s want %s err=%v", i+3, wait, want, err)
		}
	}
	wait, err := throttle.Wait(ctx, ThrottleScopeLogin, "ADA@example.com", "198.51.100.2")
	if err != nil || wait <= 0 {
		t.Fatalf("identity should be cooling down from any address, wait=%s err=%v", wait, err)
	}
	wait, err = throttle.Wait(ctx, ThrottleScopeLogin, "other@example.com", ip)
	if err != nil || wait <= 0 {
		t.Fatalf("address should be cooling down for any identity, wait=%s err=%v", wait, err)
	}
	wait, _ = throttle.Wait(ctx, ThrottleScopeMagicLink, "ada@example.com", ip)
	if wait != 0 {
		t.Fatalf("scopes must be independent, got %s", wait)
	}

	advance(5 * time.Second)
	if wait, _ := throttle.Wait(ctx, ThrottleScopeLogin, "ada@example.com", ip); wait != 0 {
		t.Fatalf("cooldown should have passed, got %s", wait)
	}

	if err := throttle.Clear(ctx, ThrottleScopeLogin, "ada@example.com", ip); err != nil {
		t.Fatalf("clear: %v", err)
	}
	wait, err = throttle.Fail(ctx, ThrottleScopeLogin, "ada@example.com", ip)
	if err != nil || wait != 0 {
		t.Fatalf("clear should reset the counters, wait=%s err=%v", wait, err)
	}
}

func testThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{
		FreeAttempts: 2,
		BaseDelay:    time.Second,
		Multiplier:   2,
		MaxDelay:     4 * time.Second,
		ResetWindow:  time.Hour,
	}
}

func TestMemoryLoginThrottle(t *testing.T) {
	throttle := NewMemoryLoginThrottle(testThrottlePolicy())
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	throttle.now = func() time.Time { return now }
	exerciseLoginThrottle(t, throttle, func(d time.Duration) { now = now.Add(d) })
}

func TestMemoryLoginThrottleResetWindow(t *testing.T) {
	throttle := NewMemoryLoginThrottle(ThrottlePolicy{FreeAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Minute, ResetWindow: time.Minute})
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	throttle.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = throttle.Fail(ctx, ThrottleScopeLogin, "a@b.test", "")
	if wait, _ := throttle.Fail(ctx, ThrottleScopeLogin, "a@b.test", ""); wait != time.Second {
		t.Fatalf("expected base delay, got %s", wait)
	}
	now = now.Add(2 * time.Minute)
	if wait, _ := throttle.Fail(ctx, ThrottleScopeLogin, "a@b.test", ""); wait != 0 {
		t.Fatalf("failures older than the window should be forgotten, got %s", wait)
	}
}

func TestRedisLoginThrottle(t *testing.T) {
	m, client := newMiniredis(t)
	exerciseLoginThrottle(t, NewRedisLoginThrottle(client, "test", testThrottlePolicy()), m.FastForward)
}

func TestRedisVerificationCacheBacksVerify(t *testing.T) {
	m, client := newMiniredis(t)
	fx := newServiceFixture(t)
	ctx := context.Background()
	cache := NewRedisVerificationCache(client, "test")
	certs := NewCertificationService(CertificationServiceConfig{PublicBaseURL: "https://portal.test", VerifyCacheTTL: time.Hour},
		fx.tx, fx.repos, fx.emails, fx.storage, cache, nil, fx.publisher, fx.audit, observability.DiscardLogger())
	certs.now = func() time.Time { return fx.clock }

	u := fx.createUser("cached@example.com", domain.RoleIndividual, nil)
	cert, err := certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: fx.certification("CA").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := certs.Verify(ctx, cert.CredentialID); err != nil {
		t.Fatalf("verify: %v", err)
	}
	key := "test:verify:" + cert.CredentialID
	if !m.Exists(key) {
		t.Fatalf("expected %s to be cached", key)
	}

	fx.clock = cert.ExpiresAt.Add(time.Second)
	res, err := certs.Verify(ctx, cert.CredentialID)
	if err != nil {
		t.Fatalf("verify from cache: %v", err)
	}
	if res.Valid || res.Status != domain.CertificateStatusExpired {
		t.Fatalf("cached entries must still expire on time, got %+v", res)
	}

	if _, err := certs.Revoke(ctx, SystemActor, cert.CredentialID, "fraud"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if m.Exists(key) {
		t.Fatal("expected revoke to drop the cached entry")
	}
	res, err = certs.Verify(ctx, cert.CredentialID)
	if err != nil {
		t.Fatalf("verify after revoke: %v", err)
	}
	if res.Status != domain.CertificateStatusRevoked {
		t.Fatalf("expected revoked, got %s", res.Status)
	}

	_ = m.Set("test:verify:BROKEN", "{not json")
	if _, ok, err := cache.Get(ctx, "broken"); ok || err != nil {
		t.Fatalf("corrupt entries should read as a miss, ok=%v err=%v", ok, err)
	}
	if m.Exists("test:verify:BROKEN") {
		t.Fatal("expected corrupt entry to be deleted")
	}
}
