package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

type ThrottleScope string

const (
	ThrottleScopeLogin     ThrottleScope = "login"
	ThrottleScopeMagicLink ThrottleScope = "magic_link"
)

// ThrottledError is returned while an identity or client IP is cooling down
// after repeated failures.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

func IsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	ok := errors.As(err, &te)
	return te, ok
}

type ThrottlePolicy struct {
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	ResetWindow  time.Duration
}

func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{
		FreeAttempts: 5,
		BaseDelay:    2 * time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Minute,
		ResetWindow:  30 * time.Minute,
	}
}

func (p ThrottlePolicy) normalized() ThrottlePolicy {
	d := DefaultThrottlePolicy()
	if p.FreeAttempts < 0 {
		p.FreeAttempts = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = d.MaxDelay
	}
	if p.ResetWindow <= 0 {
		p.ResetWindow = d.ResetWindow
	}
	return p
}

// delay is the cooldown after the n-th failure inside the reset window.
func (p ThrottlePolicy) delay(failures int) time.Duration {
	if failures <= p.FreeAttempts {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(failures-p.FreeAttempts-1)))
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// LoginThrottle slows down credential guessing per identity and per client
// IP. Wait reports the remaining cooldown, Fail records a failure and Clear
// forgets both counters after a success.
type LoginThrottle interface {
	Wait(ctx context.Context, scope ThrottleScope, identity, ip string) (time.Duration, error)
	Fail(ctx context.Context, scope ThrottleScope, identity, ip string) (time.Duration, error)
	Clear(ctx context.Context, scope ThrottleScope, identity, ip string) error
}

type NoopLoginThrottle struct{}

func (NoopLoginThrottle) Wait(context.Context, ThrottleScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (NoopLoginThrottle) Fail(context.Context, ThrottleScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (NoopLoginThrottle) Clear(context.Context, ThrottleScope, string, string) error { return nil }

func throttleSubjects(scope ThrottleScope, identity, ip string) [2]string {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		identity = "anonymous"
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	return [2]string{
		string(scope) + ":id:" + digest(identity),
		string(scope) + ":ip:" + digest(ip),
	}
}

func digest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:12])
}

type throttleState struct {
	failures int
	lastFail time.Time
	until    time.Time
}

type MemoryLoginThrottle struct {
	mu     sync.Mutex
	policy ThrottlePolicy
	state  map[string]throttleState
	now    func() time.Time
}

func NewMemoryLoginThrottle(policy ThrottlePolicy) *MemoryLoginThrottle {
	return &MemoryLoginThrottle{
		policy: policy.normalized(),
		state:  make(map[string]throttleState),
		now:    systemNow,
	}
}

func (t *MemoryLoginThrottle) Wait(_ context.Context, scope ThrottleScope, identity, ip string) (time.Duration, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var wait time.Duration
	for _, key := range throttleSubjects(scope, identity, ip) {
		st, ok := t.state[key]
		if !ok {
			continue
		}
		if now.Sub(st.lastFail) > t.policy.ResetWindow {
			delete(t.state, key)
			continue
		}
		if left := st.until.Sub(now); left > wait {
			wait = left
		}
	}
	return wait, nil
}

func (t *MemoryLoginThrottle) Fail(_ context.Context, scope ThrottleScope, identity, ip string) (time.Duration, error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var wait time.Duration
	for _, key := range throttleSubjects(scope, identity, ip) {
		st := t.state[key]
		if now.Sub(st.lastFail) > t.policy.ResetWindow {
			st.failures = 0
		}
		st.failures++
		st.lastFail = now
		d := t.policy.delay(st.failures)
		st.until = now.Add(d)
		t.state[key] = st
		if d > wait {
			wait = d
		}
	}
	return wait, nil
}

func (t *MemoryLoginThrottle) Clear(_ context.Context, scope ThrottleScope, identity, ip string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range throttleSubjects(scope, identity, ip) {
		delete(t.state, key)
	}
	return nil
}
