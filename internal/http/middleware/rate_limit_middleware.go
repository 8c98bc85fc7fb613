package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/observability"
)

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// FailureMode decides what happens when the shared limiter backend errors.
type FailureMode string

const (
	// FailLocal counts the request against a per-process window instead.
	FailLocal FailureMode = "fail_local"
	// FailClosed rejects the request.
	FailClosed FailureMode = "fail_closed"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

type RateLimiter struct {
	limiter  Limiter
	fallback Limiter
	limit    int
	window   time.Duration
	mode     FailureMode
	scope    string
	keyFunc  KeyFunc
}

// NewRateLimiter counts in process memory only.
func NewRateLimiter(limit int, window time.Duration, scope string) *RateLimiter {
	return NewDistributedRateLimiter(NewLocalFixedWindowLimiter(), limit, window, FailClosed, scope)
}

func NewDistributedRateLimiter(limiter Limiter, limit int, window time.Duration, mode FailureMode, scope string) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	rl := &RateLimiter{
		limiter: limiter,
		limit:   limit,
		window:  window,
		mode:    mode,
		scope:   scope,
		keyFunc: ClientIPKey,
	}
	if mode == FailLocal {
		rl.fallback = NewLocalFixedWindowLimiter()
	}
	return rl
}

// WithKeyFunc replaces the default per-IP bucketing.
func (rl *RateLimiter) WithKeyFunc(fn KeyFunc) *RateLimiter {
	if fn != nil {
		rl.keyFunc = fn
	}
	return rl
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, time.Duration, string) {
	allowed, retryAfter, err := rl.limiter.Allow(ctx, key, rl.limit, rl.window)
	if err == nil {
		return allowed, retryAfter, "shared"
	}
	slog.WarnContext(ctx, "rate limiter backend unavailable",
		"scope", rl.scope,
		"mode", string(rl.mode),
		"error", err.Error(),
	)
	if rl.fallback == nil {
		return false, rl.window, "backend_error"
	}
	allowed, retryAfter, err = rl.fallback.Allow(ctx, key, rl.limit, rl.window)
	if err != nil {
		return false, rl.window, "backend_error"
	}
	return allowed, retryAfter, "local"
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	limit := strconv.Itoa(rl.limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, source := rl.allow(r.Context(), rl.scope+":"+rl.keyFunc(r))
			w.Header().Set("X-RateLimit-Limit", limit)
			if !allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "denied_"+source, string(rl.mode))
				w.Header().Set("Retry-After", retryAfterHeader(retryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allowed_"+source, string(rl.mode))
			next.ServeHTTP(w, r)
		})
	}
}

type windowCount struct {
	count int
	start time.Time
}

type localFixedWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowCount
	sweepAt time.Time
	now     func() time.Time
}

func NewLocalFixedWindowLimiter() Limiter {
	return &localFixedWindowLimiter{
		windows: make(map[string]*windowCount),
		sweepAt: time.Now().Add(time.Minute),
		now:     time.Now,
	}
}

func (l *localFixedWindowLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, w := range l.windows {
			if now.Sub(w.start) > 2*window {
				delete(l.windows, k)
			}
		}
		l.sweepAt = now.Add(window)
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= window {
		l.windows[key] = &windowCount{count: 1, start: now}
		return true, 0, nil
	}
	if w.count >= limit {
		return false, max(window-now.Sub(w.start), 0), nil
	}
	w.count++
	return true, 0, nil
}

func ClientIPKey(r *http.Request) string {
	return "ip:" + remoteIP(r)
}

// SubjectOrIPKey buckets authenticated callers by user and everyone else by
// address. It must run after AuthMiddleware to see the subject.
func SubjectOrIPKey(r *http.Request) string {
	if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return ClientIPKey(r)
}

func retryAfterHeader(d time.Duration) string {
	return strconv.Itoa(max(int(d.Round(time.Second).Seconds()), 1))
}
