// Package retry wraps cenkalti/backoff with the policies used for calls to
// external systems (mail provider, payment platform, legacy auth provider).
package retry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bda-association/bda-portal/internal/observability"

	"github.com/cenkalti/backoff/v5"
)

type Policy struct {
	// Name labels retry metrics.
	Name            string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func DefaultPolicy(name string) Policy {
	return Policy{
		Name:            name,
		MaxAttempts:     4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	return b
}

func (p Policy) options(ctx context.Context) []backoff.RetryOption {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	name := p.Name
	if name == "" {
		name = "unnamed"
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(error, time.Duration) {
			observability.RecordOutboundRetry(ctx, name)
		}),
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// are used up or ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, fn(ctx)
	}, p.options(ctx)...)
	return err
}

// StatusError is returned by DoHTTP when the last attempt still got a
// retryable status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("retryable http status %d", e.StatusCode)
}

// DoHTTP sends the request built by newRequest and retries transport
// errors, 429 and 5xx responses. Retry-After (in seconds) overrides the
// backoff delay. Other responses are returned untouched and the caller owns
// the body.
func DoHTTP(ctx context.Context, client *http.Client, p Policy, newRequest func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	lastStatus := 0
	stopped := false
	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		req, err := newRequest(ctx)
		if err != nil {
			stopped = true
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				stopped = true
				return nil, backoff.Permanent(ctxErr)
			}
			lastStatus = 0
			return nil, err
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		lastStatus = resp.StatusCode
		retryAfter := resp.Header.Get("Retry-After")
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		if secs, convErr := strconv.Atoi(retryAfter); convErr == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, &StatusError{StatusCode: lastStatus}
	}, p.options(ctx)...)
	if err != nil {
		if lastStatus != 0 && !stopped && ctx.Err() == nil {
			return nil, &StatusError{StatusCode: lastStatus}
		}
		return nil, err
	}
	return resp, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
