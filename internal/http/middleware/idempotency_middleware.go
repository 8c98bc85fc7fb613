package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bda-association/bda-portal/internal/http/response"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/service"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	idempotencyReplayHdr = "X-Idempotency-Replayed"
	maxIdempotencyKeyLen = 128
)

type rejection struct {
	event   string
	reason  string
	message string
}

// Keys that are known to the store but cannot be served.
var idempotencyRejections = map[service.IdempotencyState]rejection{
	service.IdempotencyStateConflict: {
		event: "conflict", reason: "fingerprint_conflict",
		message: "idempotency key reuse with different payload",
	},
	service.IdempotencyStateInProgress: {
		event: "in_progress", reason: "request_in_progress",
		message: "request with this idempotency key is in progress",
	},
}

// IdempotencyMiddleware deduplicates retried writes such as bookings, voucher
// batches and certificate issuance.
type IdempotencyMiddleware struct {
	store  service.IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotencyMiddleware(store service.IdempotencyStore, ttl time.Duration, logger *slog.Logger) *IdempotencyMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyMiddleware{store: store, ttl: ttl, logger: logger}
}

// Middleware applies to requests carrying an Idempotency-Key; others pass
// through. A 5xx response releases the key so the client may retry.
func (m *IdempotencyMiddleware) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" {
				observability.RecordIdempotencyEvent(ctx, scope, "missing_key")
				next.ServeHTTP(w, r)
				return
			}
			if !validIdempotencyKey(key) {
				observability.RecordIdempotencyEvent(ctx, scope, "invalid_key")
				response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid Idempotency-Key header", nil)
				return
			}
			body, ok := bufferBody(w, r)
			if !ok {
				observability.RecordIdempotencyEvent(ctx, scope, "read_error")
				return
			}
			fingerprint := fingerprintRequest(r, scope, body)

			begin, err := m.store.Begin(ctx, scope, key, fingerprint, m.ttl)
			if err != nil {
				observability.RecordIdempotencyEvent(ctx, scope, "store_error")
				m.audit(r, "idempotency.check", key, observability.AuditOutcomeFailure, "store_error")
				m.logger.ErrorContext(ctx, "idempotency begin failed", "scope", scope, "error", err)
				response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "idempotency check failed", nil)
				return
			}
			if rej, found := idempotencyRejections[begin.State]; found {
				observability.RecordIdempotencyEvent(ctx, scope, rej.event)
				m.audit(r, "idempotency.check", key, observability.AuditOutcomeDenied, rej.reason)
				response.Error(w, r, http.StatusConflict, "CONFLICT", rej.message, nil)
				return
			}
			if begin.State == service.IdempotencyStateReplay {
				observability.RecordIdempotencyEvent(ctx, scope, "replayed")
				m.audit(r, "idempotency.replay", key, observability.AuditOutcomeSuccess, "cached_response")
				replay(w, key, begin.Cached)
				return
			}

			rec := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			m.settle(r, scope, key, fingerprint, rec)
		})
	}
}

// settle stores the handler's response for replay, or releases the key
// after a server error.
func (m *IdempotencyMiddleware) settle(r *http.Request, scope, key, fingerprint string, rec *captureWriter) {
	ctx := r.Context()
	status := rec.status()
	if status >= http.StatusInternalServerError {
		observability.RecordIdempotencyEvent(ctx, scope, "abandoned")
		if err := m.store.Abandon(ctx, scope, key, fingerprint); err != nil {
			m.logger.WarnContext(ctx, "idempotency abandon failed", "scope", scope, "error", err)
		}
		return
	}
	observability.RecordIdempotencyEvent(ctx, scope, "created")
	err := m.store.Complete(ctx, scope, key, fingerprint, service.CachedHTTPResponse{
		StatusCode:  status,
		ContentType: rec.Header().Get("Content-Type"),
		Body:        rec.body.Bytes(),
	}, m.ttl)
	if err != nil {
		observability.RecordIdempotencyEvent(ctx, scope, "store_error")
		m.audit(r, "idempotency.complete", key, observability.AuditOutcomeFailure, "store_error")
		m.logger.ErrorContext(ctx, "idempotency complete failed", "scope", scope, "error", err)
	}
}

func (m *IdempotencyMiddleware) audit(r *http.Request, event, key, outcome, reason string) {
	actor := "anonymous"
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		actor = claims.Subject
	}
	observability.EmitAuditLog(r.Context(), m.logger, observability.BuildAuditEvent(r, observability.AuditInput{
		EventName:   event,
		ActorUserID: actor,
		TargetType:  "idempotency_key",
		TargetID:    shortHash(key),
		Action:      strings.TrimPrefix(event, "idempotency."),
		Outcome:     outcome,
		Reason:      reason,
	}))
}

// validIdempotencyKey accepts up to 128 printable ASCII characters.
func validIdempotencyKey(key string) bool {
	if len(key) > maxIdempotencyKeyLen {
		return false
	}
	for i := range len(key) {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

// bufferBody reads the body so it can be fingerprinted and replaces it for
// the handler. It writes the error response itself on failure.
func bufferBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if IsBodyTooLarge(err) {
			response.Error(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", nil)
		} else {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		}
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true
}

func replay(w http.ResponseWriter, key string, cached *service.CachedHTTPResponse) {
	w.Header().Set(idempotencyHeader, key)
	w.Header().Set(idempotencyReplayHdr, "true")
	if cached == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

// fingerprintRequest binds a key to the caller, route and body so a key
// cannot be replayed by another user or against another resource.
func fingerprintRequest(r *http.Request, scope string, body []byte) string {
	route := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}
	bodySum := sha256.Sum256(body)
	sum := sha256.Sum256([]byte(strings.Join([]string{
		scope, r.Method, route, r.URL.Path, SubjectOrIPKey(r), hex.EncodeToString(bodySum[:]),
	}, "\n")))
	return hex.EncodeToString(sum[:])
}

func shortHash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:6])
}

type captureWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (w *captureWriter) status() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *captureWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}
