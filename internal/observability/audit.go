package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const auditEventVersion = 1

const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
	AuditOutcomeDenied  = "denied"
)

// AuditInput is what callers know about an auditable action; request
// metadata is filled in by BuildAuditEvent.
type AuditInput struct {
	EventName   string
	ActorUserID string
	TargetType  string
	TargetID    string
	Action      string
	Outcome     string
	Reason      string
	Metadata    map[string]any
}

type AuditEvent struct {
	EventName    string         `json:"event_name"`
	EventVersion int            `json:"event_version"`
	ActorUserID  string         `json:"actor_user_id"`
	ActorIP      string         `json:"actor_ip"`
	TargetType   string         `json:"target_type"`
	TargetID     string         `json:"target_id"`
	Action       string         `json:"action"`
	Outcome      string         `json:"outcome"`
	Reason       string         `json:"reason"`
	RequestID    string         `json:"request_id"`
	TS           string         `json:"ts"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (e AuditEvent) Validate() error {
	var missing []string
	required := map[string]string{
		"event_name":    e.EventName,
		"actor_user_id": e.ActorUserID,
		"target_type":   e.TargetType,
		"action":        e.Action,
		"outcome":       e.Outcome,
		"ts":            e.TS,
	}
	for field, v := range required {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return errors.New("audit event missing fields: " + strings.Join(missing, ", "))
	}
	switch e.Outcome {
	case AuditOutcomeSuccess, AuditOutcomeFailure, AuditOutcomeDenied:
	default:
		return errors.New("audit event outcome must be success, failure or denied")
	}
	if _, err := time.Parse(time.RFC3339, e.TS); err != nil {
		return errors.New("audit event ts must be RFC3339")
	}
	return nil
}

// BuildAuditEvent stamps request metadata onto in.
func BuildAuditEvent(r *http.Request, in AuditInput) AuditEvent {
	ev := BuildSystemAuditEvent(in)
	if r == nil {
		return ev
	}
	ev.ActorIP = clientIP(r)
	ev.RequestID = chimiddleware.GetReqID(r.Context())
	if ev.RequestID == "" {
		ev.RequestID = r.Header.Get("X-Request-Id")
	}
	return ev
}

// BuildSystemAuditEvent is used by workers and CLI tools that act without a request.
func BuildSystemAuditEvent(in AuditInput) AuditEvent {
	actor := in.ActorUserID
	if actor == "" {
		actor = "system"
	}
	reason := in.Reason
	if reason == "" {
		reason = "none"
	}
	return AuditEvent{
		EventName:    in.EventName,
		EventVersion: auditEventVersion,
		ActorUserID:  actor,
		ActorIP:      "internal",
		TargetType:   in.TargetType,
		TargetID:     in.TargetID,
		Action:       in.Action,
		Outcome:      in.Outcome,
		Reason:       reason,
		TS:           time.Now().UTC().Format(time.RFC3339),
		Metadata:     in.Metadata,
	}
}

// BuildContextAuditEvent is BuildSystemAuditEvent plus whatever request
// metadata the HTTP layer stored on ctx.
func BuildContextAuditEvent(ctx context.Context, in AuditInput) AuditEvent {
	ev := BuildSystemAuditEvent(in)
	meta := RequestMetaFromContext(ctx)
	if meta.IP != "" {
		ev.ActorIP = meta.IP
	}
	ev.RequestID = meta.RequestID
	return ev
}

// EmitAuditLog writes the structured audit line.
func EmitAuditLog(ctx context.Context, logger *slog.Logger, ev AuditEvent) {
	if logger == nil {
		logger = NewLogger()
	}
	level := slog.LevelInfo
	if err := ev.Validate(); err != nil {
		level = slog.LevelWarn
		logger = logger.With("audit_validation_error", err.Error())
	}
	logger.Log(ctx, level, "audit",
		"event_name", ev.EventName,
		"event_version", ev.EventVersion,
		"actor_user_id", ev.ActorUserID,
		"actor_ip", ev.ActorIP,
		"target_type", ev.TargetType,
		"target_id", ev.TargetID,
		"action", ev.Action,
		"outcome", ev.Outcome,
		"reason", ev.Reason,
		"request_id", ev.RequestID,
		"ts", ev.TS,
	)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
