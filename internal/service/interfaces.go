package service

//go:generate mockgen -source=interfaces.go -destination=mocks_test.go -package=service

import (
	"context"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
)

// Actor is the authenticated caller of a privileged operation.
type Actor struct {
	UserID uint
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == domain.RoleAdmin }

func (a Actor) auditID() string {
	if a.UserID == 0 {
		return "system"
	}
	return uintString(a.UserID)
}

// SystemActor is used by workers and CLI tools.
var SystemActor = Actor{Role: domain.RoleAdmin}

type EmailMessage struct {
	ToEmail  string
	ToName   string
	Subject  string
	TextBody string
	HTMLBody string
}

type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

type ObjectStorage interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type RBACAuthorizer interface {
	HasPermission(permissions []string, required string) bool
}
