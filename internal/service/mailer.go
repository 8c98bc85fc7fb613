package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/retry"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// ErrPermanentDelivery marks a rejection that another attempt cannot fix.
var ErrPermanentDelivery = errors.New("mail provider rejected the message")

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

type SendgridMailer struct {
	key  string
	host string
	from *sgmail.Email
}

func NewSendgridMailer(key, fromName, fromAddress string) *SendgridMailer {
	return &SendgridMailer{key: key, host: sendgridHost, from: sgmail.NewEmail(fromName, fromAddress)}
}

// WithHost points the mailer at another API host.
func (m *SendgridMailer) WithHost(host string) *SendgridMailer {
	m.host = host
	return m
}

func (m *SendgridMailer) Send(ctx context.Context, msg EmailMessage) error {
	p := sgmail.NewPersonalization()
	p.Subject = msg.Subject
	p.AddTos(sgmail.NewEmail(msg.ToName, msg.ToEmail))

	v3 := sgmail.NewV3Mail()
	v3.SetFrom(m.from)
	v3.AddPersonalizations(p)
	v3.AddContent(
		sgmail.NewContent("text/plain", msg.TextBody),
		sgmail.NewContent("text/html", msg.HTMLBody),
	)

	req := sendgrid.GetRequest(m.key, sendgridEndpoint, m.host)
	req.Method = "POST"
	req.Body = sgmail.GetRequestBody(v3)
	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	switch {
	case resp.StatusCode == 429 || resp.StatusCode >= 500:
		return fmt.Errorf("sendgrid status %d: %s", resp.StatusCode, resp.Body)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("%w: sendgrid status %d: %s", ErrPermanentDelivery, resp.StatusCode, resp.Body))
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: observability.Component(logger, "mailer")}
}

func (m *LogMailer) Send(ctx context.Context, msg EmailMessage) error {
	m.logger.InfoContext(ctx, "email",
		"to", msg.ToEmail,
		"subject", msg.Subject,
		"body", msg.TextBody,
	)
	return nil
}
