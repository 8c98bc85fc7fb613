package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/repository"

	"go.uber.org/mock/gomock"
)

func voucherEmail(to string) EmailRequest {
	return EmailRequest{
		ToEmail:  to,
		ToName:   "Grace Hopper",
		Template: TemplateVoucherAssigned,
		Data: map[string]any{
			"Code":              "BDA-AB12-CD34",
			"CertificationName": "BDA Certified Associate",
			"ValidUntil":        "2027-03-02",
		},
	}
}

func TestEmailRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour},
		{20, time.Hour},
	}
	for _, tc := range tests {
		if got := EmailRetryDelay(tc.attempts); got != tc.want {
			t.Fatalf("EmailRetryDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestEmailServiceEnqueueRejectsBadRequests(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	if _, err := fx.emails.Enqueue(ctx, EmailRequest{ToEmail: "a@b.test", Template: "nope"}); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
	req := voucherEmail("")
	var verr *ValidationError
	if _, err := fx.emails.Enqueue(ctx, req); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for missing recipient, got %v", err)
	}
	req = voucherEmail("grace@example.com")
	delete(req.Data, "Code")
	if _, err := fx.emails.Enqueue(ctx, req); err == nil {
		t.Fatal("expected missing template data to be rejected")
	}
	if got := fx.queuedEmails(TemplateVoucherAssigned); len(got) != 0 {
		t.Fatalf("nothing should be queued, got %d", len(got))
	}
}

func TestEmailServiceProcessDueSends(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	item, err := fx.emails.Enqueue(ctx, voucherEmail(" Grace@Example.com "))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.ToEmail != "grace@example.com" {
		t.Fatalf("expected normalized recipient, got %q", item.ToEmail)
	}

	fx.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg EmailMessage) error {
		if msg.Subject != "Your exam voucher for BDA Certified Associate" {
			t.Errorf("unexpected subject %q", msg.Subject)
		}
		if !strings.Contains(msg.TextBody, "BDA-AB12-CD34") || !strings.Contains(msg.TextBody, "Hello Grace Hopper") {
			t.Errorf("unexpected text body %q", msg.TextBody)
		}
		if !strings.Contains(msg.HTMLBody, "BDA-AB12-CD34") {
			t.Errorf("expected html body to carry the code")
		}
		return nil
	})

	res, err := fx.emails.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Claimed != 1 || res.Sent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	stored, _ := fx.repos.Emails.FindByID(ctx, item.ID)
	if stored.Status != domain.EmailStatusSent || stored.Attempts != 1 || stored.SentAt == nil {
		t.Fatalf("expected sent row, got %+v", stored)
	}

	res, err = fx.emails.ProcessDue(ctx)
	if err != nil || res.Claimed != 0 {
		t.Fatalf("sent emails must not be claimed again: %+v err=%v", res, err)
	}
}

func TestEmailServiceProcessDueBacksOffThenFails(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	item, err := fx.emails.Enqueue(ctx, voucherEmail("grace@example.com"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fx.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("connection reset")).Times(3)

	res, err := fx.emails.ProcessDue(ctx)
	if err != nil || res.Retried != 1 {
		t.Fatalf("expected a retry, got %+v err=%v", res, err)
	}
	stored, _ := fx.repos.Emails.FindByID(ctx, item.ID)
	if stored.Status != domain.EmailStatusPending || stored.Attempts != 1 {
		t.Fatalf("expected pending after first failure, got %+v", stored)
	}
	if want := fx.clock.Add(time.Minute); !stored.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt at %s, got %s", want, stored.NextAttemptAt)
	}

	if res, _ := fx.emails.ProcessDue(ctx); res.Claimed != 0 {
		t.Fatal("email should wait for its backoff")
	}

	fx.advance(time.Minute)
	if res, _ := fx.emails.ProcessDue(ctx); res.Retried != 1 {
		t.Fatalf("expected second retry, got %+v", res)
	}
	fx.advance(2 * time.Minute)
	res, err = fx.emails.ProcessDue(ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("expected permanent failure after max attempts, got %+v err=%v", res, err)
	}
	stored, _ = fx.repos.Emails.FindByID(ctx, item.ID)
	if stored.Status != domain.EmailStatusFailed || stored.Attempts != 3 || stored.LastError == "" {
		t.Fatalf("expected failed row with error, got %+v", stored)
	}

	retried, err := fx.emails.RetryFailed(ctx, SystemActor, item.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != domain.EmailStatusPending || retried.Attempts != 0 {
		t.Fatalf("expected reset row, got %+v", retried)
	}
	if _, err := fx.emails.RetryFailed(ctx, SystemActor, item.ID); !errors.Is(err, repository.ErrEmailNotRetryable) {
		t.Fatalf("expected pending rows to be rejected, got %v", err)
	}
}

func TestEmailServicePermanentRejectionFailsImmediately(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	item, err := fx.emails.Enqueue(ctx, voucherEmail("bounce@example.com"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fx.mailer.EXPECT().Send(gomock.Any(), gomock.Any()).Return(ErrPermanentDelivery)

	res, err := fx.emails.ProcessDue(ctx)
	if err != nil || res.Failed != 1 {
		t.Fatalf("expected failure, got %+v err=%v", res, err)
	}
	stored, _ := fx.repos.Emails.FindByID(ctx, item.ID)
	if stored.Status != domain.EmailStatusFailed || stored.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %+v", stored)
	}
}
