package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
)

type brokenBookingLookup struct {
	repository.ExamBookingRepository
	brokenID uint
}

func (b brokenBookingLookup) FindByID(ctx context.Context, id uint) (*domain.ExamBooking, error) {
	if id == b.brokenID {
		return nil, errors.New("booking store unavailable")
	}
	return b.ExamBookingRepository.FindByID(ctx, id)
}

func TestReminderServiceSendsExamReminders(t *testing.T) {
	bf := newBookingFixture(t, 2)
	ctx := context.Background()
	booking := bf.book(t)

	res, err := bf.reminders.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Due != 0 {
		t.Fatalf("nothing should be due yet, got %+v", res)
	}

	bf.advance(3*24*time.Hour + time.Minute)
	res, err = bf.reminders.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Due != 1 || res.Sent != 1 {
		t.Fatalf("expected the 7 day reminder, got %+v", res)
	}
	mails := bf.queuedEmails(TemplateExamReminder)
	if len(mails) != 1 || mails[0].ToEmail != bf.candidate.Email {
		t.Fatalf("expected one reminder email, got %+v", mails)
	}

	res, err = bf.reminders.ProcessDue(ctx)
	if err != nil || res.Due != 0 {
		t.Fatalf("processed reminders must not repeat: %+v err=%v", res, err)
	}

	// A booking closed without going through CancelBooking still silences
	// its remaining reminder.
	bf.db.Model(&domain.ExamBooking{}).Where("id = ?", booking.ID).Update("status", domain.BookingStatusCancelled)
	bf.advance(6 * 24 * time.Hour)
	res, err = bf.reminders.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Due != 1 || res.Cancelled != 1 || res.Sent != 0 {
		t.Fatalf("expected the day-before reminder to be cancelled, got %+v", res)
	}
	if got := bf.queuedEmails(TemplateExamReminder); len(got) != 1 {
		t.Fatalf("expected no further reminder email, got %d", len(got))
	}
}

func TestReminderServiceCertificateExpiryAndHousekeeping(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("expiring@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: fx.certification("CP").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	v := fx.createVoucher(fx.certification("CA").ID, 1, nil)

	fx.setClock(cert.ExpiresAt.Add(-60*24*time.Hour + time.Minute))
	res, err := fx.reminders.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("expected the 60 day notice, got %+v", res)
	}
	if res.VouchersExpired != 1 {
		t.Fatalf("expected the year-old voucher to expire, got %+v", res)
	}
	mails := fx.queuedEmails(TemplateCertificateExpiring)
	if len(mails) != 1 || mails[0].ToEmail != u.Email {
		t.Fatalf("expected one expiry notice, got %+v", mails)
	}
	stored, _ := fx.repos.Vouchers.FindByID(ctx, v.ID)
	if stored.Status != domain.VoucherStatusExpired {
		t.Fatalf("expected expired voucher, got %s", stored.Status)
	}

	fx.setClock(cert.ExpiresAt.Add(time.Hour))
	res, err = fx.reminders.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.CertificatesExpired != 1 {
		t.Fatalf("expected the certificate to expire, got %+v", res)
	}
	if res.Cancelled != 1 {
		t.Fatalf("expected the 14 day notice for an expired credential to be cancelled, got %+v", res)
	}
}

func TestReminderServiceFailingReminderDoesNotBlockQueue(t *testing.T) {
	bf := newBookingFixture(t, 2)
	ctx := context.Background()
	bf.book(t)

	const brokenID = 4242
	if err := bf.repos.Reminders.CreateIfAbsent(ctx, &domain.Reminder{
		UserID: bf.candidate.ID, Kind: domain.ReminderKindExamUpcoming,
		ReferenceType: bookingReminderReference, ReferenceID: brokenID, DueAt: bf.clock,
	}); err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	repos := *bf.repos
	repos.Bookings = brokenBookingLookup{ExamBookingRepository: bf.repos.Bookings, brokenID: brokenID}
	svc := NewReminderService(bf.tx, &repos, bf.emails, bf.certs, bf.vouchers, 1, observability.DiscardLogger())
	svc.now = func() time.Time { return bf.clock }

	bf.advance(3*24*time.Hour + time.Minute)
	res, err := svc.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("expected the broken reminder to fail first, got %+v", res)
	}

	res, err = svc.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("expected the 7 day reminder behind the broken one, got %+v", res)
	}
	if got := bf.queuedEmails(TemplateExamReminder); len(got) != 1 {
		t.Fatalf("expected one reminder email, got %d", len(got))
	}

	for i := 2; i <= reminderMaxAttempts; i++ {
		bf.advance(time.Hour)
		if res, err = svc.ProcessDue(ctx); err != nil || res.Failed != 1 {
			t.Fatalf("attempt %d: expected a failed retry, got %+v err=%v", i, res, err)
		}
	}
	var broken domain.Reminder
	if err := bf.db.Where("reference_id = ?", brokenID).First(&broken).Error; err != nil {
		t.Fatalf("load reminder: %v", err)
	}
	if broken.Status != domain.ReminderStatusFailed || broken.Attempts != reminderMaxAttempts || broken.LastError == "" {
		t.Fatalf("expected the reminder to be given up, got %+v", broken)
	}

	bf.advance(time.Hour)
	if res, err = svc.ProcessDue(ctx); err != nil || res.Due != 0 {
		t.Fatalf("a failed reminder must leave the queue: %+v err=%v", res, err)
	}
}
