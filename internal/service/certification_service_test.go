package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/events"
	"github.com/bda-association/bda-portal/internal/repository"
)

func TestFormatCredentialID(t *testing.T) {
	tests := []struct {
		code string
		year int
		seq  int64
		want string
	}{
		{"CA", 2026, 1, "BDA-CA-2026-000001"},
		{"cp", 2027, 4213, "BDA-CP-2027-004213"},
	}
	for _, tc := range tests {
		if got := FormatCredentialID(tc.code, tc.year, tc.seq); got != tc.want {
			t.Fatalf("FormatCredentialID(%q, %d, %d) = %q, want %q", tc.code, tc.year, tc.seq, got, tc.want)
		}
	}
}

func TestCertificationServiceIssueNumbersPerCodeAndYear(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	ca := fx.certification("CA")
	cp := fx.certification("CP")

	var got []string
	for i, tc := range []struct {
		email string
		cert  uint
	}{
		{"one@example.com", ca.ID},
		{"two@example.com", ca.ID},
		{"three@example.com", cp.ID},
	} {
		u := fx.createUser(tc.email, domain.RoleIndividual, nil)
		cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: tc.cert})
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		got = append(got, cert.CredentialID)
	}
	want := []string{"BDA-CA-2026-000001", "BDA-CA-2026-000002", "BDA-CP-2026-000001"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("credential %d = %s, want %s", i, got[i], want[i])
		}
	}

	fx.setClock(time.Date(2027, 1, 5, 8, 0, 0, 0, time.UTC))
	u := fx.createUser("four@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: ca.ID})
	if err != nil {
		t.Fatalf("issue next year: %v", err)
	}
	if cert.CredentialID != "BDA-CA-2027-000001" {
		t.Fatalf("expected numbering to restart per year, got %s", cert.CredentialID)
	}
}

func TestCertificationServiceIssueSideEffects(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("holder@example.com", domain.RoleIndividual, nil)
	ca := fx.certification("CA")

	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: ca.ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if want := fx.clock.AddDate(0, ca.ValidityMonths, 0); !cert.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, cert.ExpiresAt)
	}

	var reminders []domain.Reminder
	fx.db.Where("kind = ? AND reference_id = ?", domain.ReminderKindCertificateExpiring, cert.ID).Order("due_at").Find(&reminders)
	if len(reminders) != 2 {
		t.Fatalf("expected 60 and 14 day reminders, got %d", len(reminders))
	}
	if want := cert.ExpiresAt.Add(-60 * 24 * time.Hour); !reminders[0].DueAt.Equal(want) {
		t.Fatalf("expected first reminder at %s, got %s", want, reminders[0].DueAt)
	}

	mails := fx.queuedEmails(TemplateCertificateIssued)
	if len(mails) != 1 || mails[0].ToEmail != "holder@example.com" {
		t.Fatalf("expected one certificate email to the holder, got %+v", mails)
	}
	if !strings.Contains(mails[0].Payload, cert.CredentialID) {
		t.Fatalf("expected payload to carry the credential id, got %s", mails[0].Payload)
	}
	if keys := fx.publishedKeys(); len(keys) != 1 || keys[0] != events.CertificateIssued {
		t.Fatalf("expected certificate.issued, got %v", keys)
	}

	if _, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: ca.ID}); !errors.Is(err, ErrAlreadyCertified) {
		t.Fatalf("expected ErrAlreadyCertified, got %v", err)
	}
}

func TestCertificationServiceVerify(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("verify@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: fx.certification("CA").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	res, err := fx.certs.Verify(ctx, "  "+strings.ToLower(cert.CredentialID)+" ")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.Status != domain.CertificateStatusActive {
		t.Fatalf("expected valid active credential, got %+v", res)
	}
	if res.HolderName != "Ada Lovelace" || res.CertificationCode != "CA" {
		t.Fatalf("unexpected public view %+v", res)
	}

	if _, err := fx.certs.Verify(ctx, "BDA-CA-2026-999999"); !errors.Is(err, repository.ErrCertificateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	fx.setClock(cert.ExpiresAt.Add(time.Hour))
	res, err = fx.certs.Verify(ctx, cert.CredentialID)
	if err != nil {
		t.Fatalf("verify expired: %v", err)
	}
	if res.Valid || res.Status != domain.CertificateStatusExpired {
		t.Fatalf("expected expired credential, got %+v", res)
	}
}

func TestCertificationServiceRevoke(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("revoked@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: fx.certification("CA").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := fx.certs.Revoke(ctx, SystemActor, cert.CredentialID, "   "); err == nil {
		t.Fatal("expected a reason to be required")
	}
	revoked, err := fx.certs.Revoke(ctx, SystemActor, " "+strings.ToLower(cert.CredentialID), "exam misconduct")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != domain.CertificateStatusRevoked || revoked.RevokedAt == nil {
		t.Fatalf("expected revoked certificate, got %+v", revoked)
	}

	res, err := fx.certs.Verify(ctx, cert.CredentialID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.Status != domain.CertificateStatusRevoked {
		t.Fatalf("expected revoked in public view, got %+v", res)
	}

	var pending int64
	fx.db.Model(&domain.Reminder{}).Where("reference_id = ? AND kind = ? AND status = ?", cert.ID, domain.ReminderKindCertificateExpiring, domain.ReminderStatusPending).Count(&pending)
	if pending != 0 {
		t.Fatalf("expected expiry reminders cancelled, %d pending", pending)
	}
	keys := fx.publishedKeys()
	if keys[len(keys)-1] != events.CertificateRevoked {
		t.Fatalf("expected certificate.revoked last, got %v", keys)
	}

	if _, err := fx.certs.DownloadURL(ctx, actorFor(u), cert.CredentialID); !errors.Is(err, repository.ErrCertificateNotActive) {
		t.Fatalf("expected revoked certificates to be withheld, got %v", err)
	}
}

func TestCertificationServiceDownloadURLRendersOnce(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	holder := fx.createUser("pdf@example.com", domain.RoleIndividual, nil)
	other := fx.createUser("other@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: holder.ID, CertificationID: fx.certification("CP").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := fx.certs.DownloadURL(ctx, actorFor(other), cert.CredentialID); !errors.Is(err, repository.ErrCertificateNotFound) {
		t.Fatalf("expected other users to get not found, got %v", err)
	}

	url, err := fx.certs.DownloadURL(ctx, actorFor(holder), strings.ToLower(cert.CredentialID)+" ")
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	key := certificateObjectKey(cert.CredentialID)
	if !strings.Contains(url, key) {
		t.Fatalf("expected presigned url for %s, got %s", key, url)
	}
	body, err := fx.storage.GetObject(ctx, key)
	if err != nil {
		t.Fatalf("stored pdf: %v", err)
	}
	if !strings.HasPrefix(string(body), "%PDF-") {
		t.Fatal("expected a PDF document")
	}
	stored, _ := fx.repos.Certificates.FindByCredentialID(ctx, cert.CredentialID)
	if stored.PDFObjectKey != key {
		t.Fatalf("expected object key recorded, got %q", stored.PDFObjectKey)
	}
}

func TestCertificationServiceHandleEventRendersPDF(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("event@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: fx.certification("CA").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	body, _ := json.Marshal(events.CertificateEvent{CertificateID: cert.ID, CredentialID: cert.CredentialID, UserID: u.ID})

	if err := fx.certs.HandleEvent(ctx, events.BookingConfirmed, body); err != nil {
		t.Fatalf("unrelated routing keys should be ignored: %v", err)
	}
	if err := fx.certs.HandleEvent(ctx, events.CertificateIssued, body); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if _, err := fx.storage.GetObject(ctx, certificateObjectKey(cert.CredentialID)); err != nil {
		t.Fatalf("expected rendered pdf: %v", err)
	}
	if err := fx.certs.HandleEvent(ctx, events.CertificateIssued, []byte("{")); err == nil {
		t.Fatal("expected malformed payload to fail")
	}
}

func TestCertificationServiceCatalogCacheInvalidation(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	before, err := fx.certs.ListCatalog(ctx, true)
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	if _, err := fx.certs.CreateCertification(ctx, SystemActor, CertificationInput{Code: "cm", Name: "BDA Certified Master", ValidityMonths: 24}); err != nil {
		t.Fatalf("create certification: %v", err)
	}
	after, err := fx.certs.ListCatalog(ctx, true)
	if err != nil {
		t.Fatalf("list catalog: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected catalog cache to be invalidated, before=%d after=%d", len(before), len(after))
	}
	found := false
	for _, c := range after {
		if c.Code == "CM" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected code to be stored upper case")
	}
}

func TestCertificationServiceExpireStale(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()
	u := fx.createUser("stale@example.com", domain.RoleIndividual, nil)
	cert, err := fx.certs.Issue(ctx, SystemActor, IssueCertificateInput{UserID: u.ID, CertificationID: fx.certification("CA").ID})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	fx.setClock(cert.ExpiresAt.Add(time.Minute))

	n, err := fx.certs.ExpireStale(ctx, 100)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one certificate expired, got %d", n)
	}
	stored, _ := fx.repos.Certificates.FindByCredentialID(ctx, cert.CredentialID)
	if stored.Status != domain.CertificateStatusExpired {
		t.Fatalf("expected expired status, got %s", stored.Status)
	}
}
