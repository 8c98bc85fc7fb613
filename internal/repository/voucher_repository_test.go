package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
)

func newVoucherForTest(t *testing.T, repo VoucherRepository, code string, certID uint, qty int, now time.Time) *domain.Voucher {
	t.Helper()
	v := &domain.Voucher{
		Code:            code,
		CertificationID: certID,
		Quantity:        qty,
		ValidFrom:       now.Add(-time.Hour),
		ValidUntil:      now.Add(30 * 24 * time.Hour),
		Status:          domain.VoucherStatusActive,
	}
	if err := repo.Create(context.Background(), v); err != nil {
		t.Fatalf("create voucher: %v", err)
	}
	return v
}

func TestVoucherConsumeAssignsAndExhausts(t *testing.T) {
	db := newRepositoryDBForTest(t)
	repo := NewVoucherRepository(db)
	ctx := context.Background()
	cert := mustCreateCertification(t, db, "CP")
	alice := mustCreateUser(t, db, "alice@example.com", domain.RoleIndividual)
	bob := mustCreateUser(t, db, "bob@example.com", domain.RoleIndividual)
	now := time.Now().UTC()
	v := newVoucherForTest(t, repo, "BDA-AAAA-BBBB", cert.ID, 2, now)

	if err := repo.Consume(ctx, v.ID, alice.ID, now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := repo.Consume(ctx, v.ID, bob.ID, now); !errors.Is(err, ErrVoucherUnavailable) {
		t.Fatalf("voucher assigned to alice must reject bob, got %v", err)
	}
	if err := repo.Consume(ctx, v.ID, alice.ID, now); err != nil {
		t.Fatalf("second consume: %v", err)
	}
	loaded, err := repo.FindByCode(ctx, "bda-aaaa-bbbb")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if loaded.Status != domain.VoucherStatusExhausted || loaded.UsedCount != 2 || loaded.AssignedUserID == nil || *loaded.AssignedUserID != alice.ID {
		t.Fatalf("unexpected voucher state: %+v", loaded)
	}
	if err := repo.Consume(ctx, v.ID, alice.ID, now); !errors.Is(err, ErrVoucherUnavailable) {
		t.Fatalf("exhausted voucher must be unavailable, got %v", err)
	}

	if err := repo.Release(ctx, v.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	loaded, _ = repo.FindByID(ctx, v.ID)
	if loaded.Status != domain.VoucherStatusActive || loaded.UsedCount != 1 {
		t.Fatalf("release should reactivate: %+v", loaded)
	}
}

func TestVoucherExpiryAndDuplicateCode(t *testing.T) {
	db := newRepositoryDBForTest(t)
	repo := NewVoucherRepository(db)
	ctx := context.Background()
	cert := mustCreateCertification(t, db, "CA")
	user := mustCreateUser(t, db, "x@example.com", domain.RoleIndividual)
	now := time.Now().UTC()
	v := newVoucherForTest(t, repo, "BDA-CCCC-DDDD", cert.ID, 1, now)

	dup := &domain.Voucher{Code: "BDA-CCCC-DDDD", CertificationID: cert.ID, Quantity: 1, ValidFrom: now, ValidUntil: now.Add(time.Hour)}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrVoucherCodeTaken) {
		t.Fatalf("expected ErrVoucherCodeTaken, got %v", err)
	}

	later := now.Add(31 * 24 * time.Hour)
	if err := repo.Consume(ctx, v.ID, user.ID, later); !errors.Is(err, ErrVoucherUnavailable) {
		t.Fatalf("voucher outside validity must be unavailable, got %v", err)
	}
	n, err := repo.ExpireDue(ctx, later)
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	if err := repo.Revoke(ctx, v.ID); !errors.Is(err, ErrVoucherUnavailable) {
		t.Fatalf("expired voucher cannot be revoked, got %v", err)
	}
}
