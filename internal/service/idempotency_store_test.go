package service

import (
	"context"
	"testing"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
)

func TestDBIdempotencyStoreLifecycle(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewDBIdempotencyStore(db)
	store.now = func() time.Time { return now }

	begin := func(fp string) IdempotencyBeginResult {
		t.Helper()
		res, err := store.Begin(ctx, "bookings:7", "key-1", fp, time.Hour)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		return res
	}

	if got := begin("fp-a").State; got != IdempotencyStateNew {
		t.Fatalf("expected new, got %s", got)
	}
	if got := begin("fp-a").State; got != IdempotencyStateInProgress {
		t.Fatalf("expected in_progress, got %s", got)
	}
	if got := begin("fp-b").State; got != IdempotencyStateConflict {
		t.Fatalf("expected conflict, got %s", got)
	}

	resp := CachedHTTPResponse{StatusCode: 201, ContentType: "application/json", Body: []byte(`{"id":1}`)}
	if err := store.Complete(ctx, "bookings:7", "key-1", "fp-a", resp, time.Hour); err != nil {
		t.Fatalf("complete: %v", err)
	}
	replay := begin("fp-a")
	if replay.State != IdempotencyStateReplay || replay.Cached == nil || replay.Cached.StatusCode != 201 || string(replay.Cached.Body) != `{"id":1}` {
		t.Fatalf("unexpected replay %+v", replay)
	}

	// Another scope never sees the key.
	other, err := store.Begin(ctx, "bookings:8", "key-1", "fp-a", time.Hour)
	if err != nil || other.State != IdempotencyStateNew {
		t.Fatalf("expected new in another scope, got %+v err=%v", other, err)
	}

	now = now.Add(2 * time.Hour)
	if got := begin("fp-b").State; got != IdempotencyStateNew {
		t.Fatalf("expired record must be reusable, got %s", got)
	}
}

func TestDBIdempotencyStoreAbandon(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	store := NewDBIdempotencyStore(db)

	if _, err := store.Begin(ctx, "vouchers", "k", "fp", time.Hour); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Abandon(ctx, "vouchers", "k", "other-fp"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	res, _ := store.Begin(ctx, "vouchers", "k", "fp", time.Hour)
	if res.State != IdempotencyStateInProgress {
		t.Fatalf("abandon with another fingerprint must not drop the record, got %s", res.State)
	}
	if err := store.Abandon(ctx, "vouchers", "k", "fp"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	res, _ = store.Begin(ctx, "vouchers", "k", "fp", time.Hour)
	if res.State != IdempotencyStateNew {
		t.Fatalf("expected new after abandon, got %s", res.State)
	}
}

func TestDBIdempotencyStoreCleanupExpired(t *testing.T) {
	db := newServiceDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewDBIdempotencyStore(db)
	store.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Begin(ctx, "s", key, "fp", time.Minute); err != nil {
			t.Fatalf("begin: %v", err)
		}
	}
	if _, err := store.Begin(ctx, "s", "fresh", "fp", 24*time.Hour); err != nil {
		t.Fatalf("begin: %v", err)
	}
	now = now.Add(time.Hour)

	n, err := store.CleanupExpired(ctx, 2)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted in the first batch, got %d err=%v", n, err)
	}
	n, err = store.CleanupExpired(ctx, 2)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted in the second batch, got %d err=%v", n, err)
	}
	var left int64
	db.Model(&domain.IdempotencyRecord{}).Count(&left)
	if left != 1 {
		t.Fatalf("expected the fresh record to survive, got %d", left)
	}
}
