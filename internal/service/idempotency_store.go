package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyState string

const (
	IdempotencyStateNew        IdempotencyState = "new"
	IdempotencyStateReplay     IdempotencyState = "replay"
	IdempotencyStateConflict   IdempotencyState = "conflict"
	IdempotencyStateInProgress IdempotencyState = "in_progress"
)

type CachedHTTPResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type IdempotencyBeginResult struct {
	State  IdempotencyState
	Cached *CachedHTTPResponse
}

// IdempotencyStore backs the Idempotency-Key header on booking, voucher
// batch and certificate issuance endpoints.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyBeginResult, error)
	Complete(ctx context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error
	Abandon(ctx context.Context, scope, key, fingerprint string) error
}

type DBIdempotencyStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDBIdempotencyStore(db *gorm.DB) *DBIdempotencyStore {
	return &DBIdempotencyStore{db: db, now: systemNow}
}

func (s *DBIdempotencyStore) Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyBeginResult, error) {
	result, err := s.begin(ctx, scope, key, fingerprint, ttl)
	if errors.Is(err, errIdempotencyRace) {
		// The competing insert has committed; the second read sees it.
		return s.begin(ctx, scope, key, fingerprint, ttl)
	}
	return result, err
}

var errIdempotencyRace = errors.New("idempotency record created concurrently")

func (s *DBIdempotencyStore) begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyBeginResult, error) {
	now := s.now()
	var result IdempotencyBeginResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.IdempotencyRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scope = ? AND idempotency_key = ?", scope, key).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			create := domain.IdempotencyRecord{
				Scope:           scope,
				IdempotencyKey:  key,
				FingerprintHash: fingerprint,
				Status:          domain.IdempotencyStatusPending,
				ExpiresAt:       now.Add(ttl),
			}
			if err := tx.Create(&create).Error; err != nil {
				if isDuplicateKey(err) {
					return errIdempotencyRace
				}
				return err
			}
			result.State = IdempotencyStateNew
			return nil
		}
		if err != nil {
			return err
		}

		if !rec.ExpiresAt.After(now) {
			rec.FingerprintHash = fingerprint
			rec.Status = domain.IdempotencyStatusPending
			rec.ResponseStatus = 0
			rec.ResponseBody = nil
			rec.ContentType = ""
			rec.ExpiresAt = now.Add(ttl)
			if err := tx.Save(&rec).Error; err != nil {
				return err
			}
			result.State = IdempotencyStateNew
			return nil
		}
		switch {
		case rec.FingerprintHash != fingerprint:
			result.State = IdempotencyStateConflict
		case rec.Status == domain.IdempotencyStatusCompleted:
			result.State = IdempotencyStateReplay
			result.Cached = &CachedHTTPResponse{
				StatusCode:  rec.ResponseStatus,
				ContentType: rec.ContentType,
				Body:        append([]byte(nil), rec.ResponseBody...),
			}
		default:
			result.State = IdempotencyStateInProgress
		}
		return nil
	})
	if err != nil {
		return IdempotencyBeginResult{}, err
	}
	return result, nil
}

func (s *DBIdempotencyStore) Complete(ctx context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error {
	return s.db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("scope = ? AND idempotency_key = ? AND fingerprint_hash = ?", scope, key, fingerprint).
		Where("status <> ?", domain.IdempotencyStatusCompleted).
		Updates(map[string]any{
			"status":          domain.IdempotencyStatusCompleted,
			"response_status": resp.StatusCode,
			"response_body":   resp.Body,
			"content_type":    resp.ContentType,
			"expires_at":      s.now().Add(ttl),
		}).Error
}

// Abandon drops a pending record after a server error so the client can
// retry with the same key.
func (s *DBIdempotencyStore) Abandon(ctx context.Context, scope, key, fingerprint string) error {
	return s.db.WithContext(ctx).
		Where("scope = ? AND idempotency_key = ? AND fingerprint_hash = ? AND status = ?",
			scope, key, fingerprint, domain.IdempotencyStatusPending).
		Delete(&domain.IdempotencyRecord{}).Error
}

// CleanupExpired deletes up to batchSize expired records and is run by the
// maintenance worker.
func (s *DBIdempotencyStore) CleanupExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	scoped := s.db.WithContext(ctx)
	sub := scoped.Model(&domain.IdempotencyRecord{}).
		Select("id").
		Where("expires_at <= ?", s.now()).
		Order("id ASC").
		Limit(batchSize)
	res := scoped.Where("id IN (?)", sub).Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key")
}
