package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/repository"
)

func uintString(v uint) string { return strconv.FormatUint(uint64(v), 10) }

func systemNow() time.Time { return time.Now().UTC() }

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

func uintPtr(v uint) *uint { return &v }

func formatDate(t time.Time) string { return t.UTC().Format("2 Jan 2006") }

func formatDateTime(t time.Time) string { return t.UTC().Format("2 Jan 2006 15:04 MST") }

func decodeEvent[T any](body []byte) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode event: %w", err)
	}
	return out, nil
}

// partnerOf returns the partner the actor belongs to. Admins may act
// without one; partner users without a partner link are rejected.
func partnerOf(ctx context.Context, users repository.UserRepository, actor Actor) (*uint, error) {
	if actor.IsAdmin() {
		return nil, nil
	}
	u, err := users.FindByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if u.PartnerID == nil {
		return nil, ErrPartnerRequired
	}
	return u.PartnerID, nil
}
