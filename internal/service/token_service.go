package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bda-association/bda-portal/internal/domain"
	"github.com/bda-association/bda-portal/internal/observability"
	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/security"

	"github.com/google/uuid"
)

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type TokenService struct {
	jwtMgr      *security.JWTManager
	sessionRepo repository.SessionRepository
	resolver    PermissionResolver
	pepper      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	now         func() time.Time
}

func NewTokenService(jwtMgr *security.JWTManager, sessionRepo repository.SessionRepository, resolver PermissionResolver, pepper string, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		jwtMgr:      jwtMgr,
		sessionRepo: sessionRepo,
		resolver:    resolver,
		pepper:      pepper,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		now:         systemNow,
	}
}

// Issue opens a new session for user and returns its token pair.
func (s *TokenService) Issue(ctx context.Context, user *domain.User) (*TokenPair, error) {
	perms, err := s.resolver.ResolvePermissions(ctx, user.Role)
	if err != nil {
		return nil, err
	}
	now := s.now()
	access, err := s.jwtMgr.SignAccessToken(user.ID, user.Role, perms, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	tokenID := uuid.NewString()
	refresh, err := s.jwtMgr.SignRefreshToken(user.ID, tokenID, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	meta := observability.RequestMetaFromContext(ctx)
	session := &domain.Session{
		UserID:           user.ID,
		TokenID:          tokenID,
		RefreshTokenHash: security.HashToken(refresh, s.pepper),
		UserAgent:        truncateString(meta.UserAgent, 512),
		IP:               meta.IP,
		ExpiresAt:        now.Add(s.refreshTTL),
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// Consume validates a refresh token and revokes its session. A token whose
// session was already revoked is treated as stolen: every session of the
// user is revoked and ErrRefreshTokenReused is returned.
func (s *TokenService) Consume(ctx context.Context, refreshToken, reason string) (*domain.Session, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	session, err := s.sessionRepo.FindByTokenID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if session.UserID != userID || session.RefreshTokenHash != security.HashToken(refreshToken, s.pepper) {
		return nil, ErrInvalidRefreshToken
	}
	now := s.now()
	if session.RevokedAt != nil {
		return nil, s.handleReuse(ctx, userID, now)
	}
	if !now.Before(session.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}
	if err := s.sessionRepo.Revoke(ctx, session.ID, reason, now); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, s.handleReuse(ctx, userID, now)
		}
		return nil, err
	}
	return session, nil
}

func (s *TokenService) handleReuse(ctx context.Context, userID uint, now time.Time) error {
	if _, err := s.sessionRepo.RevokeAllForUser(ctx, userID, "reuse_detected", now); err != nil {
		return fmt.Errorf("revoke sessions after reuse: %w", err)
	}
	return ErrRefreshTokenReused
}

func (s *TokenService) RevokeAll(ctx context.Context, userID uint, reason string) (int64, error) {
	return s.sessionRepo.RevokeAllForUser(ctx, userID, reason, s.now())
}

func truncateString(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}

// Revoke ends the session of refreshToken without reuse detection.
func (s *TokenService) Revoke(ctx context.Context, refreshToken, reason string) (uint, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(refreshToken)
	if err != nil {
		return 0, ErrInvalidRefreshToken
	}
	session, err := s.sessionRepo.FindByTokenID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return 0, ErrInvalidRefreshToken
		}
		return 0, err
	}
	if session.RefreshTokenHash != security.HashToken(refreshToken, s.pepper) {
		return 0, ErrInvalidRefreshToken
	}
	if err := s.sessionRepo.Revoke(ctx, session.ID, reason, s.now()); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return 0, ErrInvalidRefreshToken
		}
		return 0, err
	}
	return session.UserID, nil
}
