package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

// JWTRefresher is used when sessiond issues its own tokens. Refresh tokens
// are verified locally and rotated on every refresh.
type JWTRefresher struct {
	jwt        *security.JWTManager
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewJWTRefresher(jwt *security.JWTManager, accessTTL, refreshTTL time.Duration) *JWTRefresher {
	return &JWTRefresher{jwt: jwt, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// WithClock must match the clock of the underlying JWTManager.
func (r *JWTRefresher) WithClock(now func() time.Time) *JWTRefresher {
	r.now = now
	return r
}

// Issue mints the initial token pair for a login.
func (r *JWTRefresher) Issue(subject, sessionID string, groups []string) (*domain.TokenSet, error) {
	access, err := r.jwt.SignAccessToken(subject, sessionID, groups, r.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := r.jwt.SignRefreshToken(subject, sessionID, r.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	expiresAt := r.now().Add(r.accessTTL)
	return &domain.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    &expiresAt,
		Groups:       groups,
	}, nil
}

func (r *JWTRefresher) RefreshTokens(ctx context.Context, req domain.RefreshRequest) (*domain.TokenSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	claims, err := r.jwt.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token rejected: %v", domain.ErrInvalidState, err)
	}
	if claims.Subject != req.UserID {
		return nil, fmt.Errorf("%w: refresh token subject %q does not match session user", domain.ErrInvalidState, claims.Subject)
	}
	if claims.SessionID != "" && claims.SessionID != req.SessionID {
		return nil, fmt.Errorf("%w: refresh token bound to another session", domain.ErrInvalidState)
	}

	var groups []string
	if access, err := r.jwt.ParseAccessToken(req.AccessToken); err == nil {
		groups = access.Groups
	}
	return r.Issue(req.UserID, req.SessionID, groups)
}
