package service

import (
	"context"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

// TokenRefresher exchanges a session's refresh token with the authentication
// provider that issued it.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, req domain.RefreshRequest) (*domain.TokenSet, error)
}

// RefreshRegistry tracks sessions eligible for background refresh.
type RefreshRegistry interface {
	Register(s domain.Session)
	Unregister(sessionID string) bool
	IsRegistered(sessionID string) bool
}

// SessionRefresher is the manager surface the scheduler drives.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, sessionID string) (domain.Session, error)
	GetSession(sessionID string) (domain.Session, bool)
}

// EventPublisher delivers lifecycle events without blocking the caller.
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.Event) {}
