package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	err     error
	tokens  *domain.TokenSet
	release chan struct{}
	entered chan struct{}
}

func (f *fakeRefresher) RefreshTokens(ctx context.Context, req domain.RefreshRequest) (*domain.TokenSet, error) {
	f.mu.Lock()
	f.calls++
	err, tokens, release, entered := f.err, f.tokens, f.release, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if tokens != nil {
		return tokens, nil
	}
	return &domain.TokenSet{AccessToken: "at-refreshed-" + req.SessionID}, nil
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errProviderDown = errors.New("provider unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type managerFixture struct {
	manager     *SessionManager
	clock       *fakeClock
	credentials *repository.InMemoryCredentialStore
	bus         *EventBus
	events      <-chan domain.Event
}

func newManagerFixture(t *testing.T, opts Options, extra ...ManagerOption) *managerFixture {
	t.Helper()
	clock := newFakeClock()
	credentials := repository.NewInMemoryCredentialStore().WithClock(clock.Now)
	bus := NewEventBus(discardLogger())
	events, cancel := bus.Subscribe(256)
	t.Cleanup(cancel)

	options := []ManagerOption{
		WithManagerClock(clock.Now),
		WithManagerLogger(discardLogger()),
		WithCredentialAdapter(NewCredentialAdapter(credentials, nil, discardLogger())),
		WithEventPublisher(bus),
	}
	manager, err := NewSessionManager(repository.NewSessionStore(), opts, append(options, extra...)...)
	require.NoError(t, err)
	return &managerFixture{manager: manager, clock: clock, credentials: credentials, bus: bus, events: events}
}

func testAuthResult(userID string) domain.AuthResult {
	return domain.AuthResult{
		IsAuthenticated:    true,
		UserID:             userID,
		Username:           userID + "@corp.example",
		Email:              userID + "@corp.example",
		AccessToken:        "at-" + userID,
		RefreshToken:       "rt-" + userID,
		AuthenticationMode: domain.AuthenticationModeFederated,
		DirectoryType:      domain.DirectoryTypeOIDC,
		Groups:             []string{"engineering"},
		Claims:             map[string]string{"tenant": "acme"},
	}
}

// drainEvents returns whatever is currently buffered on ch.
func drainEvents(ch <-chan domain.Event) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(events []domain.Event, t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
