package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
)

type schedulerFixture struct {
	*managerFixture
	scheduler *RefreshScheduler
	refresher *fakeRefresher
}

func newSchedulerFixture(t *testing.T, opts Options, refresher *fakeRefresher) *schedulerFixture {
	t.Helper()
	f := newManagerFixture(t, opts, WithTokenRefresher(refresher))
	scheduler := NewRefreshScheduler(f.manager, opts,
		WithSchedulerClock(f.clock.Now),
		WithSchedulerLogger(discardLogger()),
		WithSchedulerEvents(f.bus),
	)
	f.manager.AttachRefreshRegistry(scheduler)
	return &schedulerFixture{managerFixture: f, scheduler: scheduler, refresher: refresher}
}

func shortLivedOptions() Options {
	opts := DefaultOptions()
	opts.DefaultSessionDuration = 100 * time.Second
	opts.SlidingExpiration = 0
	opts.RefreshThreshold = 0.8
	opts.MaxRefreshRetries = 3
	opts.BaseRetryDelay = 5 * time.Second
	return opts
}

func TestNeedsRefreshUsesLifetimeFraction(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := domain.Session{
		ID:           "s1",
		UserID:       "alice",
		RefreshToken: "rt",
		CreatedAt:    created,
		ExpiresAt:    created.Add(100 * time.Second),
		State:        domain.SessionStateActive,
	}

	require.False(t, NeedsRefresh(s, 0.8, created.Add(79*time.Second)))
	require.True(t, NeedsRefresh(s, 0.8, created.Add(81*time.Second)))

	noToken := s
	noToken.RefreshToken = ""
	require.False(t, NeedsRefresh(noToken, 0.8, created.Add(81*time.Second)))

	refreshing := s
	refreshing.State = domain.SessionStateRefreshing
	require.False(t, NeedsRefresh(refreshing, 0.8, created.Add(81*time.Second)))

	require.False(t, NeedsRefresh(s, 0.8, created.Add(100*time.Second)), "expired sessions are not refreshed")
}

func TestCheckNowRefreshesSessionsPastThreshold(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, shortLivedOptions(), &fakeRefresher{})

	s, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	require.True(t, f.scheduler.IsRegistered(s.ID))
	drainEvents(f.events)

	f.clock.Advance(79 * time.Second)
	require.Zero(t, f.scheduler.CheckNow(ctx))
	require.Zero(t, f.refresher.Calls())

	f.clock.Advance(2 * time.Second)
	require.Equal(t, 1, f.scheduler.CheckNow(ctx))
	require.Equal(t, 1, f.refresher.Calls())

	got, _ := f.manager.GetSession(s.ID)
	require.Equal(t, f.clock.Now().Add(100*time.Second), got.ExpiresAt)

	events := drainEvents(f.events)
	needed := eventsOfType(events, domain.EventRefreshNeeded)
	require.Len(t, needed, 1)
	require.InDelta(t, 0.81, needed[0].ElapsedFraction, 0.0001)
	require.Equal(t, 19*time.Second, needed[0].TimeToExpiry)
	require.Len(t, eventsOfType(events, domain.EventSessionRefreshed), 1)

	info, ok := f.scheduler.Registration(s.ID)
	require.True(t, ok)
	require.Zero(t, info.RetryCount)
	require.Equal(t, f.clock.Now(), info.LastRefreshAttempt)
}

func TestRefreshFailuresBackOffThenUnregister(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, shortLivedOptions(), &fakeRefresher{err: errProviderDown})

	s, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	drainEvents(f.events)

	f.clock.Advance(81 * time.Second)
	require.Equal(t, 1, f.scheduler.CheckNow(ctx))
	info, ok := f.scheduler.Registration(s.ID)
	require.True(t, ok)
	require.Equal(t, 1, info.RetryCount)
	require.Equal(t, f.clock.Now().Add(5*time.Second), info.NextRetryAt)

	require.Zero(t, f.scheduler.CheckNow(ctx), "queued retries are not picked up by the periodic check")
	require.Zero(t, f.scheduler.RunDueRetries(ctx), "retry not due yet")

	f.clock.Advance(5 * time.Second)
	require.Equal(t, 1, f.scheduler.RunDueRetries(ctx))
	info, _ = f.scheduler.Registration(s.ID)
	require.Equal(t, 2, info.RetryCount)
	require.Equal(t, f.clock.Now().Add(10*time.Second), info.NextRetryAt)

	f.clock.Advance(10 * time.Second)
	require.Equal(t, 1, f.scheduler.RunDueRetries(ctx))
	require.False(t, f.scheduler.IsRegistered(s.ID))
	require.Equal(t, 3, f.refresher.Calls())

	got, ok := f.manager.GetSession(s.ID)
	require.True(t, ok)
	require.Equal(t, domain.SessionStateActive, got.State)

	failed := eventsOfType(drainEvents(f.events), domain.EventRefreshFailed)
	require.Len(t, failed, 3)
	require.True(t, failed[0].WillRetry)
	require.Equal(t, 5*time.Second, failed[0].NextRetryIn)
	require.True(t, failed[1].WillRetry)
	require.Equal(t, 10*time.Second, failed[1].NextRetryIn)
	require.False(t, failed[2].WillRetry)
	require.Equal(t, 3, failed[2].Attempt)
}

func TestRejectedRefreshGrantPublishesTerminalFailure(t *testing.T) {
	ctx := context.Background()
	rejected := fmt.Errorf("%w: invalid_grant", domain.ErrInvalidState)
	f := newSchedulerFixture(t, shortLivedOptions(), &fakeRefresher{err: rejected})

	s, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	drainEvents(f.events)

	f.clock.Advance(81 * time.Second)
	require.Equal(t, 1, f.scheduler.CheckNow(ctx))
	require.False(t, f.scheduler.IsRegistered(s.ID))
	require.Equal(t, 1, f.refresher.Calls())
	_, queued := f.scheduler.Stats()
	require.Zero(t, queued)

	got, ok := f.manager.GetSession(s.ID)
	require.True(t, ok)
	require.Equal(t, domain.SessionStateActive, got.State)

	failed := eventsOfType(drainEvents(f.events), domain.EventRefreshFailed)
	require.Len(t, failed, 1)
	require.Equal(t, s.ID, failed[0].SessionID)
	require.Equal(t, "alice", failed[0].UserID)
	require.Equal(t, 1, failed[0].Attempt)
	require.False(t, failed[0].WillRetry)
	require.Zero(t, failed[0].NextRetryIn)
	require.Contains(t, failed[0].Error, "invalid_grant")

	f.clock.Advance(time.Minute)
	require.Zero(t, f.scheduler.RunDueRetries(ctx))
	require.Equal(t, 1, f.refresher.Calls())
}

func TestRegisterResetsRetryCountAndSupersedesQueuedRetry(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{err: errProviderDown}
	f := newSchedulerFixture(t, shortLivedOptions(), refresher)

	s, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	f.clock.Advance(81 * time.Second)
	f.scheduler.CheckNow(ctx)
	info, _ := f.scheduler.Registration(s.ID)
	require.Equal(t, 1, info.RetryCount)

	f.scheduler.Register(s)
	info, _ = f.scheduler.Registration(s.ID)
	require.Zero(t, info.RetryCount)
	require.True(t, info.NextRetryAt.IsZero())

	f.clock.Advance(time.Minute)
	require.Zero(t, f.scheduler.RunDueRetries(ctx), "superseded retry must not fire")
	registered, queued := f.scheduler.Stats()
	require.Equal(t, 1, registered)
	require.Zero(t, queued)
}

func TestRefreshNowAndRefreshAllPending(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, shortLivedOptions(), &fakeRefresher{})

	_, err := f.scheduler.RefreshNow(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotRegistered)

	a, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)
	b, err := f.manager.CreateSession(ctx, testAuthResult("bob"), domain.SessionBinding{})
	require.NoError(t, err)

	refreshed, err := f.scheduler.RefreshNow(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(100*time.Second), refreshed.ExpiresAt)

	f.clock.Advance(81 * time.Second)
	require.Equal(t, 2, f.scheduler.RefreshAllPending(ctx))
	require.Equal(t, 3, f.refresher.Calls())

	got, _ := f.manager.GetSession(b.ID)
	require.Equal(t, f.clock.Now().Add(100*time.Second), got.ExpiresAt)
	require.Zero(t, f.scheduler.RefreshAllPending(ctx), "nothing due right after a refresh")
}

func TestSchedulerDropsRevokedAndTerminalSessions(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, shortLivedOptions(), &fakeRefresher{})

	s, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	require.NoError(t, f.manager.RevokeSession(ctx, s.ID))
	require.False(t, f.scheduler.IsRegistered(s.ID))

	ghost := domain.Session{ID: "ghost", UserID: "nobody", RefreshToken: "rt"}
	f.scheduler.Register(ghost)
	f.clock.Advance(81 * time.Second)
	require.Zero(t, f.scheduler.CheckNow(ctx))
	require.False(t, f.scheduler.IsRegistered("ghost"))
	require.Empty(t, eventsOfType(drainEvents(f.events), domain.EventRefreshFailed), "unknown sessions drop silently")

	noToken := testAuthResult("bob")
	noToken.RefreshToken = ""
	bob, err := f.manager.CreateSession(ctx, noToken, domain.SessionBinding{})
	require.NoError(t, err)
	require.False(t, f.scheduler.IsRegistered(bob.ID), "sessions without refresh tokens are not registered")
}

func TestSchedulerStatsFeedManagerStats(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, shortLivedOptions(), &fakeRefresher{err: errProviderDown})

	_, err := f.manager.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	_, err = f.manager.CreateSession(ctx, testAuthResult("bob"), domain.SessionBinding{})
	require.NoError(t, err)
	f.clock.Advance(81 * time.Second)
	f.scheduler.CheckNow(ctx)

	stats := f.manager.Stats()
	require.Equal(t, 2, stats.ActiveSessions)
	require.Equal(t, 2, stats.Users)
	require.Equal(t, 2, stats.RefreshRegistered)
	require.Equal(t, 2, stats.RefreshRetryQueued)
}

type countingRefresher struct {
	calls atomic.Int32
}

func (c *countingRefresher) RefreshTokens(context.Context, domain.RefreshRequest) (*domain.TokenSet, error) {
	c.calls.Add(1)
	return &domain.TokenSet{}, nil
}

func TestSchedulerLoopRunsUntilStopped(t *testing.T) {
	opts := DefaultOptions()
	opts.DefaultSessionDuration = 200 * time.Millisecond
	opts.MaxSessionDuration = time.Hour
	opts.SlidingExpiration = 0
	opts.RefreshThreshold = 0.1
	opts.RefreshCheckInterval = 10 * time.Millisecond

	refresher := &countingRefresher{}
	manager, err := NewSessionManager(repository.NewSessionStore(), opts,
		WithManagerLogger(discardLogger()),
		WithTokenRefresher(refresher),
	)
	require.NoError(t, err)
	scheduler := NewRefreshScheduler(manager, opts, WithSchedulerLogger(discardLogger()))
	manager.AttachRefreshRegistry(scheduler)

	_, err = manager.CreateSession(context.Background(), testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)

	scheduler.Start(context.Background())
	require.Eventually(t, func() bool { return refresher.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	scheduler.Stop()

	after := refresher.calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, refresher.calls.Load(), "no refresh after Stop")
	scheduler.Stop()
}
