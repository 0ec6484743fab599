package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
)

func TestInMemoryLookupMissCacheGetSetForgetInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewInMemoryLookupMissCache().WithClock(clock.Now)

	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-1", time.Minute))
	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-2", time.Minute))
	hit, err := cache.Get(ctx, sessionMissNamespace, "s-1")
	require.NoError(t, err)
	require.True(t, hit)

	require.NoError(t, cache.Forget(ctx, sessionMissNamespace, "s-1"))
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-1")
	require.False(t, hit)

	require.NoError(t, cache.InvalidateNamespace(ctx, sessionMissNamespace))
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-2")
	require.False(t, hit)

	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-3", 0))
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-3")
	require.False(t, hit, "non-positive ttl is not cached")
}

func TestInMemoryLookupMissCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewInMemoryLookupMissCache().WithClock(clock.Now)

	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-1", 30*time.Second))
	clock.Advance(29 * time.Second)
	hit, _ := cache.Get(ctx, sessionMissNamespace, "s-1")
	require.True(t, hit)
	clock.Advance(time.Second)
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-1")
	require.False(t, hit)
}

func TestRedisLookupMissCacheSetGetForgetAndExpiry(t *testing.T) {
	ctx := context.Background()
	server, client := newRedisClientForTest(t)
	cache := NewRedisLookupMissCache(client, "miss_test")

	hit, err := cache.Get(ctx, sessionMissNamespace, "s-1")
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-1", 2*time.Second))
	hit, err = cache.Get(ctx, sessionMissNamespace, "s-1")
	require.NoError(t, err)
	require.True(t, hit)

	server.FastForward(3 * time.Second)
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-1")
	require.False(t, hit)

	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-1", time.Minute))
	require.NoError(t, cache.Forget(ctx, sessionMissNamespace, "s-1"))
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-1")
	require.False(t, hit)

	require.NoError(t, cache.Set(ctx, sessionMissNamespace, "s-2", time.Minute))
	require.NoError(t, cache.InvalidateNamespace(ctx, sessionMissNamespace))
	hit, _ = cache.Get(ctx, sessionMissNamespace, "s-2")
	require.False(t, hit)
	for _, key := range server.Keys() {
		require.NotContains(t, key, "s-2", "raw session ids are hashed in keys")
	}
}

type countingCredentialStore struct {
	*repository.InMemoryCredentialStore
	gets atomic.Int32
}

func (s *countingCredentialStore) Get(ctx context.Context, key string) (*domain.Credential, error) {
	s.gets.Add(1)
	return s.InMemoryCredentialStore.Get(ctx, key)
}

func TestValidateSessionCachesCredentialStoreMisses(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	credentials := &countingCredentialStore{InMemoryCredentialStore: repository.NewInMemoryCredentialStore().WithClock(clock.Now)}
	misses := NewInMemoryLookupMissCache().WithClock(clock.Now)

	newManager := func(ids ...string) *SessionManager {
		options := []ManagerOption{
			WithManagerClock(clock.Now),
			WithManagerLogger(discardLogger()),
			WithCredentialAdapter(NewCredentialAdapter(credentials, nil, discardLogger())),
			WithLookupMissCache(misses, 30*time.Second),
		}
		if len(ids) > 0 {
			options = append(options, WithSessionIDGenerator(func() string { return ids[0] }))
		}
		m, err := NewSessionManager(repository.NewSessionStore(), DefaultOptions(), options...)
		require.NoError(t, err)
		return m
	}

	reader := newManager()
	for i := 0; i < 3; i++ {
		res := reader.ValidateSession(ctx, "s-unknown", domain.SessionBinding{})
		require.Equal(t, domain.FailureReasonSessionNotFound, res.Reason)
	}
	require.EqualValues(t, 1, credentials.gets.Load(), "repeat misses are served from the cache")

	clock.Advance(31 * time.Second)
	reader.ValidateSession(ctx, "s-unknown", domain.SessionBinding{})
	require.EqualValues(t, 2, credentials.gets.Load(), "expired miss goes back to the store")

	// A session created elsewhere under a cached id clears the miss.
	writer := newManager("s-unknown")
	_, err := writer.CreateSession(ctx, testAuthResult("alice"), domain.SessionBinding{})
	require.NoError(t, err)
	res := reader.ValidateSession(ctx, "s-unknown", domain.SessionBinding{})
	require.True(t, res.Valid, "reason %s", res.Reason)
	require.Equal(t, "alice", res.Session.UserID)
}
