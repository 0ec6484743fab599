package service

import (
	"context"
	"sync"
	"time"
)

// sessionMissNamespace groups session ids the credential store did not have.
const sessionMissNamespace = "session.not_found"

// LookupMissCache remembers keys a backend lookup did not find so repeated
// misses skip the round trip until the entry expires.
type LookupMissCache interface {
	Get(ctx context.Context, namespace, key string) (bool, error)
	Set(ctx context.Context, namespace, key string, ttl time.Duration) error
	Forget(ctx context.Context, namespace, key string) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

type NoopLookupMissCache struct{}

func NewNoopLookupMissCache() *NoopLookupMissCache { return &NoopLookupMissCache{} }

func (c *NoopLookupMissCache) Get(context.Context, string, string) (bool, error) { return false, nil }

func (c *NoopLookupMissCache) Set(context.Context, string, string, time.Duration) error { return nil }

func (c *NoopLookupMissCache) Forget(context.Context, string, string) error { return nil }

func (c *NoopLookupMissCache) InvalidateNamespace(context.Context, string) error { return nil }

type InMemoryLookupMissCache struct {
	mu    sync.RWMutex
	store map[string]map[string]time.Time
	now   func() time.Time
}

func NewInMemoryLookupMissCache() *InMemoryLookupMissCache {
	return &InMemoryLookupMissCache{
		store: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

func (c *InMemoryLookupMissCache) WithClock(now func() time.Time) *InMemoryLookupMissCache {
	c.now = now
	return c
}

func (c *InMemoryLookupMissCache) Get(_ context.Context, namespace, key string) (bool, error) {
	now := c.now()
	c.mu.RLock()
	expiresAt, ok := c.store[namespace][key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !now.Before(expiresAt) {
		c.mu.Lock()
		if ns, ok := c.store[namespace]; ok && !now.Before(ns[key]) {
			delete(ns, key)
			if len(ns) == 0 {
				delete(c.store, namespace)
			}
		}
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *InMemoryLookupMissCache) Set(_ context.Context, namespace, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.store[namespace]
	if !ok {
		ns = make(map[string]time.Time)
		c.store[namespace] = ns
	}
	ns[key] = c.now().Add(ttl)
	return nil
}

func (c *InMemoryLookupMissCache) Forget(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ns, ok := c.store[namespace]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(c.store, namespace)
		}
	}
	return nil
}

func (c *InMemoryLookupMissCache) InvalidateNamespace(_ context.Context, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, namespace)
	return nil
}
