package service

import (
	"context"
	"sync"
	"time"
)

type IdempotencyState string

const (
	IdempotencyStateNew        IdempotencyState = "new"
	IdempotencyStateInProgress IdempotencyState = "in_progress"
	IdempotencyStateReplay     IdempotencyState = "replay"
	IdempotencyStateConflict   IdempotencyState = "conflict"
)

// CachedHTTPResponse is the stored outcome replayed for a repeated key.
type CachedHTTPResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type IdempotencyBeginResult struct {
	State  IdempotencyState
	Cached *CachedHTTPResponse
}

// IdempotencyStore claims request keys per scope. Begin claims an unseen key
// for ttl; a key seen with another fingerprint is a conflict.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyBeginResult, error)
	Complete(ctx context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error
	// Release drops an in-progress claim so the request can be retried.
	Release(ctx context.Context, scope, key, fingerprint string) error
}

type idempotencyEntry struct {
	fingerprint string
	completed   bool
	resp        CachedHTTPResponse
	expiresAt   time.Time
}

type InMemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
	now     func() time.Time
}

func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{entries: make(map[string]idempotencyEntry), now: time.Now}
}

func (s *InMemoryIdempotencyStore) WithClock(now func() time.Time) *InMemoryIdempotencyStore {
	s.now = now
	return s
}

func (s *InMemoryIdempotencyStore) Begin(_ context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyBeginResult, error) {
	now := s.now()
	id := scope + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[id] = idempotencyEntry{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return IdempotencyBeginResult{State: IdempotencyStateNew}, nil
	}
	switch {
	case entry.fingerprint != fingerprint:
		return IdempotencyBeginResult{State: IdempotencyStateConflict}, nil
	case !entry.completed:
		return IdempotencyBeginResult{State: IdempotencyStateInProgress}, nil
	}
	cached := entry.resp
	cached.Body = append([]byte(nil), entry.resp.Body...)
	return IdempotencyBeginResult{State: IdempotencyStateReplay, Cached: &cached}, nil
}

func (s *InMemoryIdempotencyStore) Complete(_ context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error {
	id := scope + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok || entry.fingerprint != fingerprint {
		return nil
	}
	resp.Body = append([]byte(nil), resp.Body...)
	s.entries[id] = idempotencyEntry{fingerprint: fingerprint, completed: true, resp: resp, expiresAt: s.now().Add(ttl)}
	s.evictExpiredLocked()
	return nil
}

func (s *InMemoryIdempotencyStore) Release(_ context.Context, scope, key, fingerprint string) error {
	id := scope + "\x00" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok && entry.fingerprint == fingerprint && !entry.completed {
		delete(s.entries, id)
	}
	return nil
}

func (s *InMemoryIdempotencyStore) evictExpiredLocked() {
	now := s.now()
	for id, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
		}
	}
}
