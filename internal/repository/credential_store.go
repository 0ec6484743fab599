package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

// CredentialStore durably keeps opaque credential blobs by key. Get returns
// domain.ErrCredentialNotFound on a miss.
type CredentialStore interface {
	Store(ctx context.Context, key string, cred domain.Credential) error
	Get(ctx context.Context, key string) (*domain.Credential, error)
	Remove(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Expire(ctx context.Context, key string, at time.Time) (bool, error)
}

// NoopCredentialStore keeps nothing and always misses.
type NoopCredentialStore struct{}

func NewNoopCredentialStore() *NoopCredentialStore { return &NoopCredentialStore{} }

func (s *NoopCredentialStore) Store(context.Context, string, domain.Credential) error { return nil }

func (s *NoopCredentialStore) Get(context.Context, string) (*domain.Credential, error) {
	return nil, domain.ErrCredentialNotFound
}

func (s *NoopCredentialStore) Remove(context.Context, string) (bool, error) { return false, nil }

func (s *NoopCredentialStore) List(context.Context, string) ([]string, error) { return nil, nil }

func (s *NoopCredentialStore) Expire(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

type inMemoryCredential struct {
	cred     domain.Credential
	expireAt time.Time
}

// InMemoryCredentialStore is a process-local store honouring expiry.
type InMemoryCredentialStore struct {
	mu      sync.RWMutex
	entries map[string]inMemoryCredential
	now     func() time.Time
}

func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{entries: make(map[string]inMemoryCredential), now: time.Now}
}

// WithClock replaces the store's time source.
func (s *InMemoryCredentialStore) WithClock(now func() time.Time) *InMemoryCredentialStore {
	s.now = now
	return s
}

func (s *InMemoryCredentialStore) Store(_ context.Context, key string, cred domain.Credential) error {
	entry := inMemoryCredential{cred: cloneCredential(cred)}
	if cred.ExpiresAt != nil {
		entry.expireAt = *cred.ExpiresAt
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *InMemoryCredentialStore) Get(_ context.Context, key string) (*domain.Credential, error) {
	now := s.now()
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	if entry.expired(now) {
		s.mu.Lock()
		if current, ok := s.entries[key]; ok && current.expired(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, domain.ErrCredentialNotFound
	}
	cred := cloneCredential(entry.cred)
	return &cred, nil
}

func (s *InMemoryCredentialStore) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *InMemoryCredentialStore) List(_ context.Context, prefix string) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryCredentialStore) Expire(_ context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	entry.expireAt = at
	s.entries[key] = entry
	return true, nil
}

func (e inMemoryCredential) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

func cloneCredential(c domain.Credential) domain.Credential {
	out := c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
