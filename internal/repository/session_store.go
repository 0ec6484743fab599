package repository

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

// SessionRecord guards one live session. Readers take snapshots; writers go
// through Mutate, which commits only when the mutation succeeds.
type SessionRecord struct {
	id     string
	userID string

	mu      sync.RWMutex
	session domain.Session
}

func NewSessionRecord(s domain.Session) *SessionRecord {
	return &SessionRecord{id: s.ID, userID: s.UserID, session: s.Clone()}
}

func (r *SessionRecord) ID() string     { return r.id }
func (r *SessionRecord) UserID() string { return r.userID }

func (r *SessionRecord) Snapshot() domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session.Clone()
}

// Mutate applies fn to a working copy under the record lock and commits the
// copy when fn returns nil. fn may perform I/O that must complete before the
// change becomes visible. Identity fields are not mutable.
func (r *SessionRecord) Mutate(fn func(s *domain.Session) error) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.session.Clone()
	if err := fn(&next); err != nil {
		return r.session.Clone(), err
	}
	next.ID = r.id
	next.UserID = r.userID
	r.session = next
	return r.session.Clone(), nil
}

// SessionStore is the in-memory table of live sessions with a per-user index.
// Revoked ids leave a tombstone until the session's absolute expiry so they
// keep reporting as revoked after the record is gone.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	byUser   map[string]map[string]struct{}
	revoked  map[string]time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*SessionRecord),
		byUser:   make(map[string]map[string]struct{}),
		revoked:  make(map[string]time.Time),
	}
}

func (s *SessionStore) Insert(rec *SessionRecord) error {
	if _, inserted := s.InsertOrGet(rec); !inserted {
		return fmt.Errorf("%w: session id %q already stored", domain.ErrInvalidArgument, rec.ID())
	}
	return nil
}

// InsertOrGet stores rec unless a record with the same id exists, in which
// case the existing record is returned.
func (s *SessionStore) InsertOrGet(rec *SessionRecord) (*SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[rec.ID()]; ok {
		return existing, false
	}
	s.sessions[rec.ID()] = rec
	ids, ok := s.byUser[rec.UserID()]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[rec.UserID()] = ids
	}
	ids[rec.ID()] = struct{}{}
	return rec, true
}

func (s *SessionStore) Get(id string) (*SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

func (s *SessionStore) Remove(id string) (*SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	s.removeLocked(rec)
	return rec, true
}

// RemoveRecord removes rec only while its id still maps to it.
func (s *SessionStore) RemoveRecord(rec *SessionRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[rec.ID()]; !ok || current != rec {
		return false
	}
	s.removeLocked(rec)
	return true
}

// RemoveRevoked removes rec (while its id still maps to it) and records a
// tombstone for its id that lasts until until.
func (s *SessionStore) RemoveRevoked(rec *SessionRecord, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[rec.ID()]; ok && current == rec {
		s.removeLocked(rec)
	}
	if prev, ok := s.revoked[rec.ID()]; !ok || until.After(prev) {
		s.revoked[rec.ID()] = until
	}
}

// IsRevoked reports whether id carries a tombstone still in force at now.
func (s *SessionStore) IsRevoked(id string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.revoked[id]
	return ok && now.Before(until)
}

// PruneRevoked drops tombstones that lapsed at or before now.
func (s *SessionStore) PruneRevoked(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, id)
			pruned++
		}
	}
	return pruned
}

func (s *SessionStore) RevokedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.revoked)
}

func (s *SessionStore) removeLocked(rec *SessionRecord) {
	delete(s.sessions, rec.ID())
	if ids, ok := s.byUser[rec.UserID()]; ok {
		delete(ids, rec.ID())
		if len(ids) == 0 {
			delete(s.byUser, rec.UserID())
		}
	}
}

// UserSessionIDs is a point-in-time copy of the user's session ids, sorted.
func (s *SessionStore) UserSessionIDs(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *SessionStore) ListByUser(userID string) []*SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]*SessionRecord, 0, len(ids))
	for id := range ids {
		out = append(out, s.sessions[id])
	}
	return out
}

func (s *SessionStore) CountByUser(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[userID])
}

func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStore) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

func (s *SessionStore) All() []*SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	return out
}
