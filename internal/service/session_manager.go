package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

// SessionManager owns session creation, validation, refresh and revocation.
// All mutation of live sessions goes through it.
type SessionManager struct {
	store     *repository.SessionStore
	opts      Options
	adapter   *CredentialAdapter
	refresher TokenRefresher
	events    EventPublisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	registryMu sync.RWMutex
	registry   RefreshRegistry

	fills   singleflight.Group
	misses  LookupMissCache
	missTTL time.Duration
}

type ManagerOption func(*SessionManager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *SessionManager) { m.now = now }
}

func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SessionManager) { m.logger = logger }
}

func WithCredentialAdapter(adapter *CredentialAdapter) ManagerOption {
	return func(m *SessionManager) { m.adapter = adapter }
}

func WithTokenRefresher(refresher TokenRefresher) ManagerOption {
	return func(m *SessionManager) { m.refresher = refresher }
}

func WithEventPublisher(events EventPublisher) ManagerOption {
	return func(m *SessionManager) { m.events = events }
}

// WithLookupMissCache remembers ids the credential store did not have for
// ttl, so repeated validation of unknown ids skips the backend.
func WithLookupMissCache(cache LookupMissCache, ttl time.Duration) ManagerOption {
	return func(m *SessionManager) {
		m.misses = cache
		m.missTTL = ttl
	}
}

func WithSessionIDGenerator(fn func() string) ManagerOption {
	return func(m *SessionManager) { m.newID = fn }
}

func NewSessionManager(store *repository.SessionStore, opts Options, options ...ManagerOption) (*SessionManager, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("session manager options: %w", err)
	}
	if store == nil {
		store = repository.NewSessionStore()
	}
	m := &SessionManager{
		store:  store,
		opts:   opts,
		events: noopPublisher{},
		logger: slog.Default(),
		now:    time.Now,
		newID:  security.NewSessionID,
	}
	for _, o := range options {
		o(m)
	}
	m.logger = m.logger.With("component", "session_manager")
	return m, nil
}

// AttachRefreshRegistry connects the background refresh scheduler.
func (m *SessionManager) AttachRefreshRegistry(r RefreshRegistry) {
	m.registryMu.Lock()
	m.registry = r
	m.registryMu.Unlock()
}

func (m *SessionManager) Options() Options { return m.opts }

func (m *SessionManager) refreshRegistry() RefreshRegistry {
	m.registryMu.RLock()
	defer m.registryMu.RUnlock()
	return m.registry
}

func (m *SessionManager) persistenceEnabled() bool {
	return m.opts.PersistSessions && m.adapter != nil
}

func (m *SessionManager) CreateSession(ctx context.Context, auth domain.AuthResult, binding domain.SessionBinding) (domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.create")
	s, err := m.createSession(ctx, auth, binding)
	observability.EndSpan(span, err)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RecordSessionCreated(ctx, string(auth.DirectoryType), status)
	return s, err
}

func (m *SessionManager) createSession(ctx context.Context, auth domain.AuthResult, binding domain.SessionBinding) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if !auth.IsAuthenticated {
		return domain.Session{}, domain.NewOperationError("create session", "", fmt.Errorf("%w: authentication result is not authenticated", domain.ErrInvalidState))
	}
	userID := strings.TrimSpace(auth.UserID)
	if userID == "" {
		return domain.Session{}, domain.NewOperationError("create session", "", fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument))
	}

	now := m.now()
	expiresAt := now.Add(m.opts.DefaultSessionDuration)
	if auth.ExpiresAt != nil {
		if !auth.ExpiresAt.After(now) {
			return domain.Session{}, domain.NewOperationError("create session", "", fmt.Errorf("%w: provider expiry %s is not in the future", domain.ErrInvalidArgument, auth.ExpiresAt.Format(time.RFC3339)))
		}
		expiresAt = *auth.ExpiresAt
	}
	if ceiling := now.Add(m.opts.MaxSessionDuration); expiresAt.After(ceiling) {
		expiresAt = ceiling
	}

	if err := m.enforceSessionLimit(ctx, userID); err != nil {
		return domain.Session{}, err
	}

	username := auth.Username
	if username == "" {
		username = userID
	}
	s := domain.Session{
		ID:                 m.newID(),
		UserID:             userID,
		Username:           username,
		DirectoryIdentity:  auth.DirectoryIdentity,
		Email:              auth.Email,
		DisplayName:        auth.DisplayName,
		AccessToken:        auth.AccessToken,
		RefreshToken:       auth.RefreshToken,
		AuthenticationMode: auth.AuthenticationMode,
		SourceDirectory:    auth.DirectoryType,
		CreatedAt:          now,
		ExpiresAt:          expiresAt,
		LastActivityAt:     now,
		State:              domain.SessionStateActive,
		DeviceID:           binding.DeviceID,
		IPAddress:          binding.IPAddress,
		UserAgent:          binding.UserAgent,
		Groups:             auth.Groups,
		Claims:             auth.Claims,
	}
	s = s.Clone()

	if m.persistenceEnabled() {
		if err := m.adapter.Store(ctx, s); err != nil {
			return domain.Session{}, domain.NewOperationError("create session", s.ID, err)
		}
		m.forgetMiss(ctx, s.ID)
	}
	rec := repository.NewSessionRecord(s)
	if err := m.store.Insert(rec); err != nil {
		if m.persistenceEnabled() {
			_, _ = m.adapter.Remove(context.WithoutCancel(ctx), s.ID)
		}
		return domain.Session{}, domain.NewOperationError("create session", s.ID, err)
	}
	m.registerForRefresh(s)

	observability.AuditSession(ctx, m.logger, "session.created", s.ID, s.UserID,
		"directory", s.SourceDirectory,
		"expires_at", s.ExpiresAt,
		"device_id", s.DeviceID,
		"ip", s.IPAddress,
	)
	m.publish(ctx, domain.Event{Type: domain.EventSessionCreated, SessionID: s.ID, UserID: s.UserID, NewExpiresAt: timePtr(s.ExpiresAt)})
	return rec.Snapshot(), nil
}

// enforceSessionLimit makes room for one more session for userID by revoking
// the oldest sessions, or rejects when eviction is disabled.
func (m *SessionManager) enforceSessionLimit(ctx context.Context, userID string) error {
	limit := m.opts.MaxSessionsPerUser
	if limit <= 0 {
		return nil
	}
	for attempts := 0; ; attempts++ {
		records := m.store.ListByUser(userID)
		if len(records) < limit {
			return nil
		}
		if !m.opts.RevokeOldestOnMaxReached {
			return domain.NewOperationError("create session", "", fmt.Errorf("%w: user %s has %d sessions", domain.ErrSessionLimitReached, userID, len(records)))
		}
		if attempts > len(records)+limit {
			return domain.NewOperationError("create session", "", fmt.Errorf("%w: could not evict sessions for user %s", domain.ErrSessionLimitReached, userID))
		}
		oldest := records[0]
		oldestCreated := oldest.Snapshot().CreatedAt
		for _, rec := range records[1:] {
			if created := rec.Snapshot().CreatedAt; created.Before(oldestCreated) {
				oldest, oldestCreated = rec, created
			}
		}
		if _, err := m.revoke(ctx, oldest.ID(), domain.RevocationReasonEvicted); err != nil {
			return domain.NewOperationError("evict session", oldest.ID(), err)
		}
		m.logger.Info("evicted oldest session at per-user limit", "user_id", userID, "session_id", oldest.ID(), "limit", limit)
	}
}

// ValidateSession checks that sessionID is live and bound to the caller's
// device and address. Failures are reported in the result, never as errors.
func (m *SessionManager) ValidateSession(ctx context.Context, sessionID string, binding domain.SessionBinding) domain.ValidationResult {
	res := m.validate(ctx, sessionID, binding)
	outcome := "valid"
	if !res.Valid {
		outcome = string(res.Reason)
	}
	observability.RecordSessionValidation(ctx, outcome)
	return res
}

func (m *SessionManager) validate(ctx context.Context, sessionID string, binding domain.SessionBinding) domain.ValidationResult {
	if err := ctx.Err(); err != nil {
		return domain.InvalidResult(domain.FailureReasonValidationError)
	}
	if sessionID == "" {
		return domain.InvalidResult(domain.FailureReasonSessionNotFound)
	}
	now := m.now()
	if m.store.IsRevoked(sessionID, now) {
		return domain.InvalidResult(domain.FailureReasonSessionRevoked)
	}
	rec, err := m.lookup(ctx, sessionID)
	if err != nil {
		m.logger.Warn("session lookup failed", "session_id", sessionID, "error", err)
		return domain.InvalidResult(domain.FailureReasonValidationError)
	}
	if rec == nil {
		// revoked while the lookup was in flight
		if m.store.IsRevoked(sessionID, now) {
			return domain.InvalidResult(domain.FailureReasonSessionRevoked)
		}
		return domain.InvalidResult(domain.FailureReasonSessionNotFound)
	}

	s := rec.Snapshot()
	if s.State == domain.SessionStateRevoked {
		return domain.InvalidResult(domain.FailureReasonSessionRevoked)
	}
	if s.IsExpiredAt(now) {
		m.markExpired(ctx, rec, "validation")
		return domain.InvalidResult(domain.FailureReasonSessionExpired)
	}
	if m.opts.EnforceDeviceBinding && s.DeviceID != "" && binding.DeviceID != "" && s.DeviceID != binding.DeviceID {
		return domain.InvalidResult(domain.FailureReasonDeviceMismatch)
	}
	if m.opts.EnforceIPBinding && s.IPAddress != "" && binding.IPAddress != "" && s.IPAddress != binding.IPAddress {
		return domain.InvalidResult(domain.FailureReasonIPMismatch)
	}

	if m.opts.SlidingExpiration > 0 {
		extended, err := m.extend(ctx, rec)
		if err != nil {
			m.logger.Warn("sliding extension not applied", "session_id", sessionID, "error", err)
		} else {
			s = extended
		}
	}
	return domain.ValidResult(s)
}

// lookup finds sessionID in memory, falling back to the credential store.
func (m *SessionManager) lookup(ctx context.Context, sessionID string) (*repository.SessionRecord, error) {
	if rec, ok := m.store.Get(sessionID); ok {
		return rec, nil
	}
	if !m.persistenceEnabled() {
		return nil, nil
	}
	v, err, _ := m.fills.Do(sessionID, func() (any, error) {
		if rec, ok := m.store.Get(sessionID); ok {
			return rec, nil
		}
		if m.knownMiss(ctx, sessionID) {
			return (*repository.SessionRecord)(nil), nil
		}
		s, err := m.adapter.Load(ctx, sessionID)
		if errors.Is(err, domain.ErrNotFound) {
			m.rememberMiss(ctx, sessionID)
			return (*repository.SessionRecord)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		rec, inserted := m.store.InsertOrGet(repository.NewSessionRecord(s))
		if inserted {
			m.logger.Debug("session restored from credential store", "session_id", sessionID, "user_id", s.UserID)
			if s.State == domain.SessionStateActive {
				m.registerForRefresh(s)
			}
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*repository.SessionRecord), nil
}

func (m *SessionManager) knownMiss(ctx context.Context, sessionID string) bool {
	if m.misses == nil || m.missTTL <= 0 {
		return false
	}
	hit, err := m.misses.Get(ctx, sessionMissNamespace, sessionID)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "lookup_miss_cache", "get", "error")
		m.logger.Debug("lookup miss cache unavailable", "session_id", sessionID, "error", err)
		return false
	}
	if hit {
		observability.RecordRepositoryOperation(ctx, "lookup_miss_cache", "get", "hit")
	}
	return hit
}

func (m *SessionManager) rememberMiss(ctx context.Context, sessionID string) {
	if m.misses == nil || m.missTTL <= 0 {
		return
	}
	if err := m.misses.Set(ctx, sessionMissNamespace, sessionID, m.missTTL); err != nil {
		observability.RecordRepositoryOperation(ctx, "lookup_miss_cache", "set", "error")
		m.logger.Debug("lookup miss not cached", "session_id", sessionID, "error", err)
	}
}

func (m *SessionManager) forgetMiss(ctx context.Context, sessionID string) {
	if m.misses == nil {
		return
	}
	if err := m.misses.Forget(ctx, sessionMissNamespace, sessionID); err != nil {
		m.logger.Debug("lookup miss not cleared", "session_id", sessionID, "error", err)
	}
}

// extend applies sliding expiration: expiresAt moves to now+window, never
// backwards and never past the absolute ceiling.
func (m *SessionManager) extend(ctx context.Context, rec *repository.SessionRecord) (domain.Session, error) {
	now := m.now()
	return rec.Mutate(func(s *domain.Session) error {
		switch s.State {
		case domain.SessionStateActive, domain.SessionStateExpiring:
		case domain.SessionStateRefreshing:
			s.LastActivityAt = now
			return nil
		default:
			return fmt.Errorf("%w: cannot extend %s session", domain.ErrInvalidState, s.State)
		}
		if s.IsExpiredAt(now) {
			return fmt.Errorf("%w: session expired", domain.ErrInvalidState)
		}
		s.LastActivityAt = now
		next := now.Add(m.opts.SlidingExpiration)
		if ceiling := s.AbsoluteExpiry(m.opts.MaxSessionDuration); next.After(ceiling) {
			next = ceiling
		}
		if next.After(s.ExpiresAt) {
			s.ExpiresAt = next
		}
		if s.State == domain.SessionStateExpiring && s.ExpiresAt.Sub(now) > m.opts.ExpiryWarning {
			s.State = domain.SessionStateActive
		}
		if m.persistenceEnabled() {
			return m.adapter.Store(ctx, *s)
		}
		return nil
	})
}

// markExpired moves rec to Expired, reporting whether this call made the transition.
func (m *SessionManager) markExpired(ctx context.Context, rec *repository.SessionRecord, detectedBy string) bool {
	transitioned := false
	s, _ := rec.Mutate(func(s *domain.Session) error {
		if s.State == domain.SessionStateExpired || s.State == domain.SessionStateRevoked {
			return nil
		}
		s.State = domain.SessionStateExpired
		transitioned = true
		return nil
	})
	if !transitioned {
		return false
	}
	if r := m.refreshRegistry(); r != nil {
		r.Unregister(s.ID)
	}
	if m.persistenceEnabled() {
		if err := m.adapter.Store(ctx, s); err != nil {
			m.logger.Warn("expired state not persisted", "session_id", s.ID, "error", err)
		}
	}
	observability.RecordSessionExpired(ctx, detectedBy)
	m.logger.Info("session expired", "session_id", s.ID, "user_id", s.UserID, "detected_by", detectedBy)
	m.publish(ctx, domain.Event{Type: domain.EventSessionExpired, SessionID: s.ID, UserID: s.UserID, OldExpiresAt: timePtr(s.ExpiresAt)})
	return true
}

// RefreshSession exchanges the session's refresh token and extends its expiry.
func (m *SessionManager) RefreshSession(ctx context.Context, sessionID string) (domain.Session, error) {
	ctx, span := observability.StartSpan(ctx, "session.refresh", trace.WithAttributes(attribute.String("session.id", sessionID)))
	started := time.Now()
	s, err := m.refreshSession(ctx, sessionID)
	observability.EndSpan(span, err)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RecordSessionRefresh(ctx, refreshTriggerFrom(ctx), status, time.Since(started))
	return s, err
}

type refreshTriggerKey struct{}

func withRefreshTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, refreshTriggerKey{}, trigger)
}

func refreshTriggerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(refreshTriggerKey{}).(string); ok && v != "" {
		return v
	}
	return "direct"
}

func (m *SessionManager) refreshSession(ctx context.Context, sessionID string) (domain.Session, error) {
	rec, ok := m.store.Get(sessionID)
	if !ok {
		return domain.Session{}, domain.NewOperationError("refresh session", sessionID, domain.ErrNotFound)
	}

	expired := false
	before, err := rec.Mutate(func(s *domain.Session) error {
		switch s.State {
		case domain.SessionStateRevoked:
			return fmt.Errorf("%w: session revoked", domain.ErrInvalidState)
		case domain.SessionStateRefreshing:
			return domain.ErrRefreshInProgress
		}
		if !s.HasRefreshToken() {
			return fmt.Errorf("%w: session has no refresh token", domain.ErrInvalidState)
		}
		if s.IsExpiredAt(m.now()) {
			expired = true
			return fmt.Errorf("%w: session expired", domain.ErrInvalidState)
		}
		s.State = domain.SessionStateRefreshing
		return nil
	})
	if err != nil {
		if expired {
			m.markExpired(ctx, rec, "refresh")
		}
		return domain.Session{}, domain.NewOperationError("refresh session", sessionID, err)
	}

	committed := false
	defer func() {
		if !committed {
			m.rollbackRefreshing(rec)
		}
	}()

	var tokens *domain.TokenSet
	if m.refresher != nil {
		tokens, err = m.refresher.RefreshTokens(ctx, domain.RefreshRequest{
			SessionID:    before.ID,
			UserID:       before.UserID,
			Username:     before.Username,
			AccessToken:  before.AccessToken,
			RefreshToken: before.RefreshToken,
			Directory:    before.SourceDirectory,
		})
		if err != nil {
			return domain.Session{}, domain.NewOperationError("refresh session", sessionID, fmt.Errorf("exchange refresh token: %w", err))
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.Session{}, domain.NewOperationError("refresh session", sessionID, err)
	}

	now := m.now()
	after, err := rec.Mutate(func(s *domain.Session) error {
		if s.State == domain.SessionStateRevoked {
			return fmt.Errorf("%w: session revoked during refresh", domain.ErrInvalidState)
		}
		ceiling := s.AbsoluteExpiry(m.opts.MaxSessionDuration)
		if !ceiling.After(now) {
			return fmt.Errorf("%w: absolute session lifetime reached", domain.ErrInvalidState)
		}
		next := now.Add(m.opts.DefaultSessionDuration)
		if tokens != nil {
			if tokens.AccessToken != "" {
				s.AccessToken = tokens.AccessToken
			}
			if tokens.RefreshToken != "" {
				s.RefreshToken = tokens.RefreshToken
			}
			if tokens.ExpiresAt != nil && tokens.ExpiresAt.After(now) {
				next = *tokens.ExpiresAt
			}
			if tokens.Groups != nil {
				s.Groups = append([]string(nil), tokens.Groups...)
			}
			if tokens.Claims != nil {
				s.Claims = make(map[string]string, len(tokens.Claims))
				for k, v := range tokens.Claims {
					s.Claims[k] = v
				}
			}
		}
		if next.After(ceiling) {
			next = ceiling
		}
		s.ExpiresAt = next
		refreshedAt := now
		s.LastRefreshedAt = &refreshedAt
		s.State = domain.SessionStateActive
		if m.persistenceEnabled() {
			return m.adapter.Store(ctx, *s)
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, domain.NewOperationError("refresh session", sessionID, err)
	}
	committed = true

	m.registerForRefresh(after)
	observability.AuditSession(ctx, m.logger, "session.refreshed", after.ID, after.UserID,
		"old_expires_at", before.ExpiresAt,
		"new_expires_at", after.ExpiresAt,
	)
	m.publish(ctx, domain.Event{
		Type:         domain.EventSessionRefreshed,
		SessionID:    after.ID,
		UserID:       after.UserID,
		OldExpiresAt: timePtr(before.ExpiresAt),
		NewExpiresAt: timePtr(after.ExpiresAt),
	})
	return after, nil
}

func (m *SessionManager) rollbackRefreshing(rec *repository.SessionRecord) {
	_, _ = rec.Mutate(func(s *domain.Session) error {
		if s.State == domain.SessionStateRefreshing {
			s.State = domain.SessionStateActive
		}
		return nil
	})
}

// TouchSession records activity and applies sliding expiration. It is a
// no-op when sliding is disabled or the session is unknown.
func (m *SessionManager) TouchSession(ctx context.Context, sessionID string) error {
	if m.opts.SlidingExpiration <= 0 {
		return nil
	}
	rec, ok := m.store.Get(sessionID)
	if !ok {
		return nil
	}
	s := rec.Snapshot()
	if s.State == domain.SessionStateRevoked || s.IsExpiredAt(m.now()) {
		return nil
	}
	if _, err := m.extend(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return nil
		}
		return domain.NewOperationError("touch session", sessionID, err)
	}
	return nil
}

// RevokeSession terminates sessionID. Unknown ids are a no-op.
func (m *SessionManager) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := m.RevokeSessionWithReason(ctx, sessionID, domain.RevocationReasonLogout)
	return err
}

// RevokeSessionWithReason reports whether this call revoked the session.
func (m *SessionManager) RevokeSessionWithReason(ctx context.Context, sessionID string, reason domain.RevocationReason) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "session.revoke", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.revoke_reason", string(reason)),
	))
	revoked, err := m.revoke(ctx, sessionID, reason)
	observability.EndSpan(span, err)
	return revoked, err
}

func (m *SessionManager) revoke(ctx context.Context, sessionID string, reason domain.RevocationReason) (bool, error) {
	rec, ok := m.store.Get(sessionID)
	if !ok {
		return false, nil
	}
	transitioned := false
	s, err := rec.Mutate(func(s *domain.Session) error {
		if s.State == domain.SessionStateRevoked {
			return nil
		}
		if m.persistenceEnabled() {
			if _, err := m.adapter.Remove(ctx, s.ID); err != nil {
				return err
			}
		}
		s.State = domain.SessionStateRevoked
		transitioned = true
		return nil
	})
	if err != nil {
		return false, domain.NewOperationError("revoke session", sessionID, err)
	}
	m.store.RemoveRevoked(rec, s.AbsoluteExpiry(m.opts.MaxSessionDuration))
	if r := m.refreshRegistry(); r != nil {
		r.Unregister(sessionID)
	}
	if !transitioned {
		return false, nil
	}

	observability.RecordSessionRevoked(ctx, string(reason))
	observability.AuditSession(ctx, m.logger, "session.revoked", s.ID, s.UserID, "reason", reason)
	m.publish(ctx, domain.Event{Type: domain.EventSessionRevoked, SessionID: s.ID, UserID: s.UserID, Reason: reason})
	return true, nil
}

// RevokeAllUserSessions revokes the user's sessions as of the call.
func (m *SessionManager) RevokeAllUserSessions(ctx context.Context, userID string) (int, error) {
	return m.revokeUserSessions(ctx, userID, "", domain.RevocationReasonRevokeAll)
}

// RevokeOtherSessions revokes every session of userID except exceptSessionID.
func (m *SessionManager) RevokeOtherSessions(ctx context.Context, userID, exceptSessionID string) (int, error) {
	return m.revokeUserSessions(ctx, userID, exceptSessionID, domain.RevocationReasonRevokeOthers)
}

func (m *SessionManager) revokeUserSessions(ctx context.Context, userID, exceptSessionID string, reason domain.RevocationReason) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, domain.NewOperationError("revoke user sessions", "", fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument))
	}
	var (
		count int
		errs  []error
	)
	for _, id := range m.store.UserSessionIDs(userID) {
		if id == exceptSessionID {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		revoked, err := m.revoke(ctx, id, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if revoked {
			count++
		}
	}
	return count, errors.Join(errs...)
}

func (m *SessionManager) GetSession(sessionID string) (domain.Session, bool) {
	rec, ok := m.store.Get(sessionID)
	if !ok {
		return domain.Session{}, false
	}
	return rec.Snapshot(), true
}

// GetUserSessions returns the user's sessions oldest first.
func (m *SessionManager) GetUserSessions(userID string) []domain.Session {
	records := m.store.ListByUser(userID)
	out := make([]domain.Session, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *SessionManager) GetUserSessionCount(userID string) int {
	return m.store.CountByUser(userID)
}

func (m *SessionManager) GetActiveSessionCount() int {
	return m.store.Count()
}

func (m *SessionManager) Stats() domain.SessionStats {
	stats := domain.SessionStats{
		Users:   m.store.UserCount(),
		ByState: make(map[domain.SessionState]int),
	}
	for _, rec := range m.store.All() {
		stats.ActiveSessions++
		stats.ByState[rec.Snapshot().State]++
	}
	if r, ok := m.refreshRegistry().(interface{ Stats() (int, int) }); ok {
		stats.RefreshRegistered, stats.RefreshRetryQueued = r.Stats()
	}
	return stats
}

func (m *SessionManager) registerForRefresh(s domain.Session) {
	if !m.opts.EnableAutoRefresh || !s.HasRefreshToken() {
		return
	}
	if r := m.refreshRegistry(); r != nil {
		r.Register(s)
	}
}

func (m *SessionManager) publish(ctx context.Context, ev domain.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = m.now()
	}
	m.events.Publish(ctx, ev)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
