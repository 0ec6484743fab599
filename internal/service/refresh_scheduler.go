package service

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
)

// NeedsRefresh reports whether s has used at least threshold of its
// createdAt..expiresAt window and can still be refreshed.
func NeedsRefresh(s domain.Session, threshold float64, now time.Time) bool {
	if s.State != domain.SessionStateActive || !s.HasRefreshToken() {
		return false
	}
	if !now.Before(s.ExpiresAt) {
		return false
	}
	return s.LifetimeElapsed(now) >= threshold
}

type registration struct {
	sessionID          string
	userID             string
	registeredAt       time.Time
	lastRefreshAttempt time.Time
	retryCount         int
	nextRetryAt        time.Time
	inFlight           bool
	// gen invalidates queued retries when the registration is reset.
	gen uint64
}

// RegistrationInfo is a read-only view of a refresh registration.
type RegistrationInfo struct {
	SessionID          string    `json:"session_id"`
	UserID             string    `json:"user_id"`
	RegisteredAt       time.Time `json:"registered_at"`
	LastRefreshAttempt time.Time `json:"last_refresh_attempt,omitempty"`
	RetryCount         int       `json:"retry_count"`
	NextRetryAt        time.Time `json:"next_retry_at,omitempty"`
}

type retryItem struct {
	sessionID string
	due       time.Time
	gen       uint64
}

type retryQueue []retryItem

func (q retryQueue) Len() int           { return len(q) }
func (q retryQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }
func (q retryQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *retryQueue) Push(x any)        { *q = append(*q, x.(retryItem)) }
func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// RefreshScheduler proactively refreshes registered sessions before they
// expire and retries failures with exponential backoff.
type RefreshScheduler struct {
	sessions SessionRefresher
	opts     Options
	events   EventPublisher
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	regs    map[string]*registration
	retries retryQueue
	nextGen uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	startMu  sync.Mutex
	started  bool
	wg       sync.WaitGroup
}

type SchedulerOption func(*RefreshScheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *RefreshScheduler) { s.now = now }
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *RefreshScheduler) { s.logger = logger }
}

func WithSchedulerEvents(events EventPublisher) SchedulerOption {
	return func(s *RefreshScheduler) { s.events = events }
}

func NewRefreshScheduler(sessions SessionRefresher, opts Options, options ...SchedulerOption) *RefreshScheduler {
	s := &RefreshScheduler{
		sessions: sessions,
		opts:     opts,
		events:   noopPublisher{},
		logger:   slog.Default(),
		now:      time.Now,
		regs:     make(map[string]*registration),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	s.logger = s.logger.With("component", "refresh_scheduler")
	return s
}

// Register adds s or resets an existing registration in place.
func (r *RefreshScheduler) Register(s domain.Session) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	if reg, ok := r.regs[s.ID]; ok {
		reg.retryCount = 0
		reg.nextRetryAt = time.Time{}
		reg.gen = r.nextGen
		return
	}
	r.regs[s.ID] = &registration{
		sessionID:    s.ID,
		userID:       s.UserID,
		registeredAt: now,
		gen:          r.nextGen,
	}
}

func (r *RefreshScheduler) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[sessionID]; !ok {
		return false
	}
	delete(r.regs, sessionID)
	return true
}

func (r *RefreshScheduler) IsRegistered(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[sessionID]
	return ok
}

// Stats returns the registration count and how many of them wait on a retry.
func (r *RefreshScheduler) Stats() (registered, retryQueued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if !reg.nextRetryAt.IsZero() {
			retryQueued++
		}
	}
	return len(r.regs), retryQueued
}

func (r *RefreshScheduler) Registration(sessionID string) (RegistrationInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[sessionID]
	if !ok {
		return RegistrationInfo{}, false
	}
	return RegistrationInfo{
		SessionID:          reg.sessionID,
		UserID:             reg.userID,
		RegisteredAt:       reg.registeredAt,
		LastRefreshAttempt: reg.lastRefreshAttempt,
		RetryCount:         reg.retryCount,
		NextRetryAt:        reg.nextRetryAt,
	}, true
}

// Start launches the check loop. It returns once the loop is running; the
// loop exits on Stop or when ctx is done.
func (r *RefreshScheduler) Start(ctx context.Context) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("refresh scheduler started", "interval", r.opts.RefreshCheckInterval, "threshold", r.opts.RefreshThreshold)
}

// Stop ends the check loop and waits for in-progress work to finish.
func (r *RefreshScheduler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *RefreshScheduler) loop(ctx context.Context) {
	defer r.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.opts.RefreshCheckInterval)
	defer ticker.Stop()
	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	for {
		r.armRetryTimer(retryTimer)
		select {
		case <-ctx.Done():
			r.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			r.CheckNow(ctx)
		case <-retryTimer.C:
			r.RunDueRetries(ctx)
		case <-r.wake:
		}
	}
}

func (r *RefreshScheduler) armRetryTimer(t *time.Timer) {
	r.mu.Lock()
	var due time.Time
	if len(r.retries) > 0 {
		due = r.retries[0].due
	}
	r.mu.Unlock()
	t.Stop()
	select {
	case <-t.C:
	default:
	}
	if due.IsZero() {
		return
	}
	delay := due.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	t.Reset(delay)
}

func (r *RefreshScheduler) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// CheckNow runs one periodic pass: every registration whose session has
// crossed the refresh threshold is refreshed. It returns the number attempted.
func (r *RefreshScheduler) CheckNow(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	candidates := make([]string, 0, len(r.regs))
	for id, reg := range r.regs {
		if reg.inFlight || !reg.nextRetryAt.IsZero() {
			continue
		}
		candidates = append(candidates, id)
	}
	r.mu.Unlock()

	var due []string
	for _, id := range candidates {
		s, ok := r.sessions.GetSession(id)
		if !ok || s.State == domain.SessionStateRevoked || s.State == domain.SessionStateExpired {
			r.Unregister(id)
			continue
		}
		if !NeedsRefresh(s, r.opts.RefreshThreshold, now) {
			continue
		}
		if !r.claim(id, false) {
			continue
		}
		r.events.Publish(ctx, domain.Event{
			Type:            domain.EventRefreshNeeded,
			SessionID:       s.ID,
			UserID:          s.UserID,
			OccurredAt:      now,
			ElapsedFraction: s.LifetimeElapsed(now),
			TimeToExpiry:    s.ExpiresAt.Sub(now),
		})
		due = append(due, id)
	}
	r.runAll(ctx, due, "scheduled")
	return len(due)
}

// RunDueRetries attempts every queued retry whose backoff has elapsed.
func (r *RefreshScheduler) RunDueRetries(ctx context.Context) int {
	now := r.now()
	var due []string
	r.mu.Lock()
	for len(r.retries) > 0 && !r.retries[0].due.After(now) {
		item := heap.Pop(&r.retries).(retryItem)
		reg, ok := r.regs[item.sessionID]
		if !ok || reg.gen != item.gen || reg.inFlight {
			continue
		}
		reg.inFlight = true
		due = append(due, item.sessionID)
	}
	r.mu.Unlock()
	r.runAll(ctx, due, "retry")
	return len(due)
}

// RefreshNow refreshes a registered session immediately, ignoring threshold
// and backoff.
func (r *RefreshScheduler) RefreshNow(ctx context.Context, sessionID string) (domain.Session, error) {
	r.mu.Lock()
	reg, ok := r.regs[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.Session{}, domain.NewOperationError("refresh now", sessionID, domain.ErrNotRegistered)
	}
	if reg.inFlight {
		r.mu.Unlock()
		return domain.Session{}, domain.NewOperationError("refresh now", sessionID, domain.ErrRefreshInProgress)
	}
	reg.inFlight = true
	r.mu.Unlock()
	return r.attempt(ctx, sessionID, "manual")
}

// RefreshAllPending refreshes every registration that is due, including
// those waiting on a retry, and returns how many succeeded.
func (r *RefreshScheduler) RefreshAllPending(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	ids := make([]string, 0, len(r.regs))
	for id, reg := range r.regs {
		if !reg.inFlight {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var due []string
	for _, id := range ids {
		s, ok := r.sessions.GetSession(id)
		if !ok {
			r.Unregister(id)
			continue
		}
		queued := r.hasQueuedRetry(id)
		if !queued && !NeedsRefresh(s, r.opts.RefreshThreshold, now) {
			continue
		}
		if r.claim(id, true) {
			due = append(due, id)
		}
	}
	return r.runAll(ctx, due, "manual")
}

func (r *RefreshScheduler) hasQueuedRetry(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[sessionID]
	return ok && !reg.nextRetryAt.IsZero()
}

// claim marks sessionID in flight. Queued registrations are only claimed when
// allowQueued is set, in which case the queued retry is superseded.
func (r *RefreshScheduler) claim(sessionID string, allowQueued bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[sessionID]
	if !ok || reg.inFlight {
		return false
	}
	if !reg.nextRetryAt.IsZero() {
		if !allowQueued {
			return false
		}
		r.nextGen++
		reg.gen = r.nextGen
		reg.nextRetryAt = time.Time{}
	}
	reg.inFlight = true
	return true
}

func (r *RefreshScheduler) runAll(ctx context.Context, ids []string, trigger string) int {
	if len(ids) == 0 {
		return 0
	}
	var (
		mu        sync.Mutex
		succeeded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.refreshConcurrency())
	for _, id := range ids {
		g.Go(func() error {
			if _, err := r.attempt(gctx, id, trigger); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return succeeded
}

// attempt runs one refresh for a claimed registration and applies the
// retry policy to the outcome.
func (r *RefreshScheduler) attempt(ctx context.Context, sessionID, trigger string) (domain.Session, error) {
	started := r.now()
	r.mu.Lock()
	if reg, ok := r.regs[sessionID]; ok {
		reg.lastRefreshAttempt = started
	}
	r.mu.Unlock()

	s, err := r.sessions.RefreshSession(withRefreshTrigger(ctx, trigger), sessionID)

	r.mu.Lock()
	reg, ok := r.regs[sessionID]
	if ok {
		reg.inFlight = false
	}
	if err == nil {
		if ok {
			r.nextGen++
			reg.gen = r.nextGen
			reg.retryCount = 0
			reg.nextRetryAt = time.Time{}
		}
		r.mu.Unlock()
		r.logger.Debug("session refreshed", "session_id", sessionID, "trigger", trigger, "expires_at", s.ExpiresAt)
		return s, nil
	}

	switch {
	case ctx.Err() != nil:
		r.mu.Unlock()
		return domain.Session{}, err
	case errors.Is(err, domain.ErrRefreshInProgress):
		r.mu.Unlock()
		return domain.Session{}, err
	case errors.Is(err, domain.ErrNotFound):
		delete(r.regs, sessionID)
		r.mu.Unlock()
		r.logger.Info("session no longer refreshable", "session_id", sessionID, "error", err)
		return domain.Session{}, err
	case errors.Is(err, domain.ErrInvalidState):
		attemptNo, userID := 1, ""
		if ok {
			attemptNo = reg.retryCount + 1
			userID = reg.userID
		}
		delete(r.regs, sessionID)
		r.mu.Unlock()
		observability.RecordRefreshRetry(ctx, "terminal")
		r.logger.Warn("session refresh rejected, giving up", "session_id", sessionID, "attempt", attemptNo, "error", err)
		r.events.Publish(ctx, domain.Event{
			Type:       domain.EventRefreshFailed,
			SessionID:  sessionID,
			UserID:     userID,
			OccurredAt: r.now(),
			Attempt:    attemptNo,
			WillRetry:  false,
			Error:      err.Error(),
		})
		return domain.Session{}, err
	}

	attemptNo := 1
	willRetry := false
	var delay time.Duration
	if ok {
		reg.retryCount++
		attemptNo = reg.retryCount
		if reg.retryCount < r.opts.MaxRefreshRetries {
			willRetry = true
			delay = r.opts.BaseRetryDelay << (reg.retryCount - 1)
			r.nextGen++
			reg.gen = r.nextGen
			reg.nextRetryAt = r.now().Add(delay)
			heap.Push(&r.retries, retryItem{sessionID: sessionID, due: reg.nextRetryAt, gen: reg.gen})
		} else {
			delete(r.regs, sessionID)
		}
	}
	userID := ""
	if ok {
		userID = reg.userID
	}
	r.mu.Unlock()

	if willRetry {
		observability.RecordRefreshRetry(ctx, "scheduled")
		r.notify()
		r.logger.Warn("session refresh failed, retry scheduled", "session_id", sessionID, "attempt", attemptNo, "retry_in", delay, "error", err)
	} else {
		observability.RecordRefreshRetry(ctx, "exhausted")
		r.logger.Error("session refresh failed, giving up", "session_id", sessionID, "attempt", attemptNo, "error", err)
	}
	r.events.Publish(ctx, domain.Event{
		Type:        domain.EventRefreshFailed,
		SessionID:   sessionID,
		UserID:      userID,
		OccurredAt:  r.now(),
		Attempt:     attemptNo,
		WillRetry:   willRetry,
		NextRetryIn: delay,
		Error:       err.Error(),
	})
	return domain.Session{}, err
}
