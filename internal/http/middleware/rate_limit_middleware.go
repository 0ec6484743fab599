package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/http/response"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

// RateLimitPolicy combines a sustained sliding window with a token bucket
// that bounds bursts inside the window.
type RateLimitPolicy struct {
	SustainedLimit    int
	SustainedWindow   time.Duration
	BurstCapacity     int
	BurstRefillPerSec float64
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

type localLimiter struct {
	mu      sync.Mutex
	store   map[string]*localHybridState
	cleanup time.Time
	now     func() time.Time
}

type localHybridState struct {
	tokens     float64
	lastRefill time.Time
	hits       []time.Time
}

type RateLimiter struct {
	limiter Limiter
	policy  RateLimitPolicy
	scope   string
	keyFunc func(r *http.Request) string
}

func NewLocalLimiter(now func() time.Time) Limiter {
	if now == nil {
		now = time.Now
	}
	return &localLimiter{
		store:   make(map[string]*localHybridState),
		cleanup: now().Add(time.Minute),
		now:     now,
	}
}

// NewRateLimiter limits each admin subject (or client IP before auth) to
// limit requests per window.
func NewRateLimiter(scope string, limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithLimiter(NewLocalLimiter(nil), scope, NewRateLimitPolicy(limit, window), nil)
}

func NewRateLimiterWithLimiter(limiter Limiter, scope string, policy RateLimitPolicy, keyFunc func(r *http.Request) string) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = SubjectOrIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  normalizePolicy(policy),
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := rl.limiter.Allow(r.Context(), rl.keyFunc(r), rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error")
				slog.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "scope", rl.scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny")
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow")
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectOrIPKey keys authenticated requests by admin subject.
func SubjectOrIPKey(r *http.Request) string {
	if c, ok := ClaimsFromContext(r.Context()); ok && c.Subject != "" {
		return "sub:" + c.Subject
	}
	return "ip:" + clientIP(r)
}

func (rl *localLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.cleanup) {
		for k, v := range rl.store {
			if now.Sub(v.lastRefill) > 2*policy.SustainedWindow {
				delete(rl.store, k)
			}
		}
		rl.cleanup = now.Add(policy.SustainedWindow)
	}

	state, ok := rl.store[key]
	if !ok {
		state = &localHybridState{tokens: float64(policy.BurstCapacity), lastRefill: now}
		rl.store[key] = state
	}
	if now.After(state.lastRefill) {
		elapsed := now.Sub(state.lastRefill).Seconds()
		state.tokens = min(float64(policy.BurstCapacity), state.tokens+elapsed*policy.BurstRefillPerSec)
		state.lastRefill = now
	}

	cutoff := now.Add(-policy.SustainedWindow)
	pruned := state.hits[:0]
	for _, hit := range state.hits {
		if hit.After(cutoff) {
			pruned = append(pruned, hit)
		}
	}
	state.hits = pruned

	var bucketRetry, windowRetry time.Duration
	if state.tokens < 1 {
		bucketRetry = time.Duration(math.Ceil((1 - state.tokens) / policy.BurstRefillPerSec * float64(time.Second)))
	}
	if len(state.hits) >= policy.SustainedLimit {
		windowRetry = max(state.hits[0].Add(policy.SustainedWindow).Sub(now), 0)
	}

	allowed := bucketRetry <= 0 && len(state.hits) < policy.SustainedLimit
	if allowed {
		state.tokens = max(state.tokens-1, 0)
		state.hits = append(state.hits, now)
	}

	remaining := max(min(int(math.Floor(state.tokens)), policy.SustainedLimit-len(state.hits)), 0)
	retryAfter := max(bucketRetry, windowRetry)
	if !allowed && retryAfter <= 0 {
		retryAfter = time.Second
	}
	resetAt := now.Add(policy.SustainedWindow)
	if len(state.hits) > 0 {
		resetAt = state.hits[0].Add(policy.SustainedWindow)
	}
	if !allowed {
		resetAt = now.Add(retryAfter)
	}
	return Decision{Allowed: allowed, RetryAfter: retryAfter, Remaining: remaining, ResetAt: resetAt}, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(max(limit, 0)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

// NewRateLimitPolicy allows the full sustained limit as a single burst.
func NewRateLimitPolicy(limit int, window time.Duration) RateLimitPolicy {
	return normalizePolicy(RateLimitPolicy{SustainedLimit: limit, SustainedWindow: window})
}

func normalizePolicy(policy RateLimitPolicy) RateLimitPolicy {
	if policy.SustainedLimit <= 0 {
		policy.SustainedLimit = 1
	}
	if policy.SustainedWindow <= 0 {
		policy.SustainedWindow = time.Minute
	}
	if policy.BurstCapacity < policy.SustainedLimit {
		policy.BurstCapacity = policy.SustainedLimit
	}
	if policy.BurstRefillPerSec <= 0 {
		policy.BurstRefillPerSec = float64(policy.SustainedLimit) / policy.SustainedWindow.Seconds()
	}
	return policy
}
