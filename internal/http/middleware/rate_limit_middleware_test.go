package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/security"
)

type steppedClock struct{ now time.Time }

func (c *steppedClock) Now() time.Time { return c.now }

func TestLocalLimiterSlidingWindow(t *testing.T) {
	clock := &steppedClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	limiter := NewLocalLimiter(clock.Now)
	policy := NewRateLimitPolicy(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "ip:10.0.0.1", policy)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should be allowed: %+v %v", i, d, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 2-i, d.Remaining)
		}
	}
	denied, _ := limiter.Allow(ctx, "ip:10.0.0.1", policy)
	if denied.Allowed || denied.RetryAfter <= 0 {
		t.Fatalf("expected denial with retry hint, got %+v", denied)
	}
	if other, _ := limiter.Allow(ctx, "ip:10.0.0.2", policy); !other.Allowed {
		t.Fatal("keys must not share a budget")
	}

	clock.now = clock.now.Add(61 * time.Second)
	if d, _ := limiter.Allow(ctx, "ip:10.0.0.1", policy); !d.Allowed {
		t.Fatalf("expected window to slide, got %+v", d)
	}
}

func TestRateLimiterMiddlewareDeniesWithHeaders(t *testing.T) {
	rl := NewRateLimiter("api", 1, time.Minute)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/stats", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" || first.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers: %v", first.Header())
	}
	second := send()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if !strings.Contains(second.Body.String(), `"RATE_LIMITED"`) {
		t.Fatalf("expected error envelope, got %s", second.Body.String())
	}
}

func TestSubjectOrIPKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := SubjectOrIPKey(req); got != "ip:2001:db8::1" {
		t.Fatalf("unexpected ip key %q", got)
	}

	claims := &security.Claims{}
	claims.Subject = "ops"
	req = req.WithContext(context.WithValue(req.Context(), ClaimsContextKey, claims))
	if got := SubjectOrIPKey(req); got != "sub:ops" {
		t.Fatalf("unexpected subject key %q", got)
	}
}

func TestRequestLoggingRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))

	line := buf.String()
	for _, want := range []string{`"msg":"http.request"`, `"status":418`, `"bytes":15`, `"path":"/api/v1/sessions"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in log line %s", want, line)
		}
	}
}
