package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/health"
	"github.com/sandeepkv93/sso-session-core/internal/http/handler"
	"github.com/sandeepkv93/sso-session-core/internal/http/middleware"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
	"github.com/sandeepkv93/sso-session-core/internal/security"
	"github.com/sandeepkv93/sso-session-core/internal/service"
)

type unhealthyChecker struct{}

func (unhealthyChecker) Check(ctx context.Context) health.CheckResult {
	return health.CheckResult{Name: "redis", Healthy: false, Error: "redis down"}
}

func newRouterTestDeps(t *testing.T) Dependencies {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts := service.DefaultOptions()
	opts.PersistSessions = false
	manager, err := service.NewSessionManager(repository.NewSessionStore(), opts, service.WithManagerLogger(logger))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	metrics, err := observability.NewPrometheusRegistry(manager)
	if err != nil {
		t.Fatalf("prometheus registry: %v", err)
	}
	return Dependencies{
		SessionHandler:  handler.NewSessionHandler(manager, nil),
		EventsHandler:   handler.NewEventsHandler(service.NewEventBus(logger), logger, nil),
		AdminJWT:        security.NewJWTManager("sessiond", "sessiond-api", "abcdefghijklmnopqrstuvwxyz123456", "abcdefghijklmnopqrstuvwxyz654321"),
		Logger:          logger,
		APIRateLimitRPM: 1000,
		Metrics:         metrics,
	}
}

func perform(r http.Handler, method, target string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.10.10.10:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func adminHeaders(t *testing.T, jwtMgr *security.JWTManager) map[string]string {
	t.Helper()
	token, err := jwtMgr.SignAdminToken("ops", time.Hour)
	if err != nil {
		t.Fatalf("sign admin token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestRouterHealthReadyNilAndUnreadyBranches(t *testing.T) {
	t.Run("nil readiness returns ready", func(t *testing.T) {
		dep := newRouterTestDeps(t)
		dep.Readiness = nil
		r := NewRouter(dep)

		rr := perform(r, http.MethodGet, "/health/ready", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"status":"ready"`) {
			t.Fatalf("expected ready status payload, got %s", rr.Body.String())
		}
	})

	t.Run("unready dependency returns 503", func(t *testing.T) {
		dep := newRouterTestDeps(t)
		dep.Readiness = health.NewProbeRunner(time.Second, 0, unhealthyChecker{})
		r := NewRouter(dep)

		rr := perform(r, http.MethodGet, "/health/ready", nil, "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"code":"DEPENDENCY_UNREADY"`) {
			t.Fatalf("expected DEPENDENCY_UNREADY error envelope, got %s", rr.Body.String())
		}
	})
}

func TestRouterHealthAndMetricsArePublic(t *testing.T) {
	dep := newRouterTestDeps(t)
	r := NewRouter(dep)

	rr := perform(r, http.MethodGet, "/health/live", nil, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected health live payload, got %d %s", rr.Code, rr.Body.String())
	}
	rr = perform(r, http.MethodGet, "/metrics", nil, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "sso_sessions_active") {
		t.Fatalf("expected session gauges in /metrics, got %d", rr.Code)
	}
}

func TestRouterSessionAPIRequiresAdminToken(t *testing.T) {
	dep := newRouterTestDeps(t)
	r := NewRouter(dep)

	rr := perform(r, http.MethodGet, "/api/v1/sessions/stats", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr = perform(r, http.MethodGet, "/api/v1/sessions/stats", adminHeaders(t, dep.AdminJWT), "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"active_sessions":0`) {
		t.Fatalf("expected stats, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouterSessionLifecycleRoutes(t *testing.T) {
	dep := newRouterTestDeps(t)
	r := NewRouter(dep)
	headers := adminHeaders(t, dep.AdminJWT)

	rr := perform(r, http.MethodPost, "/api/v1/sessions", headers, `{"auth":{"is_authenticated":true,"user_id":"alice","username":"alice"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	start := strings.Index(body, `"session_id":"`) + len(`"session_id":"`)
	id := body[start : start+strings.Index(body[start:], `"`)]

	routes := []struct {
		method string
		path   string
		body   string
		status int
	}{
		{http.MethodGet, "/api/v1/sessions/" + id, "", http.StatusOK},
		{http.MethodPost, "/api/v1/sessions/" + id + "/validate", "", http.StatusOK},
		{http.MethodPost, "/api/v1/sessions/" + id + "/touch", "", http.StatusOK},
		{http.MethodPost, "/api/v1/sessions/" + id + "/refresh", "", http.StatusConflict},
		{http.MethodGet, "/api/v1/users/alice/sessions", "", http.StatusOK},
		{http.MethodPost, "/api/v1/users/alice/sessions/revoke-others", `{"except_session_id":"` + id + `"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/refresh/pending", "", http.StatusConflict},
		{http.MethodDelete, "/api/v1/sessions/" + id, "", http.StatusOK},
		{http.MethodDelete, "/api/v1/users/alice/sessions", "", http.StatusOK},
	}
	for _, rt := range routes {
		rr := perform(r, rt.method, rt.path, headers, rt.body)
		if rr.Code != rt.status {
			t.Fatalf("%s %s: expected %d, got %d %s", rt.method, rt.path, rt.status, rr.Code, rr.Body.String())
		}
	}
}

func TestRouterFallbackRateLimiter(t *testing.T) {
	dep := newRouterTestDeps(t)
	dep.APIRateLimitRPM = 1
	r := NewRouter(dep)
	headers := adminHeaders(t, dep.AdminJWT)

	first := perform(r, http.MethodGet, "/api/v1/sessions/stats", headers, "")
	if first.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", first.Code)
	}
	second := perform(r, http.MethodGet, "/api/v1/sessions/stats", headers, "")
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429 from fallback limiter, got %d", second.Code)
	}
	if live := perform(r, http.MethodGet, "/health/live", nil, ""); live.Code != http.StatusOK {
		t.Fatalf("health probes are not rate limited, got %d", live.Code)
	}
}

func TestRouterCustomGlobalLimiterOverridesDefault(t *testing.T) {
	dep := newRouterTestDeps(t)
	hits := 0
	dep.GlobalRateLimiter = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusNoContent)
		})
	}
	r := NewRouter(dep)

	rr := perform(r, http.MethodGet, "/api/v1/sessions/stats", adminHeaders(t, dep.AdminJWT), "")
	if rr.Code != http.StatusNoContent || hits != 1 {
		t.Fatalf("expected custom limiter, got %d hits=%d", rr.Code, hits)
	}
}

func TestRouterIdempotentSessionCreate(t *testing.T) {
	dep := newRouterTestDeps(t)
	dep.Idempotency = middleware.NewIdempotencyMiddleware(service.NewInMemoryIdempotencyStore(), time.Hour).Middleware
	r := NewRouter(dep)
	headers := adminHeaders(t, dep.AdminJWT)
	headers[middleware.IdempotencyKeyHeader] = "signin-callback-1"
	body := `{"auth":{"is_authenticated":true,"user_id":"alice","username":"alice"}}`

	first := perform(r, http.MethodPost, "/api/v1/sessions", headers, body)
	if first.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", first.Code, first.Body.String())
	}
	retry := perform(r, http.MethodPost, "/api/v1/sessions", headers, body)
	if retry.Code != http.StatusCreated || retry.Header().Get(middleware.IdempotencyReplayedHeader) != "true" {
		t.Fatalf("expected replayed create, got %d %v", retry.Code, retry.Header())
	}
	if retry.Body.String() != first.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), retry.Body.String())
	}

	list := perform(r, http.MethodGet, "/api/v1/users/alice/sessions", adminHeaders(t, dep.AdminJWT), "")
	if !strings.Contains(list.Body.String(), `"count":1`) {
		t.Fatalf("retried create must not add a session, got %s", list.Body.String())
	}
}
