package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/http/response"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/service"
)

const (
	IdempotencyKeyHeader      = "Idempotency-Key"
	IdempotencyReplayedHeader = "X-Idempotency-Replayed"

	maxIdempotencyKeyLength = 128
	maxIdempotentBodyBytes  = 1 << 20
)

type IdempotencyMiddleware struct {
	store  service.IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotencyMiddleware(store service.IdempotencyStore, ttl time.Duration) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{store: store, ttl: ttl, logger: slog.Default().With("component", "idempotency")}
}

// Middleware replays the stored response for a repeated Idempotency-Key.
// Requests without the header pass straight through; 5xx outcomes are not
// stored so the caller can retry.
func (m *IdempotencyMiddleware) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				observability.RecordIdempotencyDecision(r.Context(), scope, "invalid")
				response.Error(w, r, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "idempotency key is too long", nil)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBodyBytes))
			if err != nil {
				response.Error(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "request body too large", nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := requestFingerprint(r, body)

			begin, err := m.store.Begin(r.Context(), scope, key, fingerprint, m.ttl)
			if err != nil {
				observability.RecordIdempotencyDecision(r.Context(), scope, "store_error")
				m.logger.Warn("idempotency store unavailable; executing request", "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			observability.RecordIdempotencyDecision(r.Context(), scope, string(begin.State))

			switch begin.State {
			case service.IdempotencyStateConflict:
				response.Error(w, r, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request", nil)
				return
			case service.IdempotencyStateInProgress:
				response.Error(w, r, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "request with this idempotency key is in progress", nil)
				return
			case service.IdempotencyStateReplay:
				if begin.Cached.ContentType != "" {
					w.Header().Set("Content-Type", begin.Cached.ContentType)
				}
				w.Header().Set(IdempotencyReplayedHeader, "true")
				w.WriteHeader(begin.Cached.StatusCode)
				_, _ = w.Write(begin.Cached.Body)
				return
			}

			rec := &capturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			ctx := r.Context()
			if rec.status >= http.StatusInternalServerError {
				if err := m.store.Release(ctx, scope, key, fingerprint); err != nil {
					m.logger.Warn("idempotency claim not released", "scope", scope, "error", err)
				}
				return
			}
			cached := service.CachedHTTPResponse{
				StatusCode:  rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := m.store.Complete(ctx, scope, key, fingerprint, cached, m.ttl); err != nil {
				m.logger.Warn("idempotent response not stored", "scope", scope, "error", err)
			}
		})
	}
}

// requestFingerprint binds a key to the caller, route and payload.
func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	_, _ = io.WriteString(h, Actor(r.Context()))
	h.Write([]byte{0})
	_, _ = io.WriteString(h, r.Method+" "+r.URL.Path)
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type capturingResponseWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *capturingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingResponseWriter) Write(p []byte) (int, error) {
	if w.body.Len()+len(p) <= maxIdempotentBodyBytes {
		w.body.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

func (w *capturingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
