package observability

import (
	"context"
	"log/slog"
	"net/http"
)

// Audit records an audit line for an admin request.
func Audit(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", r.Header.Get("X-Request-Id"),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}

// AuditSession records a session lifecycle transition.
func AuditSession(ctx context.Context, logger *slog.Logger, event, sessionID, userID string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	base := []any{
		"event", event,
		"session_id", sessionID,
		"user_id", userID,
	}
	base = append(base, attrs...)
	logger.InfoContext(ctx, "audit", base...)
}
