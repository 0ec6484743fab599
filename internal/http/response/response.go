package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    meta      `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}, Meta: buildMeta(r)})
}

// FromError writes the envelope for a session operation failure. Unknown
// errors are reported as 500 without leaking their text.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	Error(w, r, status, code, message, nil)
}

// Classify maps domain sentinels to an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotRegistered):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrSessionLimitReached):
		return http.StatusConflict, "SESSION_LIMIT_REACHED"
	case errors.Is(err, domain.ErrRefreshInProgress):
		return http.StatusConflict, "REFRESH_IN_PROGRESS"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
