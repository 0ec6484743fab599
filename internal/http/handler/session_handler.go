package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/http/middleware"
	"github.com/sandeepkv93/sso-session-core/internal/http/response"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
)

const maxBodyBytes = 1 << 20

// SessionService is the manager surface exposed over HTTP.
type SessionService interface {
	CreateSession(ctx context.Context, auth domain.AuthResult, binding domain.SessionBinding) (domain.Session, error)
	ValidateSession(ctx context.Context, sessionID string, binding domain.SessionBinding) domain.ValidationResult
	RefreshSession(ctx context.Context, sessionID string) (domain.Session, error)
	TouchSession(ctx context.Context, sessionID string) error
	RevokeSessionWithReason(ctx context.Context, sessionID string, reason domain.RevocationReason) (bool, error)
	RevokeAllUserSessions(ctx context.Context, userID string) (int, error)
	RevokeOtherSessions(ctx context.Context, userID, exceptSessionID string) (int, error)
	GetSession(sessionID string) (domain.Session, bool)
	GetUserSessions(userID string) []domain.Session
	Stats() domain.SessionStats
}

// PendingRefresher runs every due background refresh on demand.
type PendingRefresher interface {
	RefreshAllPending(ctx context.Context) int
}

type SessionHandler struct {
	sessions  SessionService
	scheduler PendingRefresher
}

func NewSessionHandler(sessions SessionService, scheduler PendingRefresher) *SessionHandler {
	return &SessionHandler{sessions: sessions, scheduler: scheduler}
}

type bindingRequest struct {
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

func (b bindingRequest) toDomain() domain.SessionBinding {
	return domain.SessionBinding{
		DeviceID:  strings.TrimSpace(b.DeviceID),
		IPAddress: strings.TrimSpace(b.IPAddress),
		UserAgent: b.UserAgent,
	}
}

type createSessionRequest struct {
	Auth    domain.AuthResult `json:"auth"`
	Binding bindingRequest    `json:"binding"`
}

type revokeUserSessionsRequest struct {
	ExceptSessionID string `json:"except_session_id"`
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		response.FromError(w, r, err)
		return
	}
	s, err := h.sessions.CreateSession(r.Context(), req.Auth, req.Binding.toDomain())
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "admin.session.create", "actor", middleware.Actor(r.Context()), "session_id", s.ID, "user_id", s.UserID)
	response.JSON(w, r, http.StatusCreated, s)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.GetSession(chi.URLParam(r, "id"))
	if !ok {
		response.FromError(w, r, domain.ErrNotFound)
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

// Validate always answers 200; an invalid session is a result, not an error.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			response.FromError(w, r, err)
			return
		}
	}
	result := h.sessions.ValidateSession(r.Context(), chi.URLParam(r, "id"), req.toDomain())
	response.JSON(w, r, http.StatusOK, result)
}

func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.RefreshSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "admin.session.refresh", "actor", middleware.Actor(r.Context()), "session_id", s.ID)
	response.JSON(w, r, http.StatusOK, s)
}

func (h *SessionHandler) Touch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sessions.TouchSession(r.Context(), id); err != nil {
		response.FromError(w, r, err)
		return
	}
	s, ok := h.sessions.GetSession(id)
	if !ok {
		response.FromError(w, r, domain.ErrNotFound)
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

// Revoke is idempotent: revoking an unknown or already revoked session
// reports revoked=false with 200.
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	reason, err := parseRevocationReason(r.URL.Query().Get("reason"))
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	revoked, err := h.sessions.RevokeSessionWithReason(r.Context(), id, reason)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "admin.session.revoke", "actor", middleware.Actor(r.Context()), "session_id", id, "reason", reason, "revoked", revoked)
	response.JSON(w, r, http.StatusOK, map[string]any{"session_id": id, "revoked": revoked})
}

func (h *SessionHandler) ListUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sessions := h.sessions.GetUserSessions(userID)
	response.JSON(w, r, http.StatusOK, map[string]any{"user_id": userID, "sessions": sessions, "count": len(sessions)})
}

func (h *SessionHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	count, err := h.sessions.RevokeAllUserSessions(r.Context(), userID)
	if err != nil && count == 0 {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "admin.session.revoke_all", "actor", middleware.Actor(r.Context()), "user_id", userID, "revoked", count)
	response.JSON(w, r, http.StatusOK, revokeResult(userID, count, err))
}

func (h *SessionHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	var req revokeUserSessionsRequest
	if err := decodeJSON(r, &req); err != nil {
		response.FromError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ExceptSessionID) == "" {
		response.FromError(w, r, fmt.Errorf("%w: except_session_id is required", domain.ErrInvalidArgument))
		return
	}
	userID := chi.URLParam(r, "userID")
	count, err := h.sessions.RevokeOtherSessions(r.Context(), userID, req.ExceptSessionID)
	if err != nil && count == 0 {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "admin.session.revoke_others", "actor", middleware.Actor(r.Context()), "user_id", userID, "kept_session_id", req.ExceptSessionID, "revoked", count)
	response.JSON(w, r, http.StatusOK, revokeResult(userID, count, err))
}

func (h *SessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, h.sessions.Stats())
}

func (h *SessionHandler) RefreshPending(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		response.Error(w, r, http.StatusConflict, "AUTO_REFRESH_DISABLED", "background refresh is disabled", nil)
		return
	}
	refreshed := h.scheduler.RefreshAllPending(r.Context())
	observability.Audit(r, "admin.refresh.pending", "actor", middleware.Actor(r.Context()), "refreshed", refreshed)
	response.JSON(w, r, http.StatusOK, map[string]int{"refreshed": refreshed})
}

// revokeResult reports a partial bulk revocation alongside the count that
// did succeed.
func revokeResult(userID string, count int, err error) map[string]any {
	out := map[string]any{"user_id": userID, "revoked": count}
	if err != nil {
		out["partial_failure"] = err.Error()
	}
	return out
}

func parseRevocationReason(raw string) (domain.RevocationReason, error) {
	switch reason := domain.RevocationReason(strings.ToLower(strings.TrimSpace(raw))); reason {
	case "":
		return domain.RevocationReasonAdmin, nil
	case domain.RevocationReasonLogout, domain.RevocationReasonAdmin:
		return reason, nil
	default:
		return "", fmt.Errorf("%w: unsupported revocation reason %q", domain.ErrInvalidArgument, raw)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body too large", domain.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}
