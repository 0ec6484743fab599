package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

func TestClassifyMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("create: %w", domain.ErrInvalidArgument), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.NewOperationError("refresh", "s1", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrNotRegistered, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrSessionLimitReached, http.StatusConflict, "SESSION_LIMIT_REACHED"},
		{domain.ErrRefreshInProgress, http.StatusConflict, "REFRESH_IN_PROGRESS"},
		{domain.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		status, code := Classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, status, code)
		}
	}
}

func TestFromErrorHidesInternalMessages(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-1")
	rr := httptest.NewRecorder()
	FromError(rr, req, errors.New("dial tcp 10.0.0.5:6379: connection refused"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Meta struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error.Message != "internal error" || body.Meta.RequestID != "req-1" {
		t.Fatalf("unexpected envelope: %+v", body)
	}
}
