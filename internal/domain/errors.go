package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidState       = errors.New("invalid session state")
	ErrNotFound           = errors.New("session not found")
	ErrNotRegistered      = errors.New("session not registered for refresh")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrRefreshInProgress  = errors.New("refresh already in progress")

	ErrSessionLimitReached = fmt.Errorf("%w: session limit reached", ErrInvalidState)
)

// OperationError ties a failure to the session operation that produced it.
type OperationError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *OperationError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func NewOperationError(op, sessionID string, err error) error {
	return &OperationError{Op: op, SessionID: sessionID, Err: err}
}
