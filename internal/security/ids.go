package security

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID returns an opaque random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEventID returns a time-sortable identifier for event envelopes.
func NewEventID() string {
	return ulid.Make().String()
}
