package domain

import "time"

type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventSessionRefreshed EventType = "session_refreshed"
	EventSessionExpired   EventType = "session_expired"
	EventSessionRevoked   EventType = "session_revoked"
	EventSessionExpiring  EventType = "session_expiring"
	EventRefreshNeeded    EventType = "refresh_needed"
	EventRefreshFailed    EventType = "refresh_failed"
)

type RevocationReason string

const (
	RevocationReasonLogout       RevocationReason = "logout"
	RevocationReasonEvicted      RevocationReason = "evicted"
	RevocationReasonRevokeAll    RevocationReason = "revoke_all"
	RevocationReasonRevokeOthers RevocationReason = "revoke_others"
	RevocationReasonAdmin        RevocationReason = "admin"
)

// Event describes a session lifecycle change. Fields irrelevant to Type are zero.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	OldExpiresAt *time.Time       `json:"old_expires_at,omitempty"`
	NewExpiresAt *time.Time       `json:"new_expires_at,omitempty"`
	Reason       RevocationReason `json:"reason,omitempty"`

	ElapsedFraction float64       `json:"elapsed_fraction,omitempty"`
	TimeToExpiry    time.Duration `json:"time_to_expiry,omitempty"`

	Attempt     int           `json:"attempt,omitempty"`
	WillRetry   bool          `json:"will_retry,omitempty"`
	NextRetryIn time.Duration `json:"next_retry_in,omitempty"`
	Error       string        `json:"error,omitempty"`
}
