package domain

import (
	"slices"
	"time"
)

type SessionState string

const (
	SessionStateActive     SessionState = "active"
	SessionStateRefreshing SessionState = "refreshing"
	SessionStateExpiring   SessionState = "expiring"
	SessionStateExpired    SessionState = "expired"
	SessionStateRevoked    SessionState = "revoked"
)

func ParseSessionState(v string) (SessionState, bool) {
	switch s := SessionState(v); s {
	case SessionStateActive, SessionStateRefreshing, SessionStateExpiring, SessionStateExpired, SessionStateRevoked:
		return s, true
	default:
		return "", false
	}
}

type AuthenticationMode string

const (
	AuthenticationModePassword    AuthenticationMode = "password"
	AuthenticationModeCertificate AuthenticationMode = "certificate"
	AuthenticationModeFederated   AuthenticationMode = "federated"
	AuthenticationModeIntegrated  AuthenticationMode = "integrated"
)

// DirectoryType tags the provider that authenticated the user.
type DirectoryType string

const (
	DirectoryTypeLDAP            DirectoryType = "ldap"
	DirectoryTypeActiveDirectory DirectoryType = "active_directory"
	DirectoryTypeAzureAD         DirectoryType = "azure_ad"
	DirectoryTypeOIDC            DirectoryType = "oidc"
	DirectoryTypeLocal           DirectoryType = "local"
)

// Session is a live access window for an authenticated user. Empty strings
// stand in for absent optional values (refresh token, device, ip).
type Session struct {
	ID                 string             `json:"session_id"`
	UserID             string             `json:"user_id"`
	Username           string             `json:"username"`
	DirectoryIdentity  string             `json:"directory_identity,omitempty"`
	Email              string             `json:"email,omitempty"`
	DisplayName        string             `json:"display_name,omitempty"`
	AccessToken        string             `json:"-"`
	RefreshToken       string             `json:"-"`
	AuthenticationMode AuthenticationMode `json:"authentication_mode,omitempty"`
	SourceDirectory    DirectoryType      `json:"source_directory,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	ExpiresAt          time.Time          `json:"expires_at"`
	LastRefreshedAt    *time.Time         `json:"last_refreshed_at,omitempty"`
	LastActivityAt     time.Time          `json:"last_activity_at"`
	State              SessionState       `json:"state"`
	DeviceID           string             `json:"device_id,omitempty"`
	IPAddress          string             `json:"ip_address,omitempty"`
	UserAgent          string             `json:"user_agent,omitempty"`
	Groups             []string           `json:"groups,omitempty"`
	Claims             map[string]string  `json:"claims,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (s Session) Clone() Session {
	out := s
	if s.LastRefreshedAt != nil {
		t := *s.LastRefreshedAt
		out.LastRefreshedAt = &t
	}
	if s.Groups != nil {
		out.Groups = slices.Clone(s.Groups)
	}
	if s.Claims != nil {
		out.Claims = make(map[string]string, len(s.Claims))
		for k, v := range s.Claims {
			out.Claims[k] = v
		}
	}
	return out
}

func (s Session) HasRefreshToken() bool {
	return s.RefreshToken != ""
}

// AbsoluteExpiry is the ceiling no extension may cross.
func (s Session) AbsoluteExpiry(maxDuration time.Duration) time.Time {
	return s.CreatedAt.Add(maxDuration)
}

// LifetimeElapsed reports how much of the createdAt..expiresAt window has
// passed at now. A degenerate window counts as fully elapsed.
func (s Session) LifetimeElapsed(now time.Time) float64 {
	total := s.ExpiresAt.Sub(s.CreatedAt)
	if total <= 0 {
		return 1
	}
	return float64(now.Sub(s.CreatedAt)) / float64(total)
}

func (s Session) IsExpiredAt(now time.Time) bool {
	return s.State == SessionStateExpired || !now.Before(s.ExpiresAt)
}

// AuthResult is what an authentication provider hands over after a login attempt.
type AuthResult struct {
	IsAuthenticated    bool               `json:"is_authenticated"`
	UserID             string             `json:"user_id"`
	Username           string             `json:"username"`
	DirectoryIdentity  string             `json:"directory_identity,omitempty"`
	Email              string             `json:"email,omitempty"`
	DisplayName        string             `json:"display_name,omitempty"`
	AccessToken        string             `json:"access_token,omitempty"`
	RefreshToken       string             `json:"refresh_token,omitempty"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	AuthenticationMode AuthenticationMode `json:"authentication_mode,omitempty"`
	DirectoryType      DirectoryType      `json:"directory_type,omitempty"`
	Groups             []string           `json:"groups,omitempty"`
	Claims             map[string]string  `json:"claims,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
}

// SessionBinding carries the optional request context captured at creation
// and compared at validation time.
type SessionBinding struct {
	DeviceID  string
	IPAddress string
	UserAgent string
}

// SessionStats is a point-in-time view of the live session table.
type SessionStats struct {
	ActiveSessions     int                  `json:"active_sessions"`
	Users              int                  `json:"users"`
	ByState            map[SessionState]int `json:"by_state"`
	RefreshRegistered  int                  `json:"refresh_registered"`
	RefreshRetryQueued int                  `json:"refresh_retry_queued"`
}
