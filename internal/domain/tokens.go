package domain

import "time"

// RefreshRequest is what a token refresher needs to exchange a refresh token.
type RefreshRequest struct {
	SessionID    string
	UserID       string
	Username     string
	AccessToken  string
	RefreshToken string
	Directory    DirectoryType
}

// TokenSet is the outcome of a refresh exchange. Empty fields keep the
// session's current values; nil ExpiresAt falls back to the default duration.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Groups       []string
	Claims       map[string]string
}
