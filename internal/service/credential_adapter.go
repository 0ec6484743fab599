package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

const CredentialKeyPrefix = "sso:session:"

const (
	credentialMetaDirectoryIdentity = "directory_identity"
	credentialMetaEmail             = "email"
	credentialMetaDisplayName       = "display_name"
	credentialMetaAuthMode          = "authentication_mode"
	credentialMetaLastActivityAt    = "last_activity_at"
	credentialMetaLastRefreshedAt   = "last_refreshed_at"
	credentialMetaDeviceID          = "device_id"
	credentialMetaIPAddress         = "ip_address"
	credentialMetaUserAgent         = "user_agent"
	credentialMetaGroups            = "groups"
	credentialMetaClaims            = "claims"
)

func CredentialKey(sessionID string) string {
	return CredentialKeyPrefix + sessionID
}

// SessionToCredential projects a session onto its storage form.
func SessionToCredential(s domain.Session) domain.Credential {
	expiresAt := s.ExpiresAt
	meta := map[string]string{
		domain.CredentialMetaSessionID: s.ID,
		domain.CredentialMetaUsername:  s.Username,
		domain.CredentialMetaCreatedAt: s.CreatedAt.UTC().Format(time.RFC3339Nano),
		domain.CredentialMetaState:     string(s.State),
		credentialMetaLastActivityAt:   s.LastActivityAt.UTC().Format(time.RFC3339Nano),
	}
	putIfSet(meta, credentialMetaDirectoryIdentity, s.DirectoryIdentity)
	putIfSet(meta, credentialMetaEmail, s.Email)
	putIfSet(meta, credentialMetaDisplayName, s.DisplayName)
	putIfSet(meta, credentialMetaAuthMode, string(s.AuthenticationMode))
	putIfSet(meta, credentialMetaDeviceID, s.DeviceID)
	putIfSet(meta, credentialMetaIPAddress, s.IPAddress)
	putIfSet(meta, credentialMetaUserAgent, s.UserAgent)
	if s.LastRefreshedAt != nil {
		meta[credentialMetaLastRefreshedAt] = s.LastRefreshedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(s.Groups) > 0 {
		if raw, err := json.Marshal(s.Groups); err == nil {
			meta[credentialMetaGroups] = string(raw)
		}
	}
	if len(s.Claims) > 0 {
		if raw, err := json.Marshal(s.Claims); err == nil {
			meta[credentialMetaClaims] = string(raw)
		}
	}
	return domain.Credential{
		UserID:        s.UserID,
		Type:          domain.CredentialTypeSSOSession,
		AccessToken:   s.AccessToken,
		RefreshToken:  s.RefreshToken,
		ExpiresAt:     &expiresAt,
		DirectoryType: s.SourceDirectory,
		Metadata:      meta,
	}
}

// SessionFromCredential rebuilds a session from its storage form.
func SessionFromCredential(c domain.Credential) (domain.Session, error) {
	meta := c.Metadata
	id := meta[domain.CredentialMetaSessionID]
	if id == "" {
		return domain.Session{}, errors.New("credential metadata missing session id")
	}
	if c.UserID == "" {
		return domain.Session{}, errors.New("credential missing user id")
	}
	if c.ExpiresAt == nil {
		return domain.Session{}, errors.New("credential missing expiry")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, meta[domain.CredentialMetaCreatedAt])
	if err != nil {
		return domain.Session{}, fmt.Errorf("parse credential created_at: %w", err)
	}
	state, ok := domain.ParseSessionState(meta[domain.CredentialMetaState])
	if !ok || state == domain.SessionStateRefreshing {
		state = domain.SessionStateActive
	}
	s := domain.Session{
		ID:                 id,
		UserID:             c.UserID,
		Username:           meta[domain.CredentialMetaUsername],
		DirectoryIdentity:  meta[credentialMetaDirectoryIdentity],
		Email:              meta[credentialMetaEmail],
		DisplayName:        meta[credentialMetaDisplayName],
		AccessToken:        c.AccessToken,
		RefreshToken:       c.RefreshToken,
		AuthenticationMode: domain.AuthenticationMode(meta[credentialMetaAuthMode]),
		SourceDirectory:    c.DirectoryType,
		CreatedAt:          createdAt,
		ExpiresAt:          *c.ExpiresAt,
		LastActivityAt:     createdAt,
		State:              state,
		DeviceID:           meta[credentialMetaDeviceID],
		IPAddress:          meta[credentialMetaIPAddress],
		UserAgent:          meta[credentialMetaUserAgent],
	}
	if raw := meta[credentialMetaLastActivityAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.LastActivityAt = t
		}
	}
	if raw := meta[credentialMetaLastRefreshedAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.LastRefreshedAt = &t
		}
	}
	if raw := meta[credentialMetaGroups]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Groups)
	}
	if raw := meta[credentialMetaClaims]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &s.Claims)
	}
	return s, nil
}

// CredentialAdapter mirrors sessions into a CredentialStore, sealing token
// material when a sealer is configured.
type CredentialAdapter struct {
	store  repository.CredentialStore
	sealer *security.Sealer
	logger *slog.Logger
}

func NewCredentialAdapter(store repository.CredentialStore, sealer *security.Sealer, logger *slog.Logger) *CredentialAdapter {
	if store == nil {
		store = repository.NewNoopCredentialStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialAdapter{store: store, sealer: sealer, logger: logger.With("component", "credential_adapter")}
}

func (a *CredentialAdapter) Store(ctx context.Context, s domain.Session) error {
	key := CredentialKey(s.ID)
	cred := SessionToCredential(s)
	if a.sealer != nil {
		var err error
		if cred.AccessToken, err = a.sealer.Seal(cred.AccessToken, key); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
		if cred.RefreshToken, err = a.sealer.Seal(cred.RefreshToken, key); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}
	if err := a.store.Store(ctx, key, cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Load returns domain.ErrNotFound when nothing usable is persisted for sessionID.
func (a *CredentialAdapter) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	key := CredentialKey(sessionID)
	cred, err := a.store.Get(ctx, key)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return domain.Session{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load credential: %w", err)
	}
	if a.sealer != nil {
		if cred.AccessToken, err = a.sealer.Open(cred.AccessToken, key); err != nil {
			a.logger.Warn("discarding unreadable credential", "session_id", sessionID, "error", err)
			return domain.Session{}, domain.ErrNotFound
		}
		if cred.RefreshToken, err = a.sealer.Open(cred.RefreshToken, key); err != nil {
			a.logger.Warn("discarding unreadable credential", "session_id", sessionID, "error", err)
			return domain.Session{}, domain.ErrNotFound
		}
	}
	s, err := SessionFromCredential(*cred)
	if err != nil {
		a.logger.Warn("discarding malformed credential", "session_id", sessionID, "error", err)
		return domain.Session{}, domain.ErrNotFound
	}
	if s.ID != sessionID {
		a.logger.Warn("credential session id mismatch", "key", key, "stored_session_id", s.ID)
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (a *CredentialAdapter) Remove(ctx context.Context, sessionID string) (bool, error) {
	removed, err := a.store.Remove(ctx, CredentialKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("remove credential: %w", err)
	}
	return removed, nil
}

// SessionIDs lists persisted session ids.
func (a *CredentialAdapter) SessionIDs(ctx context.Context) ([]string, error) {
	keys, err := a.store.List(ctx, CredentialKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, CredentialKeyPrefix))
	}
	return out, nil
}

// PurgeExpired asks the backing store to drop expired rows when it supports it.
func (a *CredentialAdapter) PurgeExpired(ctx context.Context) (int64, error) {
	purger, ok := a.store.(interface {
		PurgeExpired(ctx context.Context) (int64, error)
	})
	if !ok {
		return 0, nil
	}
	return purger.PurgeExpired(ctx)
}

func putIfSet(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}
