// Package provider implements token refreshers that exchange a session's
// refresh token with the identity provider that issued it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
)

// OAuth2Refresher runs the refresh_token grant against an OAuth2 token
// endpoint. When a verifier is set, a returned id_token is verified and its
// claims replace the session's groups and claims.
type OAuth2Refresher struct {
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	logger     *slog.Logger
}

type OAuth2Option func(*OAuth2Refresher)

func WithIDTokenVerifier(v *oidc.IDTokenVerifier) OAuth2Option {
	return func(r *OAuth2Refresher) { r.verifier = v }
}

func WithHTTPClient(c *http.Client) OAuth2Option {
	return func(r *OAuth2Refresher) { r.httpClient = c }
}

func WithLogger(logger *slog.Logger) OAuth2Option {
	return func(r *OAuth2Refresher) { r.logger = logger }
}

func NewOAuth2Refresher(cfg *oauth2.Config, opts ...OAuth2Option) *OAuth2Refresher {
	r := &OAuth2Refresher{config: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "oauth2_refresher")
	return r
}

// NewOIDCRefresher discovers the issuer's token endpoint and wires an
// id_token verifier for clientID.
func NewOIDCRefresher(ctx context.Context, issuer, clientID, clientSecret string, scopes []string, opts ...OAuth2Option) (*OAuth2Refresher, error) {
	r := NewOAuth2Refresher(nil, opts...)
	if r.httpClient != nil {
		ctx = oidc.ClientContext(ctx, r.httpClient)
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %s: %w", issuer, err)
	}
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}
	r.config = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}
	if r.verifier == nil {
		r.verifier = p.Verifier(&oidc.Config{ClientID: clientID})
	}
	return r, nil
}

func (r *OAuth2Refresher) RefreshTokens(ctx context.Context, req domain.RefreshRequest) (*domain.TokenSet, error) {
	if r.config == nil {
		return nil, errors.New("oauth2 refresher is not configured")
	}
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", domain.ErrInvalidState)
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	// Without an access token the source always goes to the token endpoint.
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: req.RefreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	out := &domain.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		out.ExpiresAt = &expiry
	}
	if out.RefreshToken == req.RefreshToken {
		out.RefreshToken = ""
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" || r.verifier == nil {
		return out, nil
	}
	idToken, err := r.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Subject != req.UserID && idToken.Subject != req.Username {
		r.logger.Warn("id_token subject differs from session user", "session_id", req.SessionID, "user_id", req.UserID, "subject", idToken.Subject)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	out.Groups, out.Claims = splitClaims(raw)
	return out, nil
}

// classifyRefreshError marks grants the provider will never accept again as
// terminal so the scheduler stops retrying them.
func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return fmt.Errorf("%w: provider rejected refresh token (%s)", domain.ErrInvalidState, re.ErrorCode)
		}
		if re.Response != nil {
			return fmt.Errorf("token endpoint returned %d: %w", re.Response.StatusCode, err)
		}
	}
	return fmt.Errorf("refresh token grant: %w", err)
}

func splitClaims(raw map[string]any) ([]string, map[string]string) {
	var groups []string
	if v, ok := raw["groups"].([]any); ok {
		for _, g := range v {
			if s, ok := g.(string); ok && s != "" {
				groups = append(groups, s)
			}
		}
		sort.Strings(groups)
	}
	claims := make(map[string]string)
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			claims[k] = val
		case bool:
			claims[k] = strconv.FormatBool(val)
		case float64:
			claims[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return groups, claims
}
