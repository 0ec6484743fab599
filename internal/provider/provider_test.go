package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

const testIssuer = "https://idp.test"

func signIDToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign id_token: %v", err)
	}
	return raw
}

func newTokenServer(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("refresh_token") {
		case "rt-good":
			body := map[string]any{
				"access_token":  "at-new",
				"token_type":    "Bearer",
				"refresh_token": "rt-rotated",
				"expires_in":    3600,
			}
			if idToken != "" {
				body["id_token"] = idToken
			}
			_ = json.NewEncoder(w).Encode(body)
		case "rt-same":
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-new", "token_type": "Bearer", "refresh_token": "rt-same"})
		case "rt-revoked":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "token revoked"})
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"temporarily_unavailable"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthConfig(srv *httptest.Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "sessiond",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestOAuth2RefresherRotatesTokens(t *testing.T) {
	srv := newTokenServer(t, "")
	r := NewOAuth2Refresher(oauthConfig(srv), WithHTTPClient(srv.Client()))

	before := time.Now()
	got, err := r.RefreshTokens(context.Background(), domain.RefreshRequest{SessionID: "s1", UserID: "alice", RefreshToken: "rt-good"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.AccessToken != "at-new" || got.RefreshToken != "rt-rotated" {
		t.Fatalf("unexpected tokens: %+v", got)
	}
	if got.ExpiresAt == nil || got.ExpiresAt.Before(before.Add(59*time.Minute)) {
		t.Fatalf("expected expiry about an hour out, got %v", got.ExpiresAt)
	}
	if got.Groups != nil || got.Claims != nil {
		t.Fatalf("claims must be untouched without id_token verification: %+v", got)
	}

	same, err := r.RefreshTokens(context.Background(), domain.RefreshRequest{SessionID: "s1", UserID: "alice", RefreshToken: "rt-same"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if same.RefreshToken != "" {
		t.Fatalf("unrotated refresh token should be reported as empty, got %q", same.RefreshToken)
	}
	if same.ExpiresAt != nil {
		t.Fatalf("expected no expiry when provider omits expires_in")
	}
}

func TestOAuth2RefresherClassifiesFailures(t *testing.T) {
	srv := newTokenServer(t, "")
	r := NewOAuth2Refresher(oauthConfig(srv), WithHTTPClient(srv.Client()))
	ctx := context.Background()

	_, err := r.RefreshTokens(ctx, domain.RefreshRequest{SessionID: "s1", UserID: "alice", RefreshToken: "rt-revoked"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("invalid_grant should be terminal, got %v", err)
	}

	_, err = r.RefreshTokens(ctx, domain.RefreshRequest{SessionID: "s1", UserID: "alice", RefreshToken: "rt-flaky"})
	if err == nil || errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("server errors should be retryable, got %v", err)
	}

	_, err = r.RefreshTokens(ctx, domain.RefreshRequest{SessionID: "s1", UserID: "alice"})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("missing refresh token should be invalid state, got %v", err)
	}
}

func TestOAuth2RefresherAppliesVerifiedIDTokenClaims(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	idToken := signIDToken(t, key, jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    "sessiond",
		"sub":    "alice",
		"exp":    now.Add(time.Hour).Unix(),
		"iat":    now.Unix(),
		"email":  "alice@corp.example",
		"groups": []string{"vpn", "engineering"},
	})
	srv := newTokenServer(t, idToken)
	verifier := oidc.NewVerifier(testIssuer, &oidc.StaticKeySet{}, &oidc.Config{
		ClientID:                   "sessiond",
		InsecureSkipSignatureCheck: true,
	})
	r := NewOAuth2Refresher(oauthConfig(srv), WithHTTPClient(srv.Client()), WithIDTokenVerifier(verifier))

	got, err := r.RefreshTokens(context.Background(), domain.RefreshRequest{SessionID: "s1", UserID: "alice", RefreshToken: "rt-good"})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(got.Groups) != 2 || got.Groups[0] != "engineering" || got.Groups[1] != "vpn" {
		t.Fatalf("unexpected groups: %v", got.Groups)
	}
	if got.Claims["email"] != "alice@corp.example" || got.Claims["sub"] != "alice" {
		t.Fatalf("unexpected claims: %v", got.Claims)
	}
}

func TestOAuth2RefresherRejectsIDTokenForOtherAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	idToken := signIDToken(t, key, jwt.MapClaims{
		"iss": testIssuer,
		"aud": "someone-else",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	srv := newTokenServer(t, idToken)
	verifier := oidc.NewVerifier(testIssuer, &oidc.StaticKeySet{}, &oidc.Config{ClientID: "sessiond", InsecureSkipSignatureCheck: true})
	r := NewOAuth2Refresher(oauthConfig(srv), WithHTTPClient(srv.Client()), WithIDTokenVerifier(verifier))

	if _, err := r.RefreshTokens(context.Background(), domain.RefreshRequest{SessionID: "s1", UserID: "alice", RefreshToken: "rt-good"}); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestJWTRefresherRotatesAndChecksOwnership(t *testing.T) {
	jm := security.NewJWTManager("sessiond", "sessiond-api", "access-secret-0123456789abcdefghij", "refresh-secret-0123456789abcdefghi")
	r := NewJWTRefresher(jm, 15*time.Minute, 24*time.Hour)

	issued, err := r.Issue("alice", "s1", []string{"staff"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.ExpiresAt == nil {
		t.Fatal("expected access token expiry")
	}

	req := domain.RefreshRequest{SessionID: "s1", UserID: "alice", AccessToken: issued.AccessToken, RefreshToken: issued.RefreshToken}
	next, err := r.RefreshTokens(context.Background(), req)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == issued.RefreshToken {
		t.Fatal("refresh token should rotate")
	}
	claims, err := jm.ParseAccessToken(next.AccessToken)
	if err != nil {
		t.Fatalf("parse new access token: %v", err)
	}
	if claims.Subject != "alice" || claims.SessionID != "s1" || len(claims.Groups) != 1 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	cases := []domain.RefreshRequest{
		{SessionID: "s1", UserID: "mallory", RefreshToken: issued.RefreshToken},
		{SessionID: "s2", UserID: "alice", RefreshToken: issued.RefreshToken},
		{SessionID: "s1", UserID: "alice", RefreshToken: issued.AccessToken},
		{SessionID: "s1", UserID: "alice", RefreshToken: "not-a-jwt"},
	}
	for _, c := range cases {
		if _, err := r.RefreshTokens(context.Background(), c); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("expected invalid state for %+v, got %v", c, err)
		}
	}
}
