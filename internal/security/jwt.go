package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
	TokenTypeAdmin   = "admin"
)

type Claims struct {
	TokenType string   `json:"token_type"`
	SessionID string   `json:"sid,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

type JWTManager struct {
	issuer        string
	audience      string
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

func NewJWTManager(issuer, audience, accessSecret, refreshSecret string) *JWTManager {
	return &JWTManager{
		issuer:        issuer,
		audience:      audience,
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		now:           time.Now,
	}
}

// WithClock replaces the manager's time source.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	m.now = now
	return m
}

func (m *JWTManager) SignAccessToken(subject, sessionID string, groups []string, ttl time.Duration) (string, error) {
	return m.sign(TokenTypeAccess, subject, sessionID, groups, ttl, m.accessSecret)
}

func (m *JWTManager) SignRefreshToken(subject, sessionID string, ttl time.Duration) (string, error) {
	return m.sign(TokenTypeRefresh, subject, sessionID, nil, ttl, m.refreshSecret)
}

// SignAdminToken issues a bearer token for the session admin API.
func (m *JWTManager) SignAdminToken(subject string, ttl time.Duration) (string, error) {
	return m.sign(TokenTypeAdmin, subject, "", nil, ttl, m.accessSecret)
}

func (m *JWTManager) ParseAccessToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, TokenTypeAccess)
}

func (m *JWTManager) ParseRefreshToken(raw string) (*Claims, error) {
	return m.parse(raw, m.refreshSecret, TokenTypeRefresh)
}

func (m *JWTManager) ParseAdminToken(raw string) (*Claims, error) {
	return m.parse(raw, m.accessSecret, TokenTypeAdmin)
}

func (m *JWTManager) sign(tokenType, subject, sessionID string, groups []string, ttl time.Duration, secret []byte) (string, error) {
	now := m.now()
	claims := Claims{
		TokenType: tokenType,
		SessionID: sessionID,
		Groups:    groups,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			Audience:  []string{m.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (m *JWTManager) parse(raw string, secret []byte, tokenType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithAudience(m.audience), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("unexpected token type: %s", claims.TokenType)
	}
	return claims, nil
}
