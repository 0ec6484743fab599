package security

import (
	"strings"
	"testing"
	"time"
)

func TestJWTManagerRoundTripAndTypeChecks(t *testing.T) {
	mgr := NewJWTManager("sessiond", "sessiond-api", strings.Repeat("a", 32), strings.Repeat("b", 32))

	access, err := mgr.SignAccessToken("alice", "sess-1", []string{"admins"}, time.Minute)
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	claims, err := mgr.ParseAccessToken(access)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.Subject != "alice" || claims.SessionID != "sess-1" || len(claims.Groups) != 1 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := mgr.ParseRefreshToken(access); err == nil {
		t.Fatal("expected access token rejected as refresh token")
	}
	if _, err := mgr.ParseAdminToken(access); err == nil {
		t.Fatal("expected access token rejected as admin token")
	}

	admin, err := mgr.SignAdminToken("ops", time.Minute)
	if err != nil {
		t.Fatalf("sign admin: %v", err)
	}
	if _, err := mgr.ParseAdminToken(admin); err != nil {
		t.Fatalf("parse admin: %v", err)
	}
}

func TestJWTManagerRejectsExpiredToken(t *testing.T) {
	now := time.Now()
	mgr := NewJWTManager("iss", "aud", strings.Repeat("a", 32), strings.Repeat("b", 32)).
		WithClock(func() time.Time { return now })
	raw, err := mgr.SignRefreshToken("alice", "sess-1", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := mgr.ParseRefreshToken(raw); err == nil {
		t.Fatal("expected expired refresh token rejected")
	}
}

func TestSealerRoundTripBindsAdditionalData(t *testing.T) {
	sealer, err := NewSealer("0123456789abcdef-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := sealer.Seal("refresh-token", "sso:session:s1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) || strings.Contains(sealed, "refresh-token") {
		t.Fatalf("unexpected sealed value: %q", sealed)
	}
	plain, err := sealer.Open(sealed, "sso:session:s1")
	if err != nil || plain != "refresh-token" {
		t.Fatalf("open plain=%q err=%v", plain, err)
	}
	if _, err := sealer.Open(sealed, "sso:session:s2"); err == nil {
		t.Fatal("expected aad mismatch to fail")
	}
	if _, err := sealer.Open("plaintext", "sso:session:s1"); err == nil {
		t.Fatal("expected unsealed value rejected")
	}
	if out, err := sealer.Seal("", "x"); err != nil || out != "" {
		t.Fatalf("expected empty passthrough, got %q err=%v", out, err)
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer("short"); err == nil {
		t.Fatal("expected short key rejected")
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id %s", id)
		}
		seen[id] = true
	}
	a, b := NewEventID(), NewEventID()
	if a == b || len(a) != 26 {
		t.Fatalf("unexpected event ids %q %q", a, b)
	}
}
