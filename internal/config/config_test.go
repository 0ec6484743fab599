package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.SessionDefaultDuration != 8*time.Hour {
		t.Fatalf("default duration=%s want 8h", cfg.SessionDefaultDuration)
	}
	if cfg.SessionMaxDuration != 7*24*time.Hour {
		t.Fatalf("max duration=%s want 168h", cfg.SessionMaxDuration)
	}
	if cfg.SessionSlidingExpiration != 30*time.Minute {
		t.Fatalf("sliding=%s want 30m", cfg.SessionSlidingExpiration)
	}
	if cfg.SessionRefreshThreshold != 0.8 {
		t.Fatalf("threshold=%v want 0.8", cfg.SessionRefreshThreshold)
	}
	if cfg.SessionRefreshCheckInterval != time.Minute || cfg.SessionBaseRetryDelay != 5*time.Second {
		t.Fatalf("unexpected scheduler timings: %+v", cfg)
	}
	if !cfg.SessionEnableAutoRefresh || !cfg.SessionPersist || !cfg.SessionRevokeOldestOnMax {
		t.Fatal("expected auto refresh, persistence and evict-oldest enabled by default")
	}
	if cfg.SessionMaxPerUser != 5 || cfg.SessionMaxRefreshRetries != 3 {
		t.Fatalf("limits=%d/%d want 5/3", cfg.SessionMaxPerUser, cfg.SessionMaxRefreshRetries)
	}
	if cfg.SessionEnforceDeviceBinding || cfg.SessionEnforceIPBinding {
		t.Fatal("expected binding enforcement disabled by default")
	}
}

func TestLoadFileEnvironmentOverrides(t *testing.T) {
	t.Setenv("SESSION_SLIDING_EXPIRATION", "0s")
	t.Setenv("SESSION_MAX_PER_USER", "0")
	t.Setenv("SESSION_ENFORCE_DEVICE_BINDING", "true")
	t.Setenv("CREDENTIAL_BACKEND", "redis")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionSlidingExpiration != 0 {
		t.Fatalf("expected sliding expiration disabled, got %s", cfg.SessionSlidingExpiration)
	}
	if cfg.SessionMaxPerUser != 0 {
		t.Fatalf("expected unlimited sessions per user, got %d", cfg.SessionMaxPerUser)
	}
	if !cfg.SessionEnforceDeviceBinding {
		t.Fatal("expected device binding override")
	}
	if cfg.CredentialBackendName() != "redis" {
		t.Fatalf("backend=%q want redis", cfg.CredentialBackendName())
	}
}

func TestLoadFileReadsDotEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.env")
	content := "SESSION_DEFAULT_DURATION=2h\nREFRESH_PROVIDER=jwt\nJWT_SIGNING_SECRET=0123456789abcdef0123456789abcdef\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	cfg, err := LoadFile(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionDefaultDuration != 2*time.Hour {
		t.Fatalf("default duration=%s want 2h", cfg.SessionDefaultDuration)
	}
	if cfg.RefreshProviderName() != "jwt" {
		t.Fatalf("provider=%q want jwt", cfg.RefreshProviderName())
	}
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		want  string
		class string
	}{
		{name: "threshold", key: "SESSION_REFRESH_THRESHOLD", value: "1.5", want: "SESSION_REFRESH_THRESHOLD", class: "session_policy"},
		{name: "max duration", key: "SESSION_MAX_DURATION", value: "1h", want: "SESSION_MAX_DURATION", class: "session_policy"},
		{name: "backend", key: "CREDENTIAL_BACKEND", value: "etcd", want: "CREDENTIAL_BACKEND", class: "credential_backend"},
		{name: "retries", key: "SESSION_MAX_REFRESH_RETRIES", value: "0", want: "SESSION_MAX_REFRESH_RETRIES", class: "session_policy"},
		{name: "provider", key: "REFRESH_PROVIDER", value: "jwt", want: "JWT_SIGNING_SECRET", class: "refresh_provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := LoadFile("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.HasPrefix(err.Error(), "validate config:") || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := classifyConfigLoadError(err); got != tc.class {
				t.Fatalf("classify=%q want %q", got, tc.class)
			}
		})
	}
}

func TestOAuth2ScopeList(t *testing.T) {
	cfg := &Config{OAuth2Scopes: " openid, ,email "}
	got := cfg.OAuth2ScopeList()
	if len(got) != 2 || got[0] != "openid" || got[1] != "email" {
		t.Fatalf("unexpected scopes: %v", got)
	}
}
