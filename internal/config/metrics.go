package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	loadCounterOnce sync.Once
	loadCounter     metric.Int64Counter
)

// recordConfigLoad counts load attempts by environment, selected backends
// and, on failure, the area of configuration that was rejected.
func recordConfigLoad(ctx context.Context, cfg *Config, env string, err error) {
	loadCounterOnce.Do(func() {
		counter, cerr := otel.Meter("sso-session-core/config").Int64Counter(
			"config.validation.events",
			metric.WithDescription("Configuration loads by outcome and rejected area"),
		)
		if cerr == nil {
			loadCounter = counter
		}
	})
	if loadCounter == nil {
		return
	}
	backend, refresh := "unknown", "unknown"
	if cfg != nil {
		env = cfg.Env
		backend = cfg.CredentialBackendName()
		refresh = cfg.RefreshProviderName()
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("env", normalizeConfigLabel(env)),
		attribute.String("credential_backend", normalizeConfigLabel(backend)),
		attribute.String("refresh_provider", normalizeConfigLabel(refresh)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", classifyConfigLoadError(err)),
	))
}

func normalizeConfigLabel(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// configAreas maps key prefixes to the area reported for a rejected key.
// Order matters: the first matching prefix wins.
var configAreas = []struct {
	prefix string
	area   string
}{
	{"SESSION_", "session_policy"},
	{"CREDENTIAL_", "credential_backend"},
	{"DATABASE_", "credential_backend"},
	{"REDIS_", "credential_backend"},
	{"REFRESH_PROVIDER", "refresh_provider"},
	{"OAUTH2_", "refresh_provider"},
	{"OIDC_", "refresh_provider"},
	{"JWT_", "refresh_provider"},
	{"ADMIN_API_", "http"},
	{"IDEMPOTENCY_", "http"},
	{"HTTP_", "http"},
	{"OTEL_", "observability"},
}

// classifyConfigLoadError names the area of the first rejected key, or
// parse/load for failures before validation.
func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.TrimSpace(err.Error())
	rest, ok := strings.CutPrefix(msg, "validate config:")
	if !ok {
		if strings.HasPrefix(msg, "parse ") {
			return "parse"
		}
		return "load"
	}
	first, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	for _, a := range configAreas {
		if strings.HasPrefix(first, a.prefix) {
			return a.area
		}
	}
	return "validation"
}
