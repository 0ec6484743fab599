// Package config loads and validates sessiond configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env       string `mapstructure:"APP_ENV"`
	HTTPAddr  string `mapstructure:"HTTP_ADDR"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	ShutdownTimeout              time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	ShutdownHTTPDrainTimeout     time.Duration `mapstructure:"SHUTDOWN_HTTP_DRAIN_TIMEOUT"`
	ShutdownObservabilityTimeout time.Duration `mapstructure:"SHUTDOWN_OBSERVABILITY_TIMEOUT"`

	SessionDefaultDuration      time.Duration `mapstructure:"SESSION_DEFAULT_DURATION"`
	SessionMaxDuration          time.Duration `mapstructure:"SESSION_MAX_DURATION"`
	SessionSlidingExpiration    time.Duration `mapstructure:"SESSION_SLIDING_EXPIRATION"`
	SessionRefreshThreshold     float64       `mapstructure:"SESSION_REFRESH_THRESHOLD"`
	SessionRefreshCheckInterval time.Duration `mapstructure:"SESSION_REFRESH_CHECK_INTERVAL"`
	SessionEnableAutoRefresh    bool          `mapstructure:"SESSION_ENABLE_AUTO_REFRESH"`
	SessionPersist              bool          `mapstructure:"SESSION_PERSIST"`
	SessionMaxPerUser           int           `mapstructure:"SESSION_MAX_PER_USER"`
	SessionRevokeOldestOnMax    bool          `mapstructure:"SESSION_REVOKE_OLDEST_ON_MAX"`
	SessionEnforceDeviceBinding bool          `mapstructure:"SESSION_ENFORCE_DEVICE_BINDING"`
	SessionEnforceIPBinding     bool          `mapstructure:"SESSION_ENFORCE_IP_BINDING"`
	SessionMaxRefreshRetries    int           `mapstructure:"SESSION_MAX_REFRESH_RETRIES"`
	SessionBaseRetryDelay       time.Duration `mapstructure:"SESSION_BASE_RETRY_DELAY"`
	SessionExpiryWarning        time.Duration `mapstructure:"SESSION_EXPIRY_WARNING"`
	SessionCleanupInterval      time.Duration `mapstructure:"SESSION_CLEANUP_INTERVAL"`
	SessionLookupMissTTL        time.Duration `mapstructure:"SESSION_LOOKUP_MISS_TTL"`

	CredentialBackend string `mapstructure:"CREDENTIAL_BACKEND"`
	CredentialSealKey string `mapstructure:"CREDENTIAL_SEAL_KEY"`
	RedisAddr         string `mapstructure:"REDIS_ADDR"`
	RedisPassword     string `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int    `mapstructure:"REDIS_DB"`
	RedisPrefix       string `mapstructure:"REDIS_PREFIX"`
	DatabaseDriver    string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`

	RefreshProvider    string        `mapstructure:"REFRESH_PROVIDER"`
	OAuth2ClientID     string        `mapstructure:"OAUTH2_CLIENT_ID"`
	OAuth2ClientSecret string        `mapstructure:"OAUTH2_CLIENT_SECRET"`
	OAuth2TokenURL     string        `mapstructure:"OAUTH2_TOKEN_URL"`
	OAuth2Scopes       string        `mapstructure:"OAUTH2_SCOPES"`
	OIDCIssuer         string        `mapstructure:"OIDC_ISSUER"`
	JWTIssuer          string        `mapstructure:"JWT_ISSUER"`
	JWTAudience        string        `mapstructure:"JWT_AUDIENCE"`
	JWTSigningSecret   string        `mapstructure:"JWT_SIGNING_SECRET"`
	JWTAccessTTL       time.Duration `mapstructure:"JWT_ACCESS_TTL"`

	AdminAPITokenSecret string        `mapstructure:"ADMIN_API_TOKEN_SECRET"`
	APIRateLimitRPM     int           `mapstructure:"API_RATE_LIMIT_RPM"`
	IdempotencyTTL      time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	OTELServiceName           string        `mapstructure:"OTEL_SERVICE_NAME"`
	OTELEnvironment           string        `mapstructure:"OTEL_ENVIRONMENT"`
	OTELExporterOTLPEndpoint  string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELExporterOTLPInsecure  bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTELMetricsEnabled        bool          `mapstructure:"OTEL_METRICS_ENABLED"`
	OTELTracingEnabled        bool          `mapstructure:"OTEL_TRACING_ENABLED"`
	OTELLogsEnabled           bool          `mapstructure:"OTEL_LOGS_ENABLED"`
	OTELMetricsExportInterval time.Duration `mapstructure:"OTEL_METRICS_EXPORT_INTERVAL"`
	OTELTraceSamplingRatio    float64       `mapstructure:"OTEL_TRACE_SAMPLING_RATIO"`
	OTELHTTPEnabled           bool          `mapstructure:"OTEL_HTTP_ENABLED"`
	PrometheusEnabled         bool          `mapstructure:"PROMETHEUS_ENABLED"`
}

var defaults = map[string]any{
	"APP_ENV":   "development",
	"HTTP_ADDR": ":8080",
	"LOG_LEVEL": "info",
	// text selects the colourised console handler.
	"LOG_FORMAT": "json",

	"SHUTDOWN_TIMEOUT":               "20s",
	"SHUTDOWN_HTTP_DRAIN_TIMEOUT":    "10s",
	"SHUTDOWN_OBSERVABILITY_TIMEOUT": "5s",

	"SESSION_DEFAULT_DURATION":       "8h",
	"SESSION_MAX_DURATION":           "168h",
	"SESSION_SLIDING_EXPIRATION":     "30m",
	"SESSION_REFRESH_THRESHOLD":      0.8,
	"SESSION_REFRESH_CHECK_INTERVAL": "1m",
	"SESSION_ENABLE_AUTO_REFRESH":    true,
	"SESSION_PERSIST":                true,
	"SESSION_MAX_PER_USER":           5,
	"SESSION_REVOKE_OLDEST_ON_MAX":   true,
	"SESSION_ENFORCE_DEVICE_BINDING": false,
	"SESSION_ENFORCE_IP_BINDING":     false,
	"SESSION_MAX_REFRESH_RETRIES":    3,
	"SESSION_BASE_RETRY_DELAY":       "5s",
	"SESSION_EXPIRY_WARNING":         "5m",
	"SESSION_CLEANUP_INTERVAL":       "5m",
	// 0 disables caching of credential store misses.
	"SESSION_LOOKUP_MISS_TTL": "30s",

	"CREDENTIAL_BACKEND":  "memory",
	"CREDENTIAL_SEAL_KEY": "",
	"REDIS_ADDR":          "localhost:6379",
	"REDIS_PASSWORD":      "",
	"REDIS_DB":            0,
	"REDIS_PREFIX":        "sso_credentials",
	"DATABASE_DRIVER":     "sqlite",
	"DATABASE_URL":        "file:sessiond.db?cache=shared",

	"REFRESH_PROVIDER":     "none",
	"OAUTH2_CLIENT_ID":     "",
	"OAUTH2_CLIENT_SECRET": "",
	"OAUTH2_TOKEN_URL":     "",
	"OAUTH2_SCOPES":        "openid,profile,email",
	"OIDC_ISSUER":          "",
	"JWT_ISSUER":           "sessiond",
	"JWT_AUDIENCE":         "sessiond-api",
	"JWT_SIGNING_SECRET":   "",
	"JWT_ACCESS_TTL":       "15m",

	"ADMIN_API_TOKEN_SECRET": "",
	"API_RATE_LIMIT_RPM":     600,
	"IDEMPOTENCY_TTL":        "24h",

	"OTEL_SERVICE_NAME":            "sessiond",
	"OTEL_ENVIRONMENT":             "development",
	"OTEL_EXPORTER_OTLP_ENDPOINT":  "localhost:4317",
	"OTEL_EXPORTER_OTLP_INSECURE":  true,
	"OTEL_METRICS_ENABLED":         false,
	"OTEL_TRACING_ENABLED":         false,
	"OTEL_LOGS_ENABLED":            false,
	"OTEL_METRICS_EXPORT_INTERVAL": "15s",
	"OTEL_TRACE_SAMPLING_RATIO":    1.0,
	"OTEL_HTTP_ENABLED":            false,
	"PROMETHEUS_ENABLED":           true,
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Environment variables override the file.
func Load() (*Config, error) {
	return LoadFile(".env")
}

func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		err = fmt.Errorf("parse config: %w", err)
		recordConfigLoad(context.Background(), nil, v.GetString("APP_ENV"), err)
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		recordConfigLoad(context.Background(), &cfg, "", err)
		return nil, err
	}
	recordConfigLoad(context.Background(), &cfg, "", nil)
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HTTPAddr) == "" {
		problems = append(problems, "HTTP_ADDR must be set")
	}
	if c.SessionDefaultDuration <= 0 {
		problems = append(problems, "SESSION_DEFAULT_DURATION must be positive")
	}
	if c.SessionMaxDuration < c.SessionDefaultDuration {
		problems = append(problems, "SESSION_MAX_DURATION must be >= SESSION_DEFAULT_DURATION")
	}
	if c.SessionSlidingExpiration < 0 {
		problems = append(problems, "SESSION_SLIDING_EXPIRATION must not be negative")
	}
	if c.SessionRefreshThreshold < 0 || c.SessionRefreshThreshold > 1 {
		problems = append(problems, "SESSION_REFRESH_THRESHOLD must be between 0 and 1")
	}
	if c.SessionRefreshCheckInterval <= 0 {
		problems = append(problems, "SESSION_REFRESH_CHECK_INTERVAL must be positive")
	}
	if c.SessionMaxPerUser < 0 {
		problems = append(problems, "SESSION_MAX_PER_USER must not be negative")
	}
	if c.SessionMaxRefreshRetries < 1 {
		problems = append(problems, "SESSION_MAX_REFRESH_RETRIES must be at least 1")
	}
	if c.SessionBaseRetryDelay <= 0 {
		problems = append(problems, "SESSION_BASE_RETRY_DELAY must be positive")
	}
	if c.SessionCleanupInterval <= 0 {
		problems = append(problems, "SESSION_CLEANUP_INTERVAL must be positive")
	}
	if c.SessionLookupMissTTL < 0 {
		problems = append(problems, "SESSION_LOOKUP_MISS_TTL must not be negative")
	}
	switch c.CredentialBackendName() {
	case "none", "memory", "redis":
	case "sql":
		switch strings.ToLower(c.DatabaseDriver) {
		case "sqlite", "postgres":
		default:
			problems = append(problems, "DATABASE_DRIVER must be sqlite or postgres")
		}
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, "DATABASE_URL is required for the sql credential backend")
		}
	default:
		problems = append(problems, "CREDENTIAL_BACKEND must be one of none, memory, redis, sql")
	}
	switch c.RefreshProviderName() {
	case "none":
	case "oauth2":
		if c.OAuth2TokenURL == "" && c.OIDCIssuer == "" {
			problems = append(problems, "OAUTH2_TOKEN_URL or OIDC_ISSUER is required for the oauth2 refresh provider")
		}
	case "jwt":
		if len(c.JWTSigningSecret) < 32 {
			problems = append(problems, "JWT_SIGNING_SECRET must be at least 32 bytes for the jwt refresh provider")
		}
	default:
		problems = append(problems, "REFRESH_PROVIDER must be one of none, oauth2, jwt")
	}
	if c.AdminAPITokenSecret != "" && len(c.AdminAPITokenSecret) < 32 {
		problems = append(problems, "ADMIN_API_TOKEN_SECRET must be at least 32 bytes")
	}
	if c.IdempotencyTTL < 0 {
		problems = append(problems, "IDEMPOTENCY_TTL must not be negative")
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		problems = append(problems, "OTEL_TRACE_SAMPLING_RATIO must be between 0 and 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("validate config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) CredentialBackendName() string {
	return strings.ToLower(strings.TrimSpace(c.CredentialBackend))
}

func (c *Config) RefreshProviderName() string {
	v := strings.ToLower(strings.TrimSpace(c.RefreshProvider))
	if v == "" {
		return "none"
	}
	return v
}

// OAuth2ScopeList splits the comma-separated OAUTH2_SCOPES value.
func (c *Config) OAuth2ScopeList() []string {
	if c == nil || c.OAuth2Scopes == "" {
		return nil
	}
	parts := strings.Split(c.OAuth2Scopes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
