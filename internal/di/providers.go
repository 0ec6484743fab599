package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/sso-session-core/internal/app"
	"github.com/sandeepkv93/sso-session-core/internal/config"
	"github.com/sandeepkv93/sso-session-core/internal/health"
	"github.com/sandeepkv93/sso-session-core/internal/http/handler"
	"github.com/sandeepkv93/sso-session-core/internal/http/middleware"
	"github.com/sandeepkv93/sso-session-core/internal/http/router"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/provider"
	"github.com/sandeepkv93/sso-session-core/internal/repository"
	"github.com/sandeepkv93/sso-session-core/internal/security"
	"github.com/sandeepkv93/sso-session-core/internal/service"
)

var ObservabilitySet = wire.NewSet(provideRuntime, provideLogger)

var PersistenceSet = wire.NewSet(provideCredentialBackend, provideSealer, provideCredentialAdapter, provideLookupMissCache)

var SessionSet = wire.NewSet(
	provideSessionOptions,
	repository.NewSessionStore,
	provideEventBus,
	provideTokenKeys,
	provideTokenRefresher,
	provideSessionManager,
	provideRefreshScheduler,
	provideBackgroundRefresher,
)

var HTTPSet = wire.NewSet(
	provideSessionHandler,
	provideEventsHandler,
	provideMetricsRegistry,
	provideReadiness,
	provideIdempotency,
	provideRouter,
	provideHTTPServer,
)

// CredentialBackend is the configured credential store with its readiness
// probe and close hook.
type CredentialBackend struct {
	Name  string
	Store repository.CredentialStore
	Check health.Checker
	Close func() error
	// Redis is set for the redis backend so caches can share the client.
	Redis redis.UniversalClient
}

// TokenKeys holds the JWT managers for the local refresh provider and the
// admin API. Either may be nil when unconfigured.
type TokenKeys struct {
	Issuer *security.JWTManager
	Admin  *security.JWTManager
}

func provideRuntime(ctx context.Context, cfg *config.Config) (*observability.Runtime, error) {
	bootstrap := observability.NewLogger(cfg, os.Stdout)
	return observability.InitRuntime(ctx, cfg, bootstrap)
}

func provideLogger(cfg *config.Config, runtime *observability.Runtime) *slog.Logger {
	logger := runtime.Logger(observability.NewLogger(cfg, os.Stdout))
	slog.SetDefault(logger)
	return logger
}

// provideSessionOptions projects the SESSION_* keys onto lifecycle policy.
func provideSessionOptions(cfg *config.Config) service.Options {
	opts := service.DefaultOptions()
	opts.DefaultSessionDuration = cfg.SessionDefaultDuration
	opts.MaxSessionDuration = cfg.SessionMaxDuration
	opts.SlidingExpiration = cfg.SessionSlidingExpiration
	opts.RefreshThreshold = cfg.SessionRefreshThreshold
	opts.RefreshCheckInterval = cfg.SessionRefreshCheckInterval
	opts.EnableAutoRefresh = cfg.SessionEnableAutoRefresh
	opts.PersistSessions = cfg.SessionPersist
	opts.MaxSessionsPerUser = cfg.SessionMaxPerUser
	opts.RevokeOldestOnMaxReached = cfg.SessionRevokeOldestOnMax
	opts.EnforceDeviceBinding = cfg.SessionEnforceDeviceBinding
	opts.EnforceIPBinding = cfg.SessionEnforceIPBinding
	opts.MaxRefreshRetries = cfg.SessionMaxRefreshRetries
	opts.BaseRetryDelay = cfg.SessionBaseRetryDelay
	opts.ExpiryWarning = cfg.SessionExpiryWarning
	return opts
}

func provideCredentialBackend(cfg *config.Config) (*CredentialBackend, error) {
	return OpenCredentialBackend(cfg)
}

// OpenCredentialBackend connects the store selected by CREDENTIAL_BACKEND.
func OpenCredentialBackend(cfg *config.Config) (*CredentialBackend, error) {
	name := cfg.CredentialBackendName()
	noClose := func() error { return nil }
	switch name {
	case "none":
		return &CredentialBackend{Name: name, Store: repository.NewNoopCredentialStore(), Close: noClose}, nil
	case "memory":
		return &CredentialBackend{Name: name, Store: repository.NewInMemoryCredentialStore(), Close: noClose}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return &CredentialBackend{
			Name:  name,
			Store: repository.NewRedisCredentialStore(client, cfg.RedisPrefix),
			Check: health.CheckFunc{Name: "redis", Fn: func(ctx context.Context) error { return client.Ping(ctx).Err() }},
			Close: client.Close,
			Redis: client,
		}, nil
	case "sql":
		db, err := repository.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		return &CredentialBackend{
			Name:  name,
			Store: repository.NewGormCredentialRepository(db),
			Check: health.CheckFunc{Name: "sql", Fn: sqlDB.PingContext},
			Close: sqlDB.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported credential backend %q", name)
	}
}

func provideSealer(cfg *config.Config) (*security.Sealer, error) {
	if cfg.CredentialSealKey == "" {
		return nil, nil
	}
	return security.NewSealer(cfg.CredentialSealKey)
}

func provideCredentialAdapter(backend *CredentialBackend, sealer *security.Sealer, logger *slog.Logger) *service.CredentialAdapter {
	return service.NewCredentialAdapter(backend.Store, sealer, logger)
}

// provideLookupMissCache shares misses through Redis when that is the
// credential backend and keeps them in process otherwise.
func provideLookupMissCache(cfg *config.Config, backend *CredentialBackend) service.LookupMissCache {
	switch {
	case cfg.SessionLookupMissTTL <= 0 || backend.Name == "none":
		return service.NewNoopLookupMissCache()
	case backend.Redis != nil:
		return service.NewRedisLookupMissCache(backend.Redis, cfg.RedisPrefix+":lookup_miss")
	default:
		return service.NewInMemoryLookupMissCache()
	}
}

func provideEventBus(logger *slog.Logger) *service.EventBus {
	return service.NewEventBus(logger)
}

func provideTokenKeys(cfg *config.Config) TokenKeys {
	var keys TokenKeys
	if cfg.RefreshProviderName() == "jwt" {
		keys.Issuer = security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSigningSecret, cfg.JWTSigningSecret+":refresh")
	}
	if cfg.AdminAPITokenSecret != "" {
		keys.Admin = security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.AdminAPITokenSecret, cfg.AdminAPITokenSecret)
	}
	return keys
}

func provideTokenRefresher(ctx context.Context, cfg *config.Config, keys TokenKeys, logger *slog.Logger) (service.TokenRefresher, error) {
	switch cfg.RefreshProviderName() {
	case "oauth2":
		httpClient := &http.Client{Timeout: 15 * time.Second}
		if cfg.OIDCIssuer != "" {
			return provider.NewOIDCRefresher(ctx, cfg.OIDCIssuer, cfg.OAuth2ClientID, cfg.OAuth2ClientSecret, cfg.OAuth2ScopeList(),
				provider.WithHTTPClient(httpClient), provider.WithLogger(logger))
		}
		return provider.NewOAuth2Refresher(&oauth2.Config{
			ClientID:     cfg.OAuth2ClientID,
			ClientSecret: cfg.OAuth2ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuth2TokenURL},
			Scopes:       cfg.OAuth2ScopeList(),
		}, provider.WithHTTPClient(httpClient), provider.WithLogger(logger)), nil
	case "jwt":
		return provider.NewJWTRefresher(keys.Issuer, cfg.JWTAccessTTL, cfg.SessionMaxDuration), nil
	default:
		return nil, nil
	}
}

func provideSessionManager(
	cfg *config.Config,
	store *repository.SessionStore,
	opts service.Options,
	adapter *service.CredentialAdapter,
	misses service.LookupMissCache,
	refresher service.TokenRefresher,
	bus *service.EventBus,
	logger *slog.Logger,
) (*service.SessionManager, error) {
	options := []service.ManagerOption{
		service.WithManagerLogger(logger),
		service.WithCredentialAdapter(adapter),
		service.WithEventPublisher(bus),
		service.WithLookupMissCache(misses, cfg.SessionLookupMissTTL),
	}
	if refresher != nil {
		options = append(options, service.WithTokenRefresher(refresher))
	}
	return service.NewSessionManager(store, opts, options...)
}

// provideRefreshScheduler returns nil when auto refresh is disabled.
func provideRefreshScheduler(manager *service.SessionManager, opts service.Options, bus *service.EventBus, logger *slog.Logger) *service.RefreshScheduler {
	if !opts.EnableAutoRefresh {
		return nil
	}
	scheduler := service.NewRefreshScheduler(manager, opts,
		service.WithSchedulerLogger(logger),
		service.WithSchedulerEvents(bus),
	)
	manager.AttachRefreshRegistry(scheduler)
	return scheduler
}

func provideBackgroundRefresher(scheduler *service.RefreshScheduler) app.BackgroundRefresher {
	if scheduler == nil {
		return nil
	}
	return scheduler
}

func provideSessionHandler(manager *service.SessionManager, scheduler *service.RefreshScheduler) *handler.SessionHandler {
	if scheduler == nil {
		return handler.NewSessionHandler(manager, nil)
	}
	return handler.NewSessionHandler(manager, scheduler)
}

func provideEventsHandler(bus *service.EventBus, logger *slog.Logger) *handler.EventsHandler {
	return handler.NewEventsHandler(bus, logger, nil)
}

func provideMetricsRegistry(cfg *config.Config, manager *service.SessionManager) (*prometheus.Registry, error) {
	if !cfg.PrometheusEnabled {
		return nil, nil
	}
	return observability.NewPrometheusRegistry(manager)
}

func provideReadiness(backend *CredentialBackend) *health.ProbeRunner {
	if backend.Check == nil {
		return health.NewProbeRunner(time.Second, 0)
	}
	return health.NewProbeRunner(2*time.Second, time.Second, backend.Check)
}

// provideIdempotency returns nil when IDEMPOTENCY_TTL is zero.
func provideIdempotency(cfg *config.Config, backend *CredentialBackend) router.IdempotencyMiddlewareFactory {
	if cfg.IdempotencyTTL <= 0 {
		return nil
	}
	var store service.IdempotencyStore = service.NewInMemoryIdempotencyStore()
	if backend.Redis != nil {
		store = service.NewRedisIdempotencyStore(backend.Redis, cfg.RedisPrefix+":idempotency")
	}
	return middleware.NewIdempotencyMiddleware(store, cfg.IdempotencyTTL).Middleware
}

func provideRouter(
	cfg *config.Config,
	sessions *handler.SessionHandler,
	events *handler.EventsHandler,
	keys TokenKeys,
	logger *slog.Logger,
	readiness *health.ProbeRunner,
	metrics *prometheus.Registry,
	idempotency router.IdempotencyMiddlewareFactory,
) http.Handler {
	if keys.Admin == nil {
		logger.Warn("ADMIN_API_TOKEN_SECRET is empty; session API is unauthenticated")
	}
	return router.NewRouter(router.Dependencies{
		SessionHandler:  sessions,
		EventsHandler:   events,
		AdminJWT:        keys.Admin,
		Logger:          logger,
		APIRateLimitRPM: cfg.APIRateLimitRPM,
		Readiness:       readiness,
		Metrics:         metrics,
		EnableOTelHTTP:  cfg.OTELHTTPEnabled,
		Idempotency:     idempotency,
	})
}

func provideHTTPServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func provideApp(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	manager *service.SessionManager,
	refresher app.BackgroundRefresher,
	readiness *health.ProbeRunner,
	backend *CredentialBackend,
	bus *service.EventBus,
) *app.App {
	closeBus := func() error {
		bus.Close()
		return nil
	}
	return app.New(cfg, logger, server, runtime, manager, refresher, readiness, backend.Close, closeBus)
}
