package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandeepkv93/sso-session-core/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "sso-session-core"

type AppMetrics struct {
	sessionCreatedCounter    metric.Int64Counter
	sessionValidationCounter metric.Int64Counter
	sessionRefreshCounter    metric.Int64Counter
	sessionRevokedCounter    metric.Int64Counter
	sessionExpiredCounter    metric.Int64Counter
	refreshRetryCounter      metric.Int64Counter
	eventDroppedCounter      metric.Int64Counter
	repositoryOpCounter      metric.Int64Counter
	adminAuthCounter         metric.Int64Counter
	rateLimitCounter         metric.Int64Counter
	idempotencyCounter       metric.Int64Counter
	refreshDuration          metric.Float64Histogram
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	created, err := meter.Int64Counter("session.created")
	if err != nil {
		return nil, err
	}
	validated, err := meter.Int64Counter("session.validations")
	if err != nil {
		return nil, err
	}
	refreshed, err := meter.Int64Counter("session.refresh.attempts")
	if err != nil {
		return nil, err
	}
	revoked, err := meter.Int64Counter("session.revoked")
	if err != nil {
		return nil, err
	}
	expired, err := meter.Int64Counter("session.expired")
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("session.refresh.retries")
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("session.events.dropped")
	if err != nil {
		return nil, err
	}
	repoOps, err := meter.Int64Counter("repository.operations")
	if err != nil {
		return nil, err
	}
	adminAuth, err := meter.Int64Counter("http.admin_auth.decisions")
	if err != nil {
		return nil, err
	}
	rateLimit, err := meter.Int64Counter("http.rate_limit.decisions")
	if err != nil {
		return nil, err
	}
	idempotency, err := meter.Int64Counter("http.idempotency.decisions")
	if err != nil {
		return nil, err
	}
	refreshDuration, err := meter.Float64Histogram("session.refresh.duration", metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &AppMetrics{
		sessionCreatedCounter:    created,
		sessionValidationCounter: validated,
		sessionRefreshCounter:    refreshed,
		sessionRevokedCounter:    revoked,
		sessionExpiredCounter:    expired,
		refreshRetryCounter:      retries,
		eventDroppedCounter:      dropped,
		repositoryOpCounter:      repoOps,
		adminAuthCounter:         adminAuth,
		rateLimitCounter:         rateLimit,
		idempotencyCounter:       idempotency,
		refreshDuration:          refreshDuration,
	}, nil
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordSessionCreated(ctx context.Context, directory, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionCreatedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("directory", directory),
			attribute.String("status", status),
		),
	)
}

// RecordSessionValidation counts validations by failure reason; "valid" for successes.
func RecordSessionValidation(ctx context.Context, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionValidationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordSessionRefresh(ctx context.Context, trigger, status string, elapsed time.Duration) {
	m := currentMetrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	)
	m.sessionRefreshCounter.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func RecordSessionRevoked(ctx context.Context, reason string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionRevokedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func RecordSessionExpired(ctx context.Context, detectedBy string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionExpiredCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("detected_by", detectedBy)))
}

func RecordRefreshRetry(ctx context.Context, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.refreshRetryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordEventDropped(ctx context.Context, eventType string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.eventDroppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func RecordRepositoryOperation(ctx context.Context, repo, operation, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.repositoryOpCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("repository", repo),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

func RecordAdminAuth(ctx context.Context, outcome, source string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.adminAuthCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("source", source),
		),
	)
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		),
	)
}

func RecordIdempotencyDecision(ctx context.Context, scope, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.idempotencyCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("outcome", outcome),
		),
	)
}
