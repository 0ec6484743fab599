package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/sso-session-core/internal/config"
	"github.com/sandeepkv93/sso-session-core/internal/health"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
	"github.com/sandeepkv93/sso-session-core/internal/service"
)

// Sweeper is the periodic expiry pass run by the app.
type Sweeper interface {
	SweepExpired(ctx context.Context) (service.SweepResult, error)
}

// BackgroundRefresher is started with the app and stopped before the
// credential backends are closed.
type BackgroundRefresher interface {
	Start(ctx context.Context)
	Stop()
}

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Sweeper       Sweeper
	Refresher     BackgroundRefresher
	Readiness     *health.ProbeRunner

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration
	CleanupInterval              time.Duration

	closers []func() error
}

// New assembles the app. refresher may be nil when background refresh is
// disabled; closers run last, in reverse order.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	sweeper Sweeper,
	refresher BackgroundRefresher,
	readiness *health.ProbeRunner,
	closers ...func() error,
) *App {
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Observability:                runtime,
		Sweeper:                      sweeper,
		Refresher:                    refresher,
		Readiness:                    readiness,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
		CleanupInterval:              cfg.SessionCleanupInterval,
		closers:                      closers,
	}
}

// Run serves until ctx is cancelled or a component fails, then shuts down
// in order: HTTP, background refresh, observability, backends.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.Refresher != nil {
		a.Refresher.Start(gctx)
	}

	if a.Sweeper != nil && a.CleanupInterval > 0 {
		g.Go(func() error {
			a.runSweeper(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.Sweeper.SweepExpired(ctx)
			if err != nil {
				a.Logger.Warn("session sweep incomplete", "error", err, "expired", res.Expired, "expiring", res.Expiring)
				continue
			}
			if res.Expired > 0 || res.Expiring > 0 || res.Purged > 0 {
				a.Logger.Info("session sweep", "expired", res.Expired, "expiring", res.Expiring, "purged", res.Purged, "persisted_orphans", res.PersistedOrphans)
			}
		}
	}
}

func (a *App) shutdown() error {
	a.Logger.Info("shutting down")
	total := a.ShutdownTimeout
	if total <= 0 {
		total = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), total)
	defer cancel()

	var errs []error
	drainCtx, drainCancel := boundedContext(ctx, a.ShutdownHTTPDrainTimeout)
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain http: %w", err))
	}
	drainCancel()

	a.StopBackgroundTasks()

	obsCtx, obsCancel := boundedContext(ctx, a.ShutdownObservabilityTimeout)
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	obsCancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.Logger.Error("shutdown finished with errors", "error", err)
	} else {
		a.Logger.Info("shutdown complete")
	}
	return err
}

func (a *App) StopBackgroundTasks() {
	if a.Refresher != nil {
		a.Refresher.Stop()
	}
}

func boundedContext(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
