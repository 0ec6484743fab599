package sessioncheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/sso-session-core/internal/config"
	"github.com/sandeepkv93/sso-session-core/internal/di"
	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/security"
	"github.com/sandeepkv93/sso-session-core/internal/service"
	"github.com/sandeepkv93/sso-session-core/internal/tools/common"
	"github.com/sandeepkv93/sso-session-core/internal/tools/loadgen"
	"github.com/sandeepkv93/sso-session-core/internal/tools/ui"
)

// ExitCodeFailed is returned to the shell when any check fails.
const ExitCodeFailed = 4

type options struct {
	envFile string
	ci      bool
	baseURL string
	timeout time.Duration

	profile     string
	duration    time.Duration
	rps         int
	concurrency int
	seed        uint64
}

func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify configuration, the credential backend and a running sessiond",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "sessiond check", func(ctx context.Context) ([]string, error) {
				cfg, err := loadConfig(opts)
				if err != nil {
					return nil, err
				}
				details := []string{fmt.Sprintf("config: ok (env=%s backend=%s refresh_provider=%s)", cfg.Env, cfg.CredentialBackendName(), cfg.RefreshProviderName())}
				backend, err := CheckBackend(ctx, cfg)
				details = append(details, backend...)
				if err != nil {
					return details, err
				}
				if opts.baseURL == "" {
					return details, nil
				}
				ready, err := CheckReady(ctx, &http.Client{Timeout: 10 * time.Second}, opts.baseURL)
				return append(details, ready...), err
			})
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "env file loaded before configuration")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "probe /health/ready on a running sessiond")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall check timeout")
	cmd.AddCommand(newLoadCommand(opts))
	return cmd
}

func newLoadCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Drive session API traffic against a running sessiond",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "sessiond check load", func(ctx context.Context) ([]string, error) {
				cfg, err := loadConfig(opts)
				if err != nil {
					return nil, err
				}
				token, err := AdminToken(cfg, time.Hour)
				if err != nil {
					return nil, err
				}
				baseURL := opts.baseURL
				if baseURL == "" {
					baseURL = "http://localhost" + cfg.HTTPAddr
				}
				res, err := loadgen.Run(ctx, loadgen.Config{
					BaseURL:     baseURL,
					Token:       token,
					Profile:     opts.profile,
					Duration:    opts.duration,
					RPS:         opts.rps,
					Concurrency: opts.concurrency,
					Seed:        opts.seed,
				})
				details := []string{
					fmt.Sprintf("requests total=%d failures=%d", res.TotalRequests, res.Failures),
					fmt.Sprintf("latency p50=%s p95=%s", res.P50, res.P95),
					fmt.Sprintf("status classes %v", res.ByStatusClass),
					fmt.Sprintf("operations %v", res.ByOperation),
				}
				if err != nil {
					return details, err
				}
				if res.Failures > 0 {
					return details, fmt.Errorf("%d of %d requests failed", res.Failures, res.TotalRequests)
				}
				return details, nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.profile, "profile", "mixed", "traffic profile: create, validate or mixed")
	cmd.Flags().DurationVar(&opts.duration, "duration", 10*time.Second, "traffic duration")
	cmd.Flags().IntVar(&opts.rps, "rps", 20, "requests per second")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "parallel workers")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 42, "operation mix seed")
	return cmd
}

func execute(opts *options, title string, fn func(context.Context) ([]string, error)) error {
	details, err := run(opts, title, fn)
	if opts.ci {
		common.PrintCIResult(err == nil, title, details, err)
	}
	if err != nil {
		os.Exit(ExitCodeFailed)
	}
	return nil
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, func(ctx context.Context) ([]string, error) {
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		return fn(ctx)
	})
}

func loadConfig(opts *options) (*config.Config, error) {
	if err := common.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	return config.LoadFile(opts.envFile)
}

// CheckBackend opens the configured credential backend and round-trips a
// probe session through the credential adapter, sealing included.
func CheckBackend(ctx context.Context, cfg *config.Config) ([]string, error) {
	backend, err := di.OpenCredentialBackend(cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = backend.Close() }()

	details := []string{"credential backend: " + backend.Name}
	if backend.Check != nil {
		if res := backend.Check.Check(ctx); !res.Healthy {
			return details, fmt.Errorf("%s unreachable: %s", res.Name, res.Error)
		}
		details = append(details, backend.Name+" ping: ok")
	}
	if backend.Name == "none" {
		return append(details, "persistence disabled; round trip skipped"), nil
	}

	var sealer *security.Sealer
	if cfg.CredentialSealKey != "" {
		if sealer, err = security.NewSealer(cfg.CredentialSealKey); err != nil {
			return details, err
		}
		details = append(details, "credential sealing: enabled")
	}
	adapter := service.NewCredentialAdapter(backend.Store, sealer, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Now().UTC().Truncate(time.Second)
	probe := domain.Session{
		ID:             "sessioncheck-" + security.NewSessionID(),
		UserID:         "sessioncheck",
		Username:       "sessioncheck",
		AccessToken:    "probe-access",
		RefreshToken:   "probe-refresh",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Minute),
		LastActivityAt: now,
		State:          domain.SessionStateActive,
	}
	if err := adapter.Store(ctx, probe); err != nil {
		return details, err
	}
	loaded, err := adapter.Load(ctx, probe.ID)
	if err != nil {
		return details, fmt.Errorf("load probe credential: %w", err)
	}
	if loaded.AccessToken != probe.AccessToken || loaded.RefreshToken != probe.RefreshToken || loaded.UserID != probe.UserID {
		return details, errors.New("probe credential did not round-trip")
	}
	removed, err := adapter.Remove(ctx, probe.ID)
	if err != nil {
		return details, err
	}
	if !removed {
		return details, errors.New("probe credential was not removed")
	}
	return append(details, "credential round trip: ok"), nil
}

// CheckReady probes /health/ready on a running instance.
func CheckReady(ctx context.Context, client *http.Client, baseURL string) ([]string, error) {
	target := strings.TrimRight(baseURL, "/") + "/health/ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return []string{"readiness: " + resp.Status}, fmt.Errorf("sessiond not ready: %s", strings.TrimSpace(string(body)))
	}
	return []string{"readiness: ok"}, nil
}

// AdminToken mints a bearer token for the admin API from ADMIN_API_TOKEN_SECRET.
func AdminToken(cfg *config.Config, ttl time.Duration) (string, error) {
	if cfg.AdminAPITokenSecret == "" {
		return "", nil
	}
	mgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.AdminAPITokenSecret, cfg.AdminAPITokenSecret)
	return mgr.SignAdminToken("sessioncheck", ttl)
}
