package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/spf13/cobra"

	"github.com/sandeepkv93/sso-session-core/internal/config"
	"github.com/sandeepkv93/sso-session-core/internal/di"
	"github.com/sandeepkv93/sso-session-core/internal/tools/common"
	"github.com/sandeepkv93/sso-session-core/internal/tools/sessioncheck"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "sessiond",
		Short:        "SSO session lifecycle service",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), sessioncheck.NewCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var envFile string
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session API, refresh scheduler and expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := common.LoadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadFile(envFile)
			if err != nil {
				return err
			}
			if !noBanner {
				figure.NewFigure("sessiond", "cybermedium", true).Print()
				fmt.Println()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := di.InitializeApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			return application.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "env file loaded before configuration")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "skip the startup banner")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sessiond %s (%s)\n", version, commit)
		},
	}
}
