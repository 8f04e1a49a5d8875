package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetops/fleetguard/internal/app"
	"github.com/fleetops/fleetguard/internal/config"
	"github.com/fleetops/fleetguard/internal/observability"
)

func main() {
	root := &cobra.Command{
		Use:   "fleetguard",
		Short: "Trust and access control service for the fleet management platform",
	}

	var envFile string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	serve.Flags().StringVar(&envFile, "env-file", ".env", "path to an optional dotenv file")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, envFile string) error {
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	logger, loggerProvider, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, logger, runtime)
	if err != nil {
		return err
	}
	logger.Info("starting fleetguard", "profile", cfg.Profile)
	return application.Run(ctx)
}
