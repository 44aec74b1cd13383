// Package main implements semspecd, the context keeper daemon: the HTTP +
// WebSocket process that wires every owner in spec.md §4 together and
// serves spec.md §6's external interfaces. Adapted from the teacher's
// cmd/semspec/main.go cobra root command and signal-driven shutdown,
// generalized from a one-shot REPL agent invocation to a long-running
// `serve` daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/contextkeeper/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var natsURL string
	var driftCron string

	rootCmd := &cobra.Command{
		Use:     "semspecd",
		Short:   "Semantic context keeper daemon",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP + WebSocket API surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, natsURL, driftCron)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file (overrides layered discovery)")
	serveCmd.Flags().StringVar(&natsURL, "nats-url", "", "external NATS server URL (default: embedded)")
	serveCmd.Flags().StringVar(&driftCron, "drift-schedule", "@every 1h", "cron spec for the periodic drift sweep; empty disables it")
	rootCmd.AddCommand(serveCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runServe(ctx context.Context, configPath, natsURL, driftCron string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	loader := config.NewLoader(logger)
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg.ApplyEnv(os.Getenv)
	} else {
		cfg, err = loader.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// spec.md §6.4: missing required secrets degrade health rather than
	// refusing to start — listing/governance endpoints still serve.
	if missing := cfg.RequireSecrets(); len(missing) > 0 {
		logger.Warn("starting with missing required credentials; health will report unhealthy", slog.Any("missing", missing))
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Close(context.Background())

	if driftCron != "" {
		if err := app.StartDriftScheduler(driftCron); err != nil {
			logger.Warn("drift scheduler not started", slog.String("error", err.Error()))
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Bind,
		Handler: app.Server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("semspecd listening", slog.String("bind", cfg.HTTP.Bind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.RequestTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
