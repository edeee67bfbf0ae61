package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/signal-risk-engine/internal/api"
	"github.com/ducminhle1904/signal-risk-engine/internal/engine"
	"github.com/ducminhle1904/signal-risk-engine/internal/logger"
	"github.com/ducminhle1904/signal-risk-engine/internal/monitoring"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and its admin API",
	Long: `Start the risk engine: restore account and breaker state, run the position
monitor and serve the admin API, metrics and the live event stream.

Examples:
  risk-engine serve
  risk-engine serve --addr :9000
  risk-engine serve --config config/production.yaml`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides API_LISTEN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.API.ListenAddr = serveAddr
	}
	if !cfg.Trading.PaperTrading {
		return errors.New("live execution has no executor wired; set PAPER_TRADING=true")
	}

	log, err := logger.New(logger.Options{
		Dir:     cfg.LogDir,
		Name:    "risk-engine",
		Level:   cfg.LogLevel,
		Console: !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := engine.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer app.Close()
	app.Start(ctx)

	portfolio := app.Engine.Portfolio()
	log.Status().
		Str("env", cfg.Environment).
		Str("addr", cfg.API.ListenAddr).
		Float64("balance", portfolio.Balance).
		Int("open_positions", portfolio.OpenCount()).
		Str("breaker", app.Engine.BreakerStatus().State.String()).
		Msg("risk engine running")

	server := api.NewServer(api.Dependencies{
		Engine:    app.Engine,
		Decisions: app.Store,
		Health:    app.Health,
		Metrics:   monitoring.NewMetricsHandler(),
		Events:    app.Hub,
	}, app.Logger("api"))

	if err := server.ListenAndServe(ctx, cfg.API.ListenAddr); err != nil {
		return fmt.Errorf("admin api stopped: %w", err)
	}
	log.Status().Msg("shutting down")
	return nil
}
