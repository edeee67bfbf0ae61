package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/signal-risk-engine/internal/engine"
	"github.com/ducminhle1904/signal-risk-engine/pkg/reporting"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker, account and open positions",
	Long: `Print the persisted breaker state, account and open positions from the
configured record store. Works whether or not the engine is running.

Examples:
  risk-engine status
  risk-engine status --summary --limit 500`,
	RunE: runStatus,
}

var (
	statusSummary bool
	statusLimit   int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusSummary, "summary", false, "Also summarize recent trades and decisions")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 200, "Closed positions and decisions considered by --summary")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	return withStore(ctx, cfg, func(store engine.Store) error {
		rep, err := loadReport(ctx, store, statusLimit, time.Now())
		if err != nil {
			return err
		}
		out := reporting.NewDefaultConsoleReporter(cmd.OutOrStdout())
		out.RenderStatus(rep)
		if statusSummary {
			out.RenderSummary(rep)
		}
		return nil
	})
}
