package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/signal-risk-engine/internal/engine"
	"github.com/ducminhle1904/signal-risk-engine/pkg/reporting"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export positions and decisions to XLSX, CSV or JSON",
	Long: `Export closed and open positions, recent decisions and a summary from the
record store.

Examples:
  risk-engine export
  risk-engine export --format csv --limit 5000
  risk-engine export --output reports/march.xlsx`,
	RunE: runExport,
}

var (
	exportFormat string
	exportOutput string
	exportDir    string
	exportLimit  int
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "xlsx", "Output format (xlsx|csv|json), ignored when --output has an extension")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "Output file (default: <dir>/risk-report_<timestamp>.<format>)")
	exportCmd.Flags().StringVar(&exportDir, "dir", "reports", "Directory for generated file names")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "Maximum closed positions and decisions exported")
}

func runExport(cmd *cobra.Command, args []string) error {
	switch strings.ToLower(exportFormat) {
	case "xlsx", "csv", "json":
	default:
		return fmt.Errorf("unsupported format %q (want xlsx, csv or json)", exportFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	now := time.Now()
	path := exportOutput
	if path == "" {
		path = reporting.DefaultExportPath(exportDir, exportFormat, now)
	}

	return withStore(ctx, cfg, func(store engine.Store) error {
		rep, err := loadReport(ctx, store, exportLimit, now)
		if err != nil {
			return err
		}
		r := reporting.NewDefaultReporter(cmd.OutOrStdout())
		if err := r.Export(rep, path); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d positions and %d decisions to %s\n",
			len(rep.Open)+len(rep.Closed), len(rep.Decisions), path)
		return nil
	})
}
