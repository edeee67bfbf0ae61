package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/signal-risk-engine/internal/config"
)

var (
	envFile    string
	configFile string
)

// rootCmd is the base command for the risk engine CLI
var rootCmd = &cobra.Command{
	Use:   "risk-engine",
	Short: "Signal risk engine for leveraged crypto trading",
	Long: `risk-engine turns trading signals into sized, leveraged position decisions.
It validates signals, caches decisions, enforces daily loss limits through a
circuit breaker and protects open positions from liquidation.

Run 'risk-engine serve' to start the engine with its admin API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to .env file (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file (CONFIG_FILE takes precedence)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
