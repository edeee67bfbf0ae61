package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var apiURL string

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a tripped circuit breaker",
	Long: `Ask a running engine to move its breaker from OPEN to HALF_OPEN. The reset
token is checked against RESET_TOKEN_HASH; pass it with --token or in
RISK_RESET_TOKEN.

Examples:
  risk-engine reset --token "$TOKEN"
  RISK_RESET_TOKEN=... risk-engine reset --api http://risk-engine:8090`,
	RunE: runReset,
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Trip the circuit breaker manually",
	Long: `Halt new trading on a running engine. A manual halt survives day boundaries
and clears only through 'risk-engine reset'.`,
	RunE: runHalt,
}

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Close every open position at the last known price",
	RunE:  runCloseAll,
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Print the bcrypt hash of a breaker reset token",
	Long: `Hash a reset token for RESET_TOKEN_HASH. The token is read from the argument
or, when absent, from the first line of stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashToken,
}

var (
	resetToken  string
	haltReason  string
	closeReason string
)

func init() {
	for _, c := range []*cobra.Command{resetCmd, haltCmd, closeAllCmd} {
		c.Flags().StringVar(&apiURL, "api", "", "Admin API base URL (default: derived from API_LISTEN_ADDR)")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(hashTokenCmd)

	resetCmd.Flags().StringVar(&resetToken, "token", "", "Reset token (default: $RISK_RESET_TOKEN)")
	haltCmd.Flags().StringVar(&haltReason, "reason", "operator halt", "Reason recorded with the trip")
	closeAllCmd.Flags().StringVar(&closeReason, "reason", "EMERGENCY", "Close reason recorded on each position")
}

func clientFromFlags() (*adminClient, error) {
	if apiURL != "" {
		return newAdminClient(apiURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newAdminClient(baseURLFor(cfg.API.ListenAddr)), nil
}

func runReset(cmd *cobra.Command, args []string) error {
	token := resetToken
	if token == "" {
		token = os.Getenv("RISK_RESET_TOKEN")
	}
	if token == "" {
		return errors.New("a reset token is required (--token or RISK_RESET_TOKEN)")
	}
	client, err := clientFromFlags()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()

	var snap safety.BreakerSnapshot
	if err := client.post(ctx, "/api/v1/breaker/reset", map[string]string{"token": token}, &snap); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "breaker is %s\n", snap.State)
	return nil
}

func runHalt(cmd *cobra.Command, args []string) error {
	client, err := clientFromFlags()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()

	var snap safety.BreakerSnapshot
	if err := client.post(ctx, "/api/v1/breaker/halt", map[string]string{"reason": haltReason}, &snap); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "breaker is %s (%s)\n", snap.State, snap.TripReason)
	return nil
}

func runCloseAll(cmd *cobra.Command, args []string) error {
	client, err := clientFromFlags()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	var resp struct {
		Closed    int              `json:"closed"`
		Positions []types.Position `json:"positions"`
	}
	if err := client.post(ctx, "/api/v1/positions/close-all", map[string]string{"reason": strings.ToUpper(closeReason)}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "closed %d positions\n", resp.Closed)
	for _, p := range resp.Positions {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s %s: %s\n", p.ID, p.Token, p.Side, p.Status)
	}
	return nil
}

func runHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return errors.New("no token given")
		}
		token = strings.TrimRight(line, "\r\n")
	}
	hash, err := safety.HashResetToken(token)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
