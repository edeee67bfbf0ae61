package config

import (
	"fmt"
	"strings"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
)

// Validate checks cross-field rules. Any failure is a configuration error and
// the engine must not start.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	r := c.Risk
	if r.MaxDailyLoss <= 0 {
		add("max_daily_loss must be positive")
	}
	if r.MaxConsecutiveFailures <= 0 {
		add("max_consecutive_failures must be positive")
	}
	if r.HalfOpenSuccessThreshold <= 0 {
		add("half_open_success_threshold must be positive")
	}
	if r.HalfOpenMaxTrials <= 0 {
		add("half_open_max_trials must be positive")
	}
	if r.CalmVolatility < 0 || r.CalmVolatility >= r.VolatilityThreshold {
		add("calm_volatility (%.4f) must be in [0, volatility_threshold %.4f)", r.CalmVolatility, r.VolatilityThreshold)
	}
	if r.LiquidationBuffer <= 0 || r.LiquidationBuffer >= r.MinLiquidationDistance {
		add("liquidation_buffer (%.4f) must be positive and below min_liquidation_distance (%.4f)", r.LiquidationBuffer, r.MinLiquidationDistance)
	}
	if r.StopLossPercent <= 0 || r.StopLossPercent > 1 {
		add("stop_loss_percent must be in (0, 1]")
	}
	if r.TakeProfitPercent <= 0 {
		add("take_profit_percent must be positive")
	}
	if r.TrailingStop && r.TrailingDistance >= r.StopLossPercent {
		add("trailing_distance (%.4f) must be below stop_loss_percent (%.4f)", r.TrailingDistance, r.StopLossPercent)
	}
	if r.PartialTakeProfit {
		if r.PartialLevel >= r.TakeProfitPercent {
			add("partial_level (%.4f) must be below take_profit_percent (%.4f)", r.PartialLevel, r.TakeProfitPercent)
		}
		if r.PartialPercent <= 0 || r.PartialPercent >= 1 {
			add("partial_percent must be in (0, 1)")
		}
	}

	t := c.Trading
	if t.InitialBalance <= 0 {
		add("initial_balance must be positive")
	}
	if t.MinLeverage < 1 || t.MinLeverage > t.MaxLeverage {
		add("leverage bounds [%d, %d] are invalid", t.MinLeverage, t.MaxLeverage)
	}
	tiers := []uint8{t.TierLeverage.Low, t.TierLeverage.Medium, t.TierLeverage.High, t.TierLeverage.Extreme}
	for i := 1; i < len(tiers); i++ {
		if tiers[i] <= tiers[i-1] {
			add("tier leverages must be strictly ascending, got %v", tiers)
			break
		}
	}
	if t.TierLeverage.Extreme > t.MaxLeverage {
		add("extreme tier leverage %d exceeds max leverage %d", t.TierLeverage.Extreme, t.MaxLeverage)
	}
	if t.MaxPositionFraction <= 0 || t.MaxPositionFraction > 0.5 {
		add("max_position_fraction must be in (0, 0.5]")
	}
	if len(t.Phases) == 0 {
		add("at least one sizing phase is required")
	}
	for i, p := range t.Phases {
		if p.Fraction <= 0 || p.Fraction > 1 {
			add("phase %q fraction must be in (0, 1]", p.Name)
		}
		if i < len(t.Phases)-1 && p.MaxBalance <= 0 {
			add("phase %q: only the last phase may be unbounded", p.Name)
		}
	}
	if t.MaxConcurrentPositions <= 0 {
		add("max_concurrent_positions must be positive")
	}
	if t.MinPositionSize < 0 {
		add("min_position_size must not be negative")
	}
	if t.MonitorInterval <= 0 {
		add("monitor_interval must be positive")
	}

	if c.Cache.TTL <= 0 {
		add("cache ttl must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		add("cache max_entries must be positive")
	}
	if c.Signals.MaxAge <= 0 {
		add("signal max_age must be positive")
	}
	if c.Storage.StateDir == "" {
		add("state_dir is required")
	}

	if c.IsProduction() && r.ResetTokenHash == "" {
		add("reset_token_hash is required in production")
	}

	if len(problems) > 0 {
		return errors.NewConfigurationError("config", "validate", strings.Join(problems, "; "))
	}
	return nil
}
