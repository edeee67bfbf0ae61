package portfolio

import (
	"fmt"
	"math"
	"sort"

	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// LeverageConfig bounds and tunes leverage selection.
type LeverageConfig struct {
	MinLeverage            uint8
	MaxLeverage            uint8
	Tiers                  map[types.Confidence]uint8
	CalmVolatility         float64 // no dampening at or below
	VolatilityThreshold    float64 // dampener reaches its floor here
	DailyLossWarning       float64 // leverage halves once daily PnL is below -this
	MinLiquidationDistance float64 // required distance to liquidation at entry
}

// LeverageConfigFrom maps engine configuration onto the calculator.
func LeverageConfigFrom(cfg *config.Config) LeverageConfig {
	t := cfg.Trading.TierLeverage
	return LeverageConfig{
		MinLeverage: cfg.Trading.MinLeverage,
		MaxLeverage: cfg.Trading.MaxLeverage,
		Tiers: map[types.Confidence]uint8{
			types.ConfidenceLow:     t.Low,
			types.ConfidenceMedium:  t.Medium,
			types.ConfidenceHigh:    t.High,
			types.ConfidenceExtreme: t.Extreme,
		},
		CalmVolatility:         cfg.Risk.CalmVolatility,
		VolatilityThreshold:    cfg.Risk.VolatilityThreshold,
		DailyLossWarning:       cfg.Risk.DailyLossWarning,
		MinLiquidationDistance: cfg.Risk.MinLiquidationDistance,
	}
}

const (
	minDampener          = 0.5
	neutralSuccessRate   = 0.55
	successSensitivity   = 1.25
	minSuccessMultiplier = 0.75
	maxSuccessMultiplier = 1.25
	dailyLossDampener    = 0.5
)

type tierEntry struct {
	confidence types.Confidence
	leverage   uint8
}

// LeverageCalculator picks leverage from a confidence tier table and adjusts
// it for volatility, recent performance and the day's PnL.
type LeverageCalculator struct {
	cfg   LeverageConfig
	tiers []tierEntry
}

// NewLeverageCalculator builds a calculator. Bounds default to [2, 50].
func NewLeverageCalculator(cfg LeverageConfig) *LeverageCalculator {
	if cfg.MinLeverage == 0 {
		cfg.MinLeverage = 2
	}
	if cfg.MaxLeverage == 0 {
		cfg.MaxLeverage = 50
	}
	if cfg.VolatilityThreshold <= cfg.CalmVolatility {
		cfg.VolatilityThreshold = cfg.CalmVolatility + 0.10
	}

	tiers := make([]tierEntry, 0, len(cfg.Tiers))
	for c, lev := range cfg.Tiers {
		tiers = append(tiers, tierEntry{confidence: c, leverage: lev})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].confidence < tiers[j].confidence })

	return &LeverageCalculator{cfg: cfg, tiers: tiers}
}

// BaseLeverage looks up the tier table. Unknown tiers get the minimum.
func (c *LeverageCalculator) BaseLeverage(confidence types.Confidence) uint8 {
	for _, t := range c.tiers {
		if t.confidence == confidence {
			return t.leverage
		}
	}
	return c.cfg.MinLeverage
}

// VolatilityDampener is 1.0 up to calm volatility, falls linearly to 0.5 at
// the threshold and stays there. NaN or Inf volatility is treated as extreme.
func (c *LeverageCalculator) VolatilityDampener(volatility float64) float64 {
	if math.IsNaN(volatility) || math.IsInf(volatility, 0) {
		return minDampener
	}
	if volatility <= c.cfg.CalmVolatility {
		return 1.0
	}
	if volatility >= c.cfg.VolatilityThreshold {
		return minDampener
	}
	span := c.cfg.VolatilityThreshold - c.cfg.CalmVolatility
	progress := (volatility - c.cfg.CalmVolatility) / span
	return 1.0 - progress*(1.0-minDampener)
}

// SuccessMultiplier scales leverage by the trailing win rate around 55%.
// NaN means no history and is neutral.
func SuccessMultiplier(rate float64) float64 {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 1.0
	}
	m := 1 + (rate-neutralSuccessRate)*successSensitivity
	return math.Max(minSuccessMultiplier, math.Min(maxSuccessMultiplier, m))
}

// LeverageFor returns the leverage for a new position, always within bounds.
func (c *LeverageCalculator) LeverageFor(confidence types.Confidence, volatility, successRate, dailyPnL float64) uint8 {
	lev := float64(c.BaseLeverage(confidence))
	lev *= c.VolatilityDampener(volatility)
	lev *= SuccessMultiplier(successRate)
	if c.cfg.DailyLossWarning > 0 && dailyPnL < -c.cfg.DailyLossWarning {
		lev *= dailyLossDampener
	}
	// tolerate float noise so 20*0.75 floors to 15, not 14
	return c.clamp(math.Floor(lev + 1e-9))
}

// LiquidationCap is the highest leverage whose entry liquidation distance
// still meets MinLiquidationDistance.
func (c *LeverageCalculator) LiquidationCap() uint8 {
	if c.cfg.MinLiquidationDistance <= 0 {
		return c.cfg.MaxLeverage
	}
	return c.clamp(math.Floor(types.LiquidationThreshold/c.cfg.MinLiquidationDistance + 1e-9))
}

// CapForLiquidation lowers leverage to LiquidationCap when needed.
func (c *LeverageCalculator) CapForLiquidation(leverage uint8) uint8 {
	if limit := c.LiquidationCap(); leverage > limit {
		return limit
	}
	return leverage
}

func (c *LeverageCalculator) clamp(lev float64) uint8 {
	if math.IsNaN(lev) || lev < float64(c.cfg.MinLeverage) {
		return c.cfg.MinLeverage
	}
	if lev > float64(c.cfg.MaxLeverage) {
		return c.cfg.MaxLeverage
	}
	return uint8(lev)
}

// RequiredMargin is the collateral for a notional size at leverage.
// Example: $100 at 10x needs $10.
func (c *LeverageCalculator) RequiredMargin(size float64, leverage uint8) float64 {
	if leverage == 0 {
		return size
	}
	return size / float64(leverage)
}

// MaxPositionSize is the largest notional the margin supports at leverage.
func (c *LeverageCalculator) MaxPositionSize(availableMargin float64, leverage uint8) float64 {
	if availableMargin <= 0 || leverage == 0 {
		return 0
	}
	return availableMargin * float64(leverage)
}

// ValidateLeverage rejects values outside the configured range. The position
// manager calls it before accepting a decision.
func (c *LeverageCalculator) ValidateLeverage(leverage uint8) error {
	if leverage < c.cfg.MinLeverage {
		return errors.NewValidationError(component, "INVALID_LEVERAGE",
			fmt.Sprintf("leverage %dx is below minimum allowed %dx", leverage, c.cfg.MinLeverage))
	}
	if leverage > c.cfg.MaxLeverage {
		return errors.NewValidationError(component, "INVALID_LEVERAGE",
			fmt.Sprintf("leverage %dx exceeds maximum allowed %dx", leverage, c.cfg.MaxLeverage))
	}
	return nil
}
