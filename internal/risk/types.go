package risk

import (
	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// Phase caps the position fraction for balances up to MaxBalance.
// MaxBalance 0 matches any balance.
type Phase struct {
	Name       string
	MaxBalance float64
	Fraction   float64
}

// Config holds sizing rules and portfolio limits.
type Config struct {
	Phases              []Phase
	ConfidenceFactors   map[types.Confidence]float64
	MaxPositionFraction float64
	MinPositionSize     float64
	MaxConcurrent       int
	MaxDailyLoss        float64
	StopLoss            float64 // ROE loss at which a position is stopped out
	DefaultVolatility   float64
	VolatilityCeiling   float64 // stand-in for NaN or infinite volatility
}

// ConfigFrom maps engine configuration onto the risk manager.
func ConfigFrom(cfg *config.Config) Config {
	phases := make([]Phase, len(cfg.Trading.Phases))
	for i, p := range cfg.Trading.Phases {
		phases[i] = Phase{Name: p.Name, MaxBalance: p.MaxBalance, Fraction: p.Fraction}
	}
	factors := make(map[types.Confidence]float64, len(cfg.Trading.ConfidenceFactors))
	for name, f := range cfg.Trading.ConfidenceFactors {
		if c, err := types.ParseConfidence(name); err == nil {
			factors[c] = f
		}
	}
	return Config{
		Phases:              phases,
		ConfidenceFactors:   factors,
		MaxPositionFraction: cfg.Trading.MaxPositionFraction,
		MinPositionSize:     cfg.Trading.MinPositionSize,
		MaxConcurrent:       cfg.Trading.MaxConcurrentPositions,
		MaxDailyLoss:        cfg.Risk.MaxDailyLoss,
		StopLoss:            cfg.Risk.StopLossPercent,
		DefaultVolatility:   cfg.Risk.DefaultVolatility,
		VolatilityCeiling:   cfg.Risk.VolatilityThreshold,
	}
}
