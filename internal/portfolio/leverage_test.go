package portfolio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

func newTestCalculator() *LeverageCalculator {
	return NewLeverageCalculator(LeverageConfigFrom(config.Default()))
}

func TestLeverageFor_Scenario(t *testing.T) {
	calc := newTestCalculator()
	// High confidence, 5% volatility, 55% win rate, flat day.
	assert.Equal(t, uint8(20), calc.LeverageFor(types.ConfidenceHigh, 0.05, 0.55, 0))
}

func TestLeverageFor_Tiers(t *testing.T) {
	calc := newTestCalculator()

	tests := []struct {
		confidence types.Confidence
		want       uint8
	}{
		{types.ConfidenceLow, 5},
		{types.ConfidenceMedium, 10},
		{types.ConfidenceHigh, 20},
		{types.ConfidenceExtreme, 30},
		{types.Confidence(0), 2},
	}
	for _, tt := range tests {
		t.Run(tt.confidence.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, calc.LeverageFor(tt.confidence, 0.01, math.NaN(), 0))
		})
	}
}

func TestVolatilityDampener(t *testing.T) {
	calc := newTestCalculator()

	assert.Equal(t, 1.0, calc.VolatilityDampener(0))
	assert.Equal(t, 1.0, calc.VolatilityDampener(0.05))
	assert.InDelta(t, 0.75, calc.VolatilityDampener(0.10), 1e-9)
	assert.Equal(t, 0.5, calc.VolatilityDampener(0.15))
	assert.Equal(t, 0.5, calc.VolatilityDampener(0.80))
	assert.Equal(t, 0.5, calc.VolatilityDampener(math.NaN()))
	assert.Equal(t, 0.5, calc.VolatilityDampener(math.Inf(1)))
}

func TestSuccessMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, SuccessMultiplier(0.55))
	assert.Equal(t, 1.0, SuccessMultiplier(math.NaN()))
	assert.Equal(t, 0.75, SuccessMultiplier(0))
	assert.Equal(t, 1.25, SuccessMultiplier(1))
	assert.InDelta(t, 1.0625, SuccessMultiplier(0.6), 1e-9)
}

func TestLeverageFor_Adjustments(t *testing.T) {
	calc := newTestCalculator()

	// 20 * 0.75
	assert.Equal(t, uint8(15), calc.LeverageFor(types.ConfidenceHigh, 0.10, 0.55, 0))
	// 20 * 0.5, daily loss beyond the warning level
	assert.Equal(t, uint8(10), calc.LeverageFor(types.ConfidenceHigh, 0.05, 0.55, -8))
	// 5 * 0.5 * 0.75 * 0.5 floors below the minimum
	assert.Equal(t, uint8(2), calc.LeverageFor(types.ConfidenceLow, 0.5, 0, -10))
	// 30 * 1.25 = 37.5
	assert.Equal(t, uint8(37), calc.LeverageFor(types.ConfidenceExtreme, 0, 1, 0))
}

func TestLeverageFor_AlwaysWithinBounds(t *testing.T) {
	calc := newTestCalculator()
	vols := []float64{-1, 0, 0.03, 0.1, 0.2, 5, math.NaN(), math.Inf(1)}
	rates := []float64{-3, 0, 0.5, 1, 4, math.NaN()}
	pnls := []float64{-1000, -7.6, 0, 1000, math.NaN()}

	for c := types.Confidence(0); c <= types.ConfidenceExtreme+1; c++ {
		for _, v := range vols {
			for _, r := range rates {
				for _, p := range pnls {
					lev := calc.LeverageFor(c, v, r, p)
					assert.GreaterOrEqual(t, lev, uint8(2))
					assert.LessOrEqual(t, lev, uint8(50))
				}
			}
		}
	}
}

func TestLiquidationCap(t *testing.T) {
	calc := newTestCalculator()

	// 0.95 / 0.03 = 31.67
	assert.Equal(t, uint8(31), calc.LiquidationCap())
	assert.Equal(t, uint8(31), calc.CapForLiquidation(37))
	assert.Equal(t, uint8(20), calc.CapForLiquidation(20))

	entry := 100.0
	liq := types.LiquidationPrice(types.SideLong, entry, calc.LiquidationCap())
	assert.GreaterOrEqual(t, (entry-liq)/entry, 0.03)
}

func TestDefaultLiquidationDistanceAdmitsEveryTier(t *testing.T) {
	cfg := config.Default()
	calc := NewLeverageCalculator(LeverageConfigFrom(cfg))

	extreme := calc.LeverageFor(types.ConfidenceExtreme, 0.01, math.NaN(), 0)
	assert.Equal(t, uint8(30), calc.CapForLiquidation(extreme))

	// a 5% entry distance caps leverage at 19, below the HIGH tier
	cfg.Risk.MinLiquidationDistance = 0.05
	strict := NewLeverageCalculator(LeverageConfigFrom(cfg))
	assert.Equal(t, uint8(19), strict.LiquidationCap())
	assert.Equal(t, uint8(19), strict.CapForLiquidation(strict.LeverageFor(types.ConfidenceHigh, 0.01, math.NaN(), 0)))
}

func TestMarginHelpers(t *testing.T) {
	calc := newTestCalculator()

	assert.Equal(t, 10.0, calc.RequiredMargin(100, 10))
	assert.Equal(t, 200.0, calc.RequiredMargin(200, 0))
	assert.Equal(t, 500.0, calc.MaxPositionSize(50, 10))
	assert.Zero(t, calc.MaxPositionSize(-1, 10))

	assert.NoError(t, calc.ValidateLeverage(2))
	assert.NoError(t, calc.ValidateLeverage(50))
	assert.True(t, errors.IsValidation(calc.ValidateLeverage(1)))
	assert.True(t, errors.IsValidation(calc.ValidateLeverage(51)))
}
