package risk

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/portfolio"
	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

type fakeGate struct {
	admission safety.Admission
	admitted  int
	released  int
}

func (g *fakeGate) Admit() safety.Admission {
	g.admitted++
	return g.admission
}

func (g *fakeGate) ReleaseTrial() { g.released++ }

type fixedVolatility float64

func (v fixedVolatility) Volatility(string) float64 { return float64(v) }

type fixedRate float64

func (r fixedRate) SuccessRate() float64 { return float64(r) }

func newTestManager(gate Gate, vol VolatilitySource, rate SuccessSource) *Manager {
	cfg := config.Default()
	calc := portfolio.NewLeverageCalculator(portfolio.LeverageConfigFrom(cfg))
	return NewManager(ConfigFrom(cfg), gate, calc, vol, rate, zerolog.Nop())
}

func signal(conf types.Confidence) types.Signal {
	return types.Signal{
		ID:         "sig-1",
		Token:      "BTC",
		Source:     "alpha",
		Confidence: conf,
		Side:       types.SideLong,
		Price:      50000,
		Volume:     1,
		Timestamp:  time.Now(),
	}
}

func freshPortfolio(balance float64) types.Portfolio {
	return types.Portfolio{Balance: balance, Equity: balance, MarginAvailable: balance}
}

func TestEvaluate_SmallAccountHighConfidence(t *testing.T) {
	gate := &fakeGate{admission: safety.Admission{Allowed: true, State: safety.StateClosed}}
	m := newTestManager(gate, fixedVolatility(0.05), fixedRate(0.55))

	a := m.Evaluate(signal(types.ConfidenceHigh), freshPortfolio(100))

	require.True(t, a.Approved, a.Reason)
	assert.Equal(t, uint8(20), a.Leverage)
	assert.InDelta(t, 20.0, a.Size, 1e-9)
	assert.InDelta(t, 1.0, a.Margin, 1e-9)
	assert.False(t, a.Trial)
	assert.Equal(t, 1, gate.admitted)
}

func TestEvaluate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		conf types.Confidence
		pf   types.Portfolio
		kind types.RejectKind
	}{
		{
			name: "below minimum size",
			conf: types.ConfidenceLow,
			pf:   freshPortfolio(20),
			kind: types.RejectRisk,
		},
		{
			name: "insufficient margin",
			conf: types.ConfidenceHigh,
			pf:   types.Portfolio{Balance: 100, Equity: 100, MarginAvailable: 0.5},
			kind: types.RejectInsufficientMargin,
		},
		{
			name: "position cap reached",
			conf: types.ConfidenceHigh,
			pf:   types.Portfolio{Balance: 100, Equity: 100, MarginAvailable: 97, MarginUsed: 3, OpenPositionIDs: []string{"a", "b", "c"}},
			kind: types.RejectPositionLimit,
		},
		{
			name: "stop-out exposure beyond daily limit",
			conf: types.ConfidenceHigh,
			pf:   types.Portfolio{Balance: 100, Equity: 100, MarginAvailable: 100, DailyPnL: -14.9},
			kind: types.RejectRisk,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(nil, fixedVolatility(0.05), fixedRate(0.55))
			a := m.Evaluate(signal(tt.conf), tt.pf)
			assert.False(t, a.Approved)
			assert.Equal(t, tt.kind, a.RejectKind)
			assert.NotEmpty(t, a.Reason)
		})
	}
}

func TestEvaluate_BreakerDenies(t *testing.T) {
	gate := &fakeGate{admission: safety.Admission{State: safety.StateOpen, Reason: "breaker OPEN: DAILY_LOSS_LIMIT"}}
	m := newTestManager(gate, fixedVolatility(0.05), fixedRate(0.55))

	a := m.Evaluate(signal(types.ConfidenceExtreme), freshPortfolio(1000))

	assert.False(t, a.Approved)
	assert.Equal(t, types.RejectBreakerOpen, a.RejectKind)
	assert.Contains(t, a.Reason, "DAILY_LOSS_LIMIT")
}

func TestEvaluate_TrialReleasedOnRejection(t *testing.T) {
	gate := &fakeGate{admission: safety.Admission{Allowed: true, Trial: true, State: safety.StateHalfOpen}}
	m := newTestManager(gate, fixedVolatility(0.05), fixedRate(0.55))

	a := m.Evaluate(signal(types.ConfidenceLow), freshPortfolio(20))
	assert.False(t, a.Approved)
	assert.False(t, a.Trial)
	assert.Equal(t, 1, gate.released)

	a = m.Evaluate(signal(types.ConfidenceHigh), freshPortfolio(100))
	assert.True(t, a.Approved)
	assert.True(t, a.Trial)
	assert.Equal(t, 1, gate.released)
}

func TestEvaluate_NaNVolatilityIsWorstCase(t *testing.T) {
	m := newTestManager(nil, fixedVolatility(math.NaN()), fixedRate(math.NaN()))

	a := m.Evaluate(signal(types.ConfidenceHigh), freshPortfolio(100))

	require.True(t, a.Approved, a.Reason)
	assert.Equal(t, 0.15, a.Volatility)
	assert.Equal(t, uint8(10), a.Leverage)
}

func TestEvaluate_LeverageCappedByLiquidationDistance(t *testing.T) {
	m := newTestManager(nil, fixedVolatility(0), fixedRate(1))

	a := m.Evaluate(signal(types.ConfidenceExtreme), freshPortfolio(100))

	require.True(t, a.Approved, a.Reason)
	assert.Equal(t, uint8(31), a.Leverage)
}

func TestPhaseFor(t *testing.T) {
	m := newTestManager(nil, nil, nil)

	assert.Equal(t, "seed", m.PhaseFor(50).Name)
	assert.Equal(t, "seed", m.PhaseFor(250).Name)
	assert.Equal(t, "growth", m.PhaseFor(250.01).Name)
	assert.Equal(t, "growth", m.PhaseFor(2500).Name)
	assert.Equal(t, "mature", m.PhaseFor(1e6).Name)
}

func TestPositionSize(t *testing.T) {
	m := newTestManager(nil, nil, nil)

	assert.InDelta(t, 20.0, m.PositionSize(100, types.ConfidenceHigh, 0.05), 1e-9)
	assert.InDelta(t, 100*0.2*0.75/1.05, m.PositionSize(100, types.ConfidenceLow, 0.05), 1e-9)
	assert.InDelta(t, 1000.0, m.PositionSize(10000, types.ConfidenceExtreme, 0), 1e-9)
	assert.Zero(t, m.PositionSize(0, types.ConfidenceHigh, 0))
}

func TestStopOutExposure(t *testing.T) {
	m := newTestManager(nil, nil, nil)
	pf := types.Portfolio{DailyPnL: -5, MarginUsed: 20}

	// 5 realized + 10% of (20 + 10) margin
	assert.InDelta(t, 8.0, m.StopOutExposure(pf, 10), 1e-9)

	pf.DailyPnL = 3
	assert.InDelta(t, 3.0, m.StopOutExposure(pf, 10), 1e-9)
}

func TestOrderBatch(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []types.Signal{
		{Token: "SOL", Confidence: types.ConfidenceMedium, Timestamp: t0},
		{Token: "ETH", Confidence: types.ConfidenceHigh, Timestamp: t0.Add(time.Second)},
		{Token: "BTC", Confidence: types.ConfidenceHigh, Timestamp: t0.Add(time.Second)},
		{Token: "DOGE", Confidence: types.ConfidenceHigh, Timestamp: t0},
		{Token: "ADA", Confidence: types.ConfidenceExtreme, Timestamp: t0.Add(time.Hour)},
	}

	out := OrderBatch(in)

	got := make([]string, len(out))
	for i, s := range out {
		got[i] = s.Token
	}
	assert.Equal(t, []string{"ADA", "DOGE", "BTC", "ETH", "SOL"}, got)
	assert.Equal(t, "SOL", in[0].Token, "input is not reordered")
}
