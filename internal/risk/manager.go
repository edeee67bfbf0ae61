package risk

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/portfolio"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// Manager sizes and gates new positions.
type Manager struct {
	cfg         Config
	gate        Gate
	leverage    *portfolio.LeverageCalculator
	volatility  VolatilitySource
	performance SuccessSource
	log         zerolog.Logger
}

// NewManager wires the manager. gate, volatility and performance may be nil.
func NewManager(cfg Config, gate Gate, leverage *portfolio.LeverageCalculator,
	volatility VolatilitySource, performance SuccessSource, log zerolog.Logger) *Manager {
	if cfg.MaxPositionFraction <= 0 || cfg.MaxPositionFraction > 0.5 {
		cfg.MaxPositionFraction = 0.5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = []Phase{{Name: "default", Fraction: 0.10}}
	}
	return &Manager{
		cfg:         cfg,
		gate:        gate,
		leverage:    leverage,
		volatility:  volatility,
		performance: performance,
		log:         log,
	}
}

// PhaseFor returns the sizing phase for a balance.
func (m *Manager) PhaseFor(balance float64) Phase {
	for _, p := range m.cfg.Phases {
		if p.MaxBalance <= 0 || balance <= p.MaxBalance {
			return p
		}
	}
	return m.cfg.Phases[len(m.cfg.Phases)-1]
}

func (m *Manager) confidenceFactor(c types.Confidence) float64 {
	if f, ok := m.cfg.ConfidenceFactors[c]; ok {
		return f
	}
	return 1.0
}

func (m *Manager) volatilityFor(token string) float64 {
	v := m.cfg.DefaultVolatility
	if m.volatility != nil {
		v = m.volatility.Volatility(token)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.Max(m.cfg.VolatilityCeiling, m.cfg.DefaultVolatility)
	}
	return math.Max(v, 0)
}

func (m *Manager) successRate() float64 {
	if m.performance == nil {
		return math.NaN()
	}
	return m.performance.SuccessRate()
}

// PositionSize is balance × phase fraction × confidence factor scaled down by
// volatility, capped at min(phase fraction, MaxPositionFraction) of balance.
func (m *Manager) PositionSize(balance float64, confidence types.Confidence, volatility float64) float64 {
	if balance <= 0 {
		return 0
	}
	phase := m.PhaseFor(balance)
	size := balance * phase.Fraction * m.confidenceFactor(confidence) / (1 + volatility)
	limit := math.Min(phase.Fraction, m.cfg.MaxPositionFraction) * balance
	return math.Min(size, limit)
}

// Evaluate decides whether sig may open a position given pf. A half-open
// breaker trial admitted here is released again on rejection.
func (m *Manager) Evaluate(sig types.Signal, pf types.Portfolio) types.RiskAssessment {
	var trial bool
	if m.gate != nil {
		adm := m.gate.Admit()
		if !adm.Allowed {
			return types.RiskAssessment{Reason: adm.Reason, RejectKind: types.RejectBreakerOpen}
		}
		trial = adm.Trial
	}

	a := m.assess(sig, pf)
	a.Trial = trial && a.Approved
	if trial && !a.Approved {
		m.gate.ReleaseTrial()
	}

	ev := m.log.Debug()
	if !a.Approved {
		ev = m.log.Info()
	}
	ev.Str("token", sig.Token).
		Str("confidence", sig.Confidence.String()).
		Bool("approved", a.Approved).
		Uint8("leverage", a.Leverage).
		Float64("size", a.Size).
		Float64("volatility", a.Volatility).
		Str("reason", a.Reason).
		Msg("risk evaluated")
	return a
}

func (m *Manager) assess(sig types.Signal, pf types.Portfolio) types.RiskAssessment {
	vol := m.volatilityFor(sig.Token)
	lev := m.leverage.LeverageFor(sig.Confidence, vol, m.successRate(), pf.DailyPnL)
	lev = m.leverage.CapForLiquidation(lev)
	size := m.PositionSize(pf.Balance, sig.Confidence, vol)
	margin := m.leverage.RequiredMargin(size, lev)

	a := types.RiskAssessment{Leverage: lev, Size: size, Margin: margin, Volatility: vol}
	reject := func(kind types.RejectKind, format string, args ...interface{}) types.RiskAssessment {
		a.RejectKind = kind
		a.Reason = fmt.Sprintf(format, args...)
		return a
	}

	if open := pf.OpenCount(); open >= m.cfg.MaxConcurrent {
		return reject(types.RejectPositionLimit, "open positions %d reached limit %d", open, m.cfg.MaxConcurrent)
	}
	if size < m.cfg.MinPositionSize {
		return reject(types.RejectRisk, "position size %.2f below minimum %.2f", size, m.cfg.MinPositionSize)
	}
	if limit := m.leverage.MaxPositionSize(pf.MarginAvailable, lev); size > limit {
		return reject(types.RejectInsufficientMargin, "margin %.4f exceeds available %.4f (max size %.2f at %dx)",
			margin, pf.MarginAvailable, limit, lev)
	}
	if exposure := m.StopOutExposure(pf, margin); m.cfg.MaxDailyLoss > 0 && exposure > m.cfg.MaxDailyLoss {
		return reject(types.RejectRisk, "stop-out exposure %.2f exceeds daily loss limit %.2f", exposure, m.cfg.MaxDailyLoss)
	}

	a.Approved = true
	a.Reason = fmt.Sprintf("approved %s at %dx", sig.Confidence, lev)
	return a
}

// StopOutExposure is the daily loss if every open position and the new one
// hit their stop loss: today's realized loss plus stop loss on all margin.
func (m *Manager) StopOutExposure(pf types.Portfolio, newMargin float64) float64 {
	realized := math.Max(0, -pf.DailyPnL)
	return realized + m.cfg.StopLoss*(pf.MarginUsed+newMargin)
}

// OrderBatch returns signals in evaluation order: highest confidence first,
// then earliest timestamp, then token name.
func OrderBatch(signals []types.Signal) []types.Signal {
	out := append([]types.Signal(nil), signals...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Token < b.Token
	})
	return out
}
