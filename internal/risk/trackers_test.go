package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVolatilityTracker(t *testing.T) {
	v := NewVolatilityTracker(20, 0.05)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 0.05, v.Volatility("BTC"))

	v.Observe("BTC", 100, t0)
	v.Observe("BTC", 110, t0.Add(time.Second))
	assert.Equal(t, 0.05, v.Volatility("BTC"), "two prices give one return")

	v.Observe("BTC", 99, t0.Add(2*time.Second))
	assert.InDelta(t, math.Sqrt(0.02), v.Volatility("BTC"), 1e-9)

	// out of order and invalid prices are ignored
	v.Observe("BTC", 1, t0)
	v.Observe("BTC", math.NaN(), t0.Add(3*time.Second))
	v.Observe("BTC", -5, t0.Add(3*time.Second))
	assert.InDelta(t, math.Sqrt(0.02), v.Volatility("BTC"), 1e-9)
}

func TestVolatilityTracker_Window(t *testing.T) {
	v := NewVolatilityTracker(3, 0.05)
	t0 := time.Now()
	for i, p := range []float64{100, 150, 60, 100, 100, 100} {
		v.Observe("ETH", p, t0.Add(time.Duration(i)*time.Second))
	}
	assert.InDelta(t, 0, v.Volatility("ETH"), 1e-12)

	v.ObserveAll(map[string]float64{"SOL": 10, "ETH": 100}, t0.Add(10*time.Second))
	assert.ElementsMatch(t, []string{"ETH", "SOL"}, v.Tokens())
}

func TestPerformanceTracker(t *testing.T) {
	p := NewPerformanceTracker(4)
	assert.True(t, math.IsNaN(p.SuccessRate()))
	assert.Equal(t, -1.0, p.Stats().SuccessRate)

	for _, pnl := range []float64{1, 2, -1, 0.5} {
		p.Record(pnl)
	}
	assert.InDelta(t, 0.75, p.SuccessRate(), 1e-9)

	// window rolls: the first win drops out
	p.Record(-2)
	p.Record(0)
	assert.InDelta(t, 0.25, p.SuccessRate(), 1e-9)

	s := p.Stats()
	assert.Equal(t, 6, s.Trades)
	assert.Equal(t, 3, s.Wins)
	assert.Equal(t, 3, s.Losses)
	assert.InDelta(t, 0.5, s.TotalPnL, 1e-9)
	assert.Equal(t, 2.0, s.BestTrade)
	assert.Equal(t, -2.0, s.WorstTrade)
}
