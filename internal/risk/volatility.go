package risk

import (
	"math"
	"sync"
	"time"
)

// VolatilityTracker keeps a rolling window of prices per token and reports the
// standard deviation of simple returns between observations.
type VolatilityTracker struct {
	mu       sync.RWMutex
	window   int
	fallback float64
	series   map[string][]float64
	lastSeen map[string]time.Time
}

// NewVolatilityTracker keeps window prices per token. fallback is reported
// until a token has at least three prices.
func NewVolatilityTracker(window int, fallback float64) *VolatilityTracker {
	if window < 3 {
		window = 20
	}
	return &VolatilityTracker{
		window:   window,
		fallback: fallback,
		series:   make(map[string][]float64),
		lastSeen: make(map[string]time.Time),
	}
}

// Observe records a price. Observations older than the last one are ignored.
func (v *VolatilityTracker) Observe(token string, price float64, at time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if last, ok := v.lastSeen[token]; ok && at.Before(last) {
		return
	}
	v.lastSeen[token] = at
	s := append(v.series[token], price)
	if len(s) > v.window {
		s = s[len(s)-v.window:]
	}
	v.series[token] = s
}

// ObserveAll records a batch of prices taken at the same instant.
func (v *VolatilityTracker) ObserveAll(prices map[string]float64, at time.Time) {
	for token, p := range prices {
		v.Observe(token, p, at)
	}
}

// Volatility returns the sample standard deviation of returns for token.
func (v *VolatilityTracker) Volatility(token string) float64 {
	v.mu.RLock()
	s := v.series[token]
	v.mu.RUnlock()
	if len(s) < 3 {
		return v.fallback
	}

	returns := make([]float64, 0, len(s)-1)
	for i := 1; i < len(s); i++ {
		returns = append(returns, s[i]/s[i-1]-1)
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(returns)-1))
}

// Tokens lists every token with at least one observation.
func (v *VolatilityTracker) Tokens() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.series))
	for t := range v.series {
		out = append(out, t)
	}
	return out
}
