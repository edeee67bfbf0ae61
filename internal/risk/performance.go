package risk

import (
	"math"
	"sync"
)

// TradingStats summarizes closed trades.
type TradingStats struct {
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPnL    float64 `json:"total_pnl"`
	BestTrade   float64 `json:"best_trade"`
	WorstTrade  float64 `json:"worst_trade"`
	SuccessRate float64 `json:"success_rate"` // trailing window; -1 without history
}

// PerformanceTracker records realized trade outcomes and exposes the trailing
// win rate over the last window trades.
type PerformanceTracker struct {
	mu     sync.RWMutex
	window []bool
	size   int
	next   int
	filled int
	stats  TradingStats
}

func NewPerformanceTracker(window int) *PerformanceTracker {
	if window <= 0 {
		window = 20
	}
	return &PerformanceTracker{window: make([]bool, window), size: window}
}

// Record adds one fully closed trade. Break-even counts as a loss.
func (p *PerformanceTracker) Record(pnl float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	win := pnl > 0
	p.window[p.next] = win
	p.next = (p.next + 1) % p.size
	if p.filled < p.size {
		p.filled++
	}

	s := &p.stats
	if s.Trades == 0 || pnl > s.BestTrade {
		s.BestTrade = pnl
	}
	if s.Trades == 0 || pnl < s.WorstTrade {
		s.WorstTrade = pnl
	}
	s.Trades++
	s.TotalPnL += pnl
	if win {
		s.Wins++
	} else {
		s.Losses++
	}
}

// SuccessRate is the share of winning trades in the window, NaN when empty.
func (p *PerformanceTracker) SuccessRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLocked()
}

func (p *PerformanceTracker) rateLocked() float64 {
	if p.filled == 0 {
		return math.NaN()
	}
	wins := 0
	for i := 0; i < p.filled; i++ {
		if p.window[i] {
			wins++
		}
	}
	return float64(wins) / float64(p.filled)
}

func (p *PerformanceTracker) Stats() TradingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.stats
	s.SuccessRate = p.rateLocked()
	if math.IsNaN(s.SuccessRate) {
		s.SuccessRate = -1
	}
	return s
}
