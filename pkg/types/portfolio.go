package types

import "time"

// Portfolio is a point-in-time view of account state. It references open
// positions by id only.
type Portfolio struct {
	Balance         float64   `json:"balance"`
	Equity          float64   `json:"equity"`
	MarginUsed      float64   `json:"margin_used"`
	MarginAvailable float64   `json:"margin_available"`
	DailyPnL        float64   `json:"daily_pnl"`
	OpenPositionIDs []string  `json:"open_position_ids"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OpenCount is the number of positions counting against the concurrency cap.
func (p Portfolio) OpenCount() int {
	return len(p.OpenPositionIDs)
}

// MarginUtilization is used margin over equity; 1 when equity is exhausted.
func (p Portfolio) MarginUtilization() float64 {
	if p.Equity <= 0 {
		return 1
	}
	return p.MarginUsed / p.Equity
}

// IsHealthy reports positive equity and non-negative free margin.
func (p Portfolio) IsHealthy() bool {
	return p.Equity > 0 && p.MarginAvailable >= 0
}
