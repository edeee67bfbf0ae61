package types

import (
	"math"
	"time"
)

// LiquidationThreshold is the share of posted margin that can be lost before
// the venue liquidates a position.
const LiquidationThreshold = 0.95

// PositionStatus is the lifecycle state of a position: Open -> Closing -> Closed.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// CloseReason records why a position left the Open state.
type CloseReason string

const (
	CloseManual               CloseReason = "MANUAL"
	CloseEmergency            CloseReason = "EMERGENCY"
	CloseLiquidationAvoidance CloseReason = "LIQUIDATION_AVOIDANCE"
	CloseLiquidated           CloseReason = "LIQUIDATED"
	CloseStopLoss             CloseReason = "STOP_LOSS"
	CloseTrailingStop         CloseReason = "TRAILING_STOP"
	CloseTakeProfit           CloseReason = "TAKE_PROFIT"
	CloseMaxDuration          CloseReason = "MAX_DURATION"
	CloseExecutionFailed      CloseReason = "EXECUTION_FAILED"
)

// Position is a leveraged position. Size is USD notional; margin is Size/Leverage.
type Position struct {
	ID               string         `json:"id"`
	DecisionID       string         `json:"decision_id"`
	Token            string         `json:"token"`
	Side             Side           `json:"side"`
	Size             float64        `json:"size"`
	Leverage         uint8          `json:"leverage"`
	EntryPrice       float64        `json:"entry_price"`
	CurrentPrice     float64        `json:"current_price"`
	UnrealizedPnL    float64        `json:"unrealized_pnl"`
	RealizedPnL      float64        `json:"realized_pnl"`
	LiquidationPrice float64        `json:"liquidation_price"`
	Status           PositionStatus `json:"status"`
	CloseReason      CloseReason    `json:"close_reason,omitempty"`
	PartialTaken     bool           `json:"partial_taken"`
	PeakROE          float64        `json:"peak_roe"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// LiquidationPrice returns the price at which a position with the given
// entry and leverage would be liquidated.
func LiquidationPrice(side Side, entry float64, leverage uint8) float64 {
	if leverage == 0 {
		return 0
	}
	move := LiquidationThreshold / float64(leverage)
	if side == SideShort {
		return entry * (1 + move)
	}
	return entry * (1 - move)
}

// Margin is the collateral posted for the position.
func (p *Position) Margin() float64 {
	if p.Leverage == 0 {
		return p.Size
	}
	return p.Size / float64(p.Leverage)
}

// PnLAt returns the unrealized PnL if the market traded at price.
func (p *Position) PnLAt(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	change := price - p.EntryPrice
	if p.Side == SideShort {
		change = -change
	}
	return change / p.EntryPrice * p.Size
}

// UpdatePrice refreshes the last observed price and unrealized PnL.
func (p *Position) UpdatePrice(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
	if roe := p.ROE(); roe > p.PeakROE {
		p.PeakROE = roe
	}
}

// ROE is unrealized PnL as a fraction of posted margin.
func (p *Position) ROE() float64 {
	margin := p.Margin()
	if margin <= 0 {
		return 0
	}
	return p.UnrealizedPnL / margin
}

// LiquidationDistance is how far, as a fraction of the current price, the
// market must move against the position to reach the liquidation price.
// Negative values mean the liquidation price has already been crossed.
func (p *Position) LiquidationDistance() float64 {
	if p.CurrentPrice <= 0 {
		return math.Inf(1)
	}
	if p.Side == SideShort {
		return (p.LiquidationPrice - p.CurrentPrice) / p.CurrentPrice
	}
	return (p.CurrentPrice - p.LiquidationPrice) / p.CurrentPrice
}

// Duration returns how long the position has been (or was) held.
func (p *Position) Duration(now time.Time) time.Duration {
	if p.ClosedAt != nil {
		return p.ClosedAt.Sub(p.OpenedAt)
	}
	return now.Sub(p.OpenedAt)
}

// IsActive reports whether the position still counts against the cap.
func (p *Position) IsActive() bool {
	return p.Status == PositionOpen || p.Status == PositionClosing
}
