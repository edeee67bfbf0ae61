package types

import (
	"fmt"
	"time"
)

// OrderType is the kind of order handed to the external executor.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"
	OrderStopLoss   OrderType = "STOP_LOSS"
	OrderTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderIntent distinguishes entries from exits.
type OrderIntent string

const (
	IntentOpen  OrderIntent = "OPEN"
	IntentClose OrderIntent = "CLOSE"
)

// TradeOrder is an approved order for the executor. The engine never places
// orders itself.
type TradeOrder struct {
	ID         string      `json:"id"`
	PositionID string      `json:"position_id"`
	DecisionID string      `json:"decision_id,omitempty"`
	Intent     OrderIntent `json:"intent"`
	Type       OrderType   `json:"type"`
	Token      string      `json:"token"`
	Side       Side        `json:"side"`
	Size       float64     `json:"size"`
	Leverage   uint8       `json:"leverage"`
	Price      float64     `json:"price"`
	Reason     string      `json:"reason,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Validate checks the fields an executor relies on.
func (o TradeOrder) Validate() error {
	switch {
	case o.Token == "":
		return fmt.Errorf("order %s: token is required", o.ID)
	case o.Size <= 0:
		return fmt.Errorf("order %s: size must be positive, got %.8f", o.ID, o.Size)
	case o.Leverage == 0:
		return fmt.Errorf("order %s: leverage must be positive", o.ID)
	case o.Type != OrderMarket && o.Price <= 0:
		return fmt.Errorf("order %s: %s order requires a price", o.ID, o.Type)
	}
	return nil
}

// Expired reports whether the executor should drop the order.
func (o TradeOrder) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// ExecutionResult is fed back by the executor after handling an order.
type ExecutionResult struct {
	OrderID    string      `json:"order_id"`
	PositionID string      `json:"position_id"`
	Intent     OrderIntent `json:"intent"`
	Success    bool        `json:"success"`
	FilledSize float64     `json:"filled_size"`
	FillPrice  float64     `json:"fill_price"`
	Error      string      `json:"error,omitempty"`
	ExecutedAt time.Time   `json:"executed_at"`
}

// PartialFill reports a successful execution that filled less than requested.
func (r ExecutionResult) PartialFill(requested float64) bool {
	return r.Success && r.FilledSize > 0 && r.FilledSize < requested
}
