package types

import "time"

// RejectKind classifies why a decision was not approved.
type RejectKind string

const (
	RejectNone               RejectKind = ""
	RejectBreakerOpen        RejectKind = "BREAKER_OPEN"
	RejectRisk               RejectKind = "RISK_REJECTION"
	RejectPositionLimit      RejectKind = "POSITION_LIMIT_EXCEEDED"
	RejectInsufficientMargin RejectKind = "INSUFFICIENT_MARGIN"
)

// RiskAssessment is the raw output of the risk manager for one signal.
type RiskAssessment struct {
	Approved   bool       `json:"approved"`
	Leverage   uint8      `json:"leverage"`
	Size       float64    `json:"size"`
	Margin     float64    `json:"margin"`
	Volatility float64    `json:"volatility"`
	Reason     string     `json:"reason"`
	RejectKind RejectKind `json:"reject_kind,omitempty"`
	Trial      bool       `json:"trial,omitempty"` // admitted as a half-open breaker trial
}

// Decision is the engine's immutable approve/deny/size output for a signal.
type Decision struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	SignalID    string     `json:"signal_id"`
	Token       string     `json:"token"`
	Side        Side       `json:"side"`
	Confidence  Confidence `json:"confidence"`
	Price       float64    `json:"price"`
	Approved    bool       `json:"approved"`
	Leverage    uint8      `json:"leverage"`
	Size        float64    `json:"size"`
	Margin      float64    `json:"margin"`
	Reason      string     `json:"reason"`
	RejectKind  RejectKind `json:"reject_kind,omitempty"`
	PositionID  string     `json:"position_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	// Unpersisted marks a decision still waiting in the write-behind backlog.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// Expired reports whether the decision may no longer be served.
func (d Decision) Expired(now time.Time) bool {
	return now.After(d.ExpiresAt)
}
