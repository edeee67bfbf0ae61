package state

import (
	"context"
	"time"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// AccountState is the recoverable account: balance, today's PnL and the
// positions that were still active when it was written.
type AccountState struct {
	Balance   float64          `json:"balance" db:"balance"`
	DailyPnL  float64          `json:"daily_pnl" db:"daily_pnl"`
	Day       string           `json:"day" db:"day"`
	Positions []types.Position `json:"positions" db:"-"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// RecordStore durably stores decisions, position changes and account state.
type RecordStore interface {
	SaveDecision(ctx context.Context, d types.Decision) error
	SavePosition(ctx context.Context, p types.Position) error
	SaveAccount(ctx context.Context, a AccountState) error
	// LoadAccount returns (nil, nil) when nothing has been stored yet.
	LoadAccount(ctx context.Context) (*AccountState, error)
	RecentDecisions(ctx context.Context, limit int) ([]types.Decision, error)
	ClosedPositions(ctx context.Context, limit int) ([]types.Position, error)
}
