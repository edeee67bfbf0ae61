package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// PaperExecutor fills every valid order in full at its requested price.
type PaperExecutor struct {
	clock func() time.Time
}

// NewPaperExecutor uses clock to judge order expiry; nil means time.Now.
func NewPaperExecutor(clock func() time.Time) *PaperExecutor {
	if clock == nil {
		clock = time.Now
	}
	return &PaperExecutor{clock: clock}
}

func (p *PaperExecutor) Submit(ctx context.Context, order types.TradeOrder) (types.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return types.ExecutionResult{}, err
	}
	if err := order.Validate(); err != nil {
		return types.ExecutionResult{}, err
	}
	now := p.clock()
	if order.Expired(now) {
		return types.ExecutionResult{}, fmt.Errorf("order %s expired at %s", order.ID, order.ExpiresAt.Format(time.RFC3339))
	}
	return types.ExecutionResult{
		OrderID:    order.ID,
		PositionID: order.PositionID,
		Intent:     order.Intent,
		Success:    true,
		FilledSize: order.Size,
		FillPrice:  order.Price,
		ExecutedAt: now,
	}, nil
}
