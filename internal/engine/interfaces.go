package engine

import (
	"context"
	"time"

	"github.com/ducminhle1904/signal-risk-engine/internal/notifications"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// Executor places approved orders on a venue. It is the only way the engine
// reaches the outside world; Submit may block on the network and is never
// called with an engine lock held.
type Executor interface {
	Submit(ctx context.Context, order types.TradeOrder) (types.ExecutionResult, error)
}

// PriceFeed supplies the latest price per token for monitoring. Tokens it
// cannot price are simply absent from the result.
type PriceFeed interface {
	Prices(ctx context.Context, tokens []string) (map[string]float64, error)
}

// PriceRecorder is implemented by feeds that learn prices from signals.
type PriceRecorder interface {
	Record(token string, price float64, at time.Time)
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev notifications.Event) bool
}
