package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// ResultHandler receives the outcome of every submitted order.
type ResultHandler func(ctx context.Context, result types.ExecutionResult)

// ExecutionPool hands orders to the executor on worker goroutines so the
// engine never waits on a venue.
type ExecutionPool struct {
	executor    Executor
	handler     ResultHandler
	timeout     time.Duration
	workerCount int
	jobQueue    chan types.TradeOrder
	log         zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewExecutionPool(executor Executor, workerCount, bufferSize int, timeout time.Duration, log zerolog.Logger) *ExecutionPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionPool{
		executor:    executor,
		timeout:     timeout,
		workerCount: workerCount,
		jobQueue:    make(chan types.TradeOrder, bufferSize),
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers; handler receives every result.
func (p *ExecutionPool) Start(handler ResultHandler) {
	p.handler = handler
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains queued orders and waits for the workers.
func (p *ExecutionPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobQueue)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Submit queues order without blocking.
func (p *ExecutionPool) Submit(order types.TradeOrder) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("execution pool stopped")
	}
	select {
	case p.jobQueue <- order:
		return nil
	default:
		return fmt.Errorf("execution queue full")
	}
}

func (p *ExecutionPool) worker(workerID int) {
	defer p.wg.Done()
	for order := range p.jobQueue {
		result := p.execute(order)
		if p.handler != nil {
			p.handler(p.ctx, result)
		}
	}
	p.log.Debug().Int("worker", workerID).Msg("execution worker stopped")
}

func (p *ExecutionPool) execute(order types.TradeOrder) types.ExecutionResult {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := p.executor.Submit(ctx, order)
	if err != nil {
		p.log.Warn().Err(err).Str("order_id", order.ID).Str("intent", string(order.Intent)).Msg("order execution failed")
		return types.ExecutionResult{
			OrderID:    order.ID,
			PositionID: order.PositionID,
			Intent:     order.Intent,
			Error:      err.Error(),
			ExecutedAt: time.Now(),
		}
	}
	if result.OrderID == "" {
		result.OrderID = order.ID
	}
	if result.PositionID == "" {
		result.PositionID = order.PositionID
	}
	if result.Intent == "" {
		result.Intent = order.Intent
	}
	p.log.Debug().Str("order_id", order.ID).Dur("took", time.Since(start)).Bool("success", result.Success).Msg("order executed")
	return result
}
