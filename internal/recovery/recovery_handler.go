package recovery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
)

// RetryConfig defines retry behavior for different error categories
type RetryConfig struct {
	MaxRetries map[errors.ErrorCategory]int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultRetryConfig retries collaborator failures a few times and never
// retries validation or risk outcomes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: map[errors.ErrorCategory]int{
			errors.ErrorCategoryPersistence: 3,
			errors.ErrorCategoryNetwork:     3,
			errors.ErrorCategoryTimeout:     2,
			errors.ErrorCategoryTemporary:   2,
			errors.ErrorCategoryRateLimit:   5,
		},
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// RecoveryResult represents the decision taken after a failed attempt.
type RecoveryResult struct {
	Action     errors.RecoveryAction
	Delay      time.Duration
	ShouldStop bool
	Message    string
}

// Handler executes operations with per-category retry budgets and
// exponential backoff.
type Handler struct {
	cfg   RetryConfig
	log   zerolog.Logger
	mu    sync.Mutex
	stats *errors.ErrorStats
}

func NewHandler(log zerolog.Logger, cfg RetryConfig) *Handler {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxRetries == nil {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	return &Handler{
		cfg:   cfg,
		log:   log,
		stats: errors.NewErrorStats(50),
	}
}

// HandleError processes an error and returns a recovery strategy
func (h *Handler) HandleError(err error, component, operation string, attempt int) *RecoveryResult {
	engineErr := errors.Categorize(err, component, operation)

	h.mu.Lock()
	h.stats.RecordError(engineErr)
	h.mu.Unlock()

	action := engineErr.GetRecoveryAction()
	budget := h.cfg.MaxRetries[engineErr.Category]

	if engineErr.IsFatal() {
		return &RecoveryResult{
			Action:     errors.RecoveryActionStop,
			ShouldStop: true,
			Message:    fmt.Sprintf("fatal error in %s.%s", component, operation),
		}
	}
	if action == errors.RecoveryActionSkip || attempt >= budget {
		return &RecoveryResult{
			Action:     errors.RecoveryActionSkip,
			ShouldStop: true,
			Message:    fmt.Sprintf("giving up on %s.%s after %d attempts", component, operation, attempt+1),
		}
	}

	return &RecoveryResult{
		Action:  action,
		Delay:   h.calculateDelay(attempt),
		Message: fmt.Sprintf("retrying %s.%s (attempt %d/%d)", component, operation, attempt+1, budget+1),
	}
}

func (h *Handler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= h.cfg.Multiplier
	}
	delay := time.Duration(float64(h.cfg.BaseDelay) * multiplier)
	if h.cfg.MaxDelay > 0 && delay > h.cfg.MaxDelay {
		delay = h.cfg.MaxDelay
	}
	if h.cfg.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	}
	return delay
}

// ExecuteWithRecovery runs fn until it succeeds, the retry budget for its
// error category is exhausted, or ctx is done. The last error is returned.
func (h *Handler) ExecuteWithRecovery(ctx context.Context, component, operation string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				h.log.Info().
					Str("operation", component+"."+operation).
					Int("attempts", attempt+1).
					Msg("operation succeeded after retry")
			}
			return nil
		}

		result := h.HandleError(err, component, operation, attempt)
		if result.ShouldStop {
			h.log.Warn().Err(err).Str("operation", component+"."+operation).Msg(result.Message)
			return err
		}

		h.log.Debug().Err(err).Dur("delay", result.Delay).Msg(result.Message)
		if result.Delay > 0 {
			timer := time.NewTimer(result.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// ErrorRate returns the share of recorded errors in category.
func (h *Handler) ErrorRate(category errors.ErrorCategory) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.GetErrorRate(category)
}

// TotalErrors returns the number of failed attempts seen so far.
func (h *Handler) TotalErrors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.TotalErrors
}
