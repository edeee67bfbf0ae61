package recovery

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
)

func fastConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestExecuteWithRecoveryRetriesPersistence(t *testing.T) {
	h := NewHandler(zerolog.Nop(), fastConfig())

	calls := 0
	err := h.ExecuteWithRecovery(context.Background(), "store", "save", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.NewPersistenceError("store", "save", stderrors.New("connection reset"))
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, h.TotalErrors())
}

func TestExecuteWithRecoveryExhaustsBudget(t *testing.T) {
	h := NewHandler(zerolog.Nop(), fastConfig())

	calls := 0
	err := h.ExecuteWithRecovery(context.Background(), "store", "save", func(ctx context.Context) error {
		calls++
		return errors.NewPersistenceError("store", "save", stderrors.New("disk full"))
	})

	assert.True(t, errors.IsPersistence(err))
	assert.Equal(t, 4, calls, "one attempt plus three retries")
	assert.Equal(t, 1.0, h.ErrorRate(errors.ErrorCategoryPersistence))
}

func TestExecuteWithRecoveryDoesNotRetryValidation(t *testing.T) {
	h := NewHandler(zerolog.Nop(), fastConfig())

	calls := 0
	err := h.ExecuteWithRecovery(context.Background(), "validator", "validate", func(ctx context.Context) error {
		calls++
		return errors.NewValidationError("validator", "BAD", "bad")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRecoveryHonoursContext(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	h := NewHandler(zerolog.Nop(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	err := h.ExecuteWithRecovery(ctx, "store", "save", func(ctx context.Context) error {
		cancel()
		return errors.NewPersistenceError("store", "save", stderrors.New("timeout"))
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateDelayCapsAtMax(t *testing.T) {
	h := NewHandler(zerolog.Nop(), RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2})

	assert.Equal(t, time.Second, h.calculateDelay(0))
	assert.Equal(t, 2*time.Second, h.calculateDelay(1))
	assert.Equal(t, 3*time.Second, h.calculateDelay(5))
}
