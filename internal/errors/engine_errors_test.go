package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryHelpersSeeThroughWrapping(t *testing.T) {
	base := NewBreakerOpenError("risk", "evaluate", "breaker is OPEN")
	wrapped := fmt.Errorf("evaluate signal: %w", base)

	assert.True(t, IsBreakerOpen(wrapped))
	assert.False(t, IsValidation(wrapped))
	assert.Equal(t, ErrorCategoryBreakerOpen, CategoryOf(wrapped))
	assert.Equal(t, ErrorCategory(""), CategoryOf(stderrors.New("plain")))
	assert.False(t, Is(nil, ErrorCategoryBreakerOpen))
}

func TestEngineErrorMessage(t *testing.T) {
	err := NewValidationError("validator", "INVALID_PRICE_NEGATIVE", "price must be positive")
	assert.Equal(t, "[VALIDATION:validator] validate: INVALID_PRICE_NEGATIVE: price must be positive", err.Error())

	wrapped := NewPersistenceError("store", "save_decision", stderrors.New("disk full"))
	assert.Contains(t, wrapped.Error(), "disk full")
	assert.True(t, wrapped.IsRetryable())
	assert.Equal(t, "disk full", stderrors.Unwrap(wrapped).Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorCategoryNetwork, "c", "o"))
	assert.Nil(t, Categorize(nil, "c", "o"))
}

func TestFatalConditions(t *testing.T) {
	assert.True(t, NewFatalError("breaker", "load", stderrors.New("corrupt")).IsFatal())
	assert.True(t, NewConfigurationError("config", "validate", "bad").IsFatal())
	assert.False(t, NewRiskRejection("risk", "too big").IsFatal())
	assert.True(t, IsFatal(fmt.Errorf("ctx: %w", NewFatalError("breaker", "save", nil))))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"timeout", stderrors.New("context deadline exceeded"), ErrorCategoryTimeout},
		{"network", stderrors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"rate limit", stderrors.New("429 too many requests"), ErrorCategoryRateLimit},
		{"invalid", stderrors.New("invalid input syntax"), ErrorCategoryValidation},
		{"unknown", stderrors.New("something odd"), ErrorCategoryTemporary},
		{"already categorized", NewPositionLimitError("positions", 3, 3), ErrorCategoryPositionLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err, "c", "o")
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Category)
		})
	}
}

func TestRecoveryActions(t *testing.T) {
	assert.Equal(t, RecoveryActionStop, NewFatalError("c", "o", nil).GetRecoveryAction())
	assert.Equal(t, RecoveryActionRetry, NewPersistenceError("c", "o", stderrors.New("x")).GetRecoveryAction())
	assert.Equal(t, RecoveryActionSkip, NewPersistenceError("c", "o", stderrors.New("x")).WithRetryable(false).GetRecoveryAction())
	assert.Equal(t, RecoveryActionWait, New(ErrorCategoryRateLimit, "c", "o", "slow down").GetRecoveryAction())
	assert.Equal(t, RecoveryActionSkip, NewValidationError("c", "X", "bad").GetRecoveryAction())
}

func TestErrorStats(t *testing.T) {
	stats := NewErrorStats(2)
	stats.RecordError(NewValidationError("c", "A", "a"))
	stats.RecordError(NewValidationError("c", "B", "b"))
	stats.RecordError(NewPersistenceError("c", "o", stderrors.New("x")))

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 2)
	assert.InDelta(t, 2.0/3.0, stats.GetErrorRate(ErrorCategoryValidation), 1e-9)
	assert.Equal(t, 0.0, NewErrorStats(1).GetErrorRate(ErrorCategoryFatal))
}
