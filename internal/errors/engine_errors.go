package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCategory groups engine errors by how callers should react to them.
type ErrorCategory string

const (
	// Halting conditions
	ErrorCategoryFatal         ErrorCategory = "FATAL"
	ErrorCategoryConfiguration ErrorCategory = "CONFIG"
	ErrorCategoryBreakerOpen   ErrorCategory = "BREAKER_OPEN"

	// Normal, non-fault outcomes of evaluating a signal
	ErrorCategoryValidation    ErrorCategory = "VALIDATION"
	ErrorCategoryRiskRejection ErrorCategory = "RISK_REJECTION"
	ErrorCategoryPositionLimit ErrorCategory = "POSITION_LIMIT"
	ErrorCategoryRateLimit     ErrorCategory = "RATE_LIMIT"
	ErrorCategoryNotFound      ErrorCategory = "NOT_FOUND"
	ErrorCategoryUnauthorized  ErrorCategory = "UNAUTHORIZED"

	// Collaborator failures
	ErrorCategoryPersistence      ErrorCategory = "PERSISTENCE"
	ErrorCategoryPriceUnavailable ErrorCategory = "PRICE_UNAVAILABLE"
	ErrorCategoryExecution        ErrorCategory = "EXECUTION"
	ErrorCategoryNetwork          ErrorCategory = "NETWORK"
	ErrorCategoryTimeout          ErrorCategory = "TIMEOUT"
	ErrorCategoryTemporary        ErrorCategory = "TEMPORARY"
)

// EngineError is a categorized error with the component and operation that
// produced it.
type EngineError struct {
	Category   ErrorCategory
	Component  string
	Operation  string
	Code       string
	Message    string
	Underlying error
	Context    map[string]interface{}
	Retryable  bool
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Category, e.Component, e.Operation, msg, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Category, e.Component, e.Operation, msg)
}

func (e *EngineError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error can be retried
func (e *EngineError) IsRetryable() bool {
	return e.Retryable
}

// IsFatal reports conditions that must halt the pipeline.
func (e *EngineError) IsFatal() bool {
	return e.Category == ErrorCategoryFatal || e.Category == ErrorCategoryConfiguration
}

// New creates a categorized error.
func New(category ErrorCategory, component, operation, message string) *EngineError {
	return &EngineError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableCategory(category),
	}
}

// Wrap wraps err with engine context. Returns nil for a nil err.
func Wrap(err error, category ErrorCategory, component, operation string) *EngineError {
	if err == nil {
		return nil
	}
	return &EngineError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
		Context:    make(map[string]interface{}),
		Retryable:  isRetryableCategory(category),
	}
}

// WithCode attaches a machine readable code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryable sets the retryable flag
func (e *EngineError) WithRetryable(retryable bool) *EngineError {
	e.Retryable = retryable
	return e
}

func isRetryableCategory(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryPersistence, ErrorCategoryNetwork, ErrorCategoryTimeout,
		ErrorCategoryTemporary, ErrorCategoryRateLimit, ErrorCategoryPriceUnavailable:
		return true
	default:
		return false
	}
}

// CategoryOf returns the category of the first EngineError in err's chain,
// or "" when there is none.
func CategoryOf(err error) ErrorCategory {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// Is reports whether err carries the given category.
func Is(err error, category ErrorCategory) bool {
	return err != nil && CategoryOf(err) == category
}

func IsValidation(err error) bool       { return Is(err, ErrorCategoryValidation) }
func IsBreakerOpen(err error) bool      { return Is(err, ErrorCategoryBreakerOpen) }
func IsPositionLimit(err error) bool    { return Is(err, ErrorCategoryPositionLimit) }
func IsPersistence(err error) bool      { return Is(err, ErrorCategoryPersistence) }
func IsPriceUnavailable(err error) bool { return Is(err, ErrorCategoryPriceUnavailable) }
func IsNotFound(err error) bool         { return Is(err, ErrorCategoryNotFound) }
func IsUnauthorized(err error) bool     { return Is(err, ErrorCategoryUnauthorized) }

// IsFatal reports whether err (anywhere in its chain) must halt the pipeline.
func IsFatal(err error) bool {
	var ee *EngineError
	return stderrors.As(err, &ee) && ee.IsFatal()
}

// Categorize attempts to categorize a generic error
func Categorize(err error, component, operation string) *EngineError {
	if err == nil {
		return nil
	}

	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "context deadline exceeded") {
		return Wrap(err, ErrorCategoryTimeout, component, operation)
	}

	if strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network") ||
		strings.Contains(errMsg, "dns") || strings.Contains(errMsg, "dial") {
		return Wrap(err, ErrorCategoryNetwork, component, operation)
	}

	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "too many requests") {
		return Wrap(err, ErrorCategoryRateLimit, component, operation)
	}

	if strings.Contains(errMsg, "invalid") || strings.Contains(errMsg, "constraint") {
		return Wrap(err, ErrorCategoryValidation, component, operation)
	}

	return Wrap(err, ErrorCategoryTemporary, component, operation)
}

func NewValidationError(component, code, message string) *EngineError {
	return New(ErrorCategoryValidation, component, "validate", message).WithCode(code)
}

func NewRiskRejection(component, message string) *EngineError {
	return New(ErrorCategoryRiskRejection, component, "evaluate", message)
}

func NewBreakerOpenError(component, operation, message string) *EngineError {
	return New(ErrorCategoryBreakerOpen, component, operation, message)
}

func NewPositionLimitError(component string, open, max int) *EngineError {
	return New(ErrorCategoryPositionLimit, component, "open",
		fmt.Sprintf("open positions %d reached limit %d", open, max)).
		WithCode("POSITION_LIMIT_EXCEEDED").
		WithContext("open", open).
		WithContext("max", max)
}

func NewPersistenceError(component, operation string, err error) *EngineError {
	return Wrap(err, ErrorCategoryPersistence, component, operation)
}

func NewPriceUnavailableError(component, token string) *EngineError {
	return New(ErrorCategoryPriceUnavailable, component, "monitor_tick",
		fmt.Sprintf("no price for %s", token)).WithContext("token", token)
}

func NewConfigurationError(component, operation, message string) *EngineError {
	return New(ErrorCategoryConfiguration, component, operation, message)
}

func NewNotFoundError(component, operation, message string) *EngineError {
	return New(ErrorCategoryNotFound, component, operation, message)
}

func NewUnauthorizedError(component, operation, message string) *EngineError {
	return New(ErrorCategoryUnauthorized, component, operation, message)
}

func NewFatalError(component, operation string, err error) *EngineError {
	if err == nil {
		return New(ErrorCategoryFatal, component, operation, "fatal condition")
	}
	return Wrap(err, ErrorCategoryFatal, component, operation)
}

// RecoveryAction is the suggested reaction to an error.
type RecoveryAction string

const (
	RecoveryActionRetry RecoveryAction = "RETRY"
	RecoveryActionSkip  RecoveryAction = "SKIP"
	RecoveryActionStop  RecoveryAction = "STOP"
	RecoveryActionWait  RecoveryAction = "WAIT"
)

// GetRecoveryAction suggests a recovery action based on error category
func (e *EngineError) GetRecoveryAction() RecoveryAction {
	switch e.Category {
	case ErrorCategoryFatal, ErrorCategoryConfiguration:
		return RecoveryActionStop
	case ErrorCategoryRateLimit:
		return RecoveryActionWait
	case ErrorCategoryPersistence, ErrorCategoryNetwork, ErrorCategoryTimeout, ErrorCategoryTemporary:
		if e.Retryable {
			return RecoveryActionRetry
		}
		return RecoveryActionSkip
	default:
		return RecoveryActionSkip
	}
}

// ErrorStats tracks error statistics. Not safe for concurrent use.
type ErrorStats struct {
	TotalErrors      int
	ErrorsByCategory map[ErrorCategory]int
	RecentErrors     []*EngineError
	MaxRecentErrors  int
}

func NewErrorStats(maxRecentErrors int) *ErrorStats {
	return &ErrorStats{
		ErrorsByCategory: make(map[ErrorCategory]int),
		RecentErrors:     make([]*EngineError, 0, maxRecentErrors),
		MaxRecentErrors:  maxRecentErrors,
	}
}

// RecordError records an error in the statistics
func (es *ErrorStats) RecordError(err *EngineError) {
	es.TotalErrors++
	es.ErrorsByCategory[err.Category]++

	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > es.MaxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate returns the error rate for a specific category
func (es *ErrorStats) GetErrorRate(category ErrorCategory) float64 {
	if es.TotalErrors == 0 {
		return 0.0
	}
	return float64(es.ErrorsByCategory[category]) / float64(es.TotalErrors)
}
