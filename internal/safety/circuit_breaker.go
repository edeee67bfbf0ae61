package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
)

// CircuitBreakerState represents the state of the trading circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s CircuitBreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *CircuitBreakerState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", string(b))
	}
	return nil
}

// Trip reasons recorded in the snapshot.
const (
	TripDailyLoss   = "DAILY_LOSS_LIMIT"
	TripFailures    = "CONSECUTIVE_FAILURES"
	TripHalfOpen    = "HALF_OPEN_FAILURE"
	TripManual      = "MANUAL_HALT"
	TripStateFailed = "STATE_UNAVAILABLE"
)

// BreakerSnapshot is the persisted state of the breaker.
type BreakerSnapshot struct {
	State               CircuitBreakerState `json:"state"`
	DailyLoss           float64             `json:"daily_loss"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	HalfOpenSuccesses   int                 `json:"half_open_successes"`
	TrippedAt           *time.Time          `json:"tripped_at,omitempty"`
	TripReason          string              `json:"trip_reason,omitempty"`
	Manual              bool                `json:"manual"`
	Corrupted           bool                `json:"corrupted"`
	Day                 string              `json:"day"`
	Version             int64               `json:"version"`
	UpdatedAt           time.Time           `json:"updated_at"`
	RequireToken        bool                `json:"require_token"`
}

// BreakerStore persists breaker snapshots. Load returns (nil, nil) when no
// state has ever been written.
type BreakerStore interface {
	LoadBreaker() (*BreakerSnapshot, error)
	SaveBreaker(snapshot *BreakerSnapshot) error
}

// CircuitBreakerConfig holds the trip and recovery policy.
type CircuitBreakerConfig struct {
	MaxDailyLoss              float64 // Trip when realized daily loss reaches this
	FailureThreshold          int     // Trip after this many consecutive failures
	SuccessThreshold          int     // Successes needed to close from half-open
	HalfOpenMaxTrials         int     // Concurrent trials admitted while half-open
	DailyResetReopensAutoTrip bool    // Day boundary closes an automatic trip; a manual halt always stays
	ResetTokenHash            string  // bcrypt hash of the reset credential
	Location                  *time.Location
	Clock                     func() time.Time
}

// Admission is the breaker's answer for one evaluation.
type Admission struct {
	Allowed bool
	Trial   bool
	State   CircuitBreakerState
	Reason  string
}

// CircuitBreaker guards the whole signal pipeline. Every mutation is written
// to the store before it takes effect; if that write fails the breaker fails
// closed and stays Open until a reset succeeds in persisting.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	store         BreakerStore
	log           zerolog.Logger
	mutex         sync.RWMutex
	snap          BreakerSnapshot
	trials        int
	onStateChange func(from, to CircuitBreakerState, snap BreakerSnapshot)
}

// NewCircuitBreaker loads the last persisted state. When the state cannot be
// loaded the returned breaker is Open and corrupted, and the error is fatal.
func NewCircuitBreaker(config CircuitBreakerConfig, store BreakerStore, log zerolog.Logger) (*CircuitBreaker, error) {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.HalfOpenMaxTrials <= 0 {
		config.HalfOpenMaxTrials = 1
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	cb := &CircuitBreaker{
		config: config,
		store:  store,
		log:    log,
	}

	now := config.Clock()
	loaded, err := store.LoadBreaker()
	if err != nil {
		cb.failClosed(now)
		cb.log.Error().Err(err).Msg("breaker state could not be loaded, failing closed")
		return cb, errors.NewFatalError("breaker", "load", err)
	}

	if loaded == nil {
		cb.snap = BreakerSnapshot{State: StateClosed, Day: cb.dayKey(now), UpdatedAt: now, RequireToken: true}
		if err := cb.store.SaveBreaker(&cb.snap); err != nil {
			cb.failClosed(now)
			return cb, errors.NewFatalError("breaker", "save", err)
		}
		return cb, nil
	}

	cb.snap = *loaded
	cb.log.Info().
		Str("state", cb.snap.State.String()).
		Float64("daily_loss", cb.snap.DailyLoss).
		Int("consecutive_failures", cb.snap.ConsecutiveFailures).
		Msg("breaker state restored")
	return cb, nil
}

// SetStateChangeCallback sets a callback invoked after each persisted transition.
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(from, to CircuitBreakerState, snap BreakerSnapshot)) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = callback
}

// State returns the current state after applying any pending day boundary.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return cb.Status().State
}

// Status returns a copy of the current snapshot.
func (cb *CircuitBreaker) Status() BreakerSnapshot {
	_ = cb.CheckDayBoundary()
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.snap
}

// Allow reports whether evaluations may proceed, without reserving a trial.
func (cb *CircuitBreaker) Allow() bool {
	_ = cb.CheckDayBoundary()
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	switch cb.snap.State {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.trials < cb.config.HalfOpenMaxTrials
	default:
		return false
	}
}

// Admit decides whether one evaluation may proceed. In HalfOpen it reserves
// a trial slot that is returned by RecordSuccess, RecordFailure or
// ReleaseTrial.
func (cb *CircuitBreaker) Admit() Admission {
	_ = cb.CheckDayBoundary()
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.snap.State {
	case StateClosed:
		return Admission{Allowed: true, State: StateClosed}
	case StateHalfOpen:
		if cb.trials >= cb.config.HalfOpenMaxTrials {
			return Admission{State: StateHalfOpen, Reason: "breaker HALF_OPEN: trial capacity in use"}
		}
		cb.trials++
		return Admission{Allowed: true, Trial: true, State: StateHalfOpen}
	default:
		reason := "breaker OPEN"
		if cb.snap.TripReason != "" {
			reason += ": " + cb.snap.TripReason
		}
		return Admission{State: cb.snap.State, Reason: reason}
	}
}

// ReleaseTrial returns a half-open trial slot that did not lead to a trade.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.trials > 0 {
		cb.trials--
	}
}

// RecordSuccess records a successful trade execution.
func (cb *CircuitBreaker) RecordSuccess() error {
	cb.mutex.Lock()
	next := cb.snap
	next.ConsecutiveFailures = 0
	to := next.State
	if next.State == StateHalfOpen {
		if cb.trials > 0 {
			cb.trials--
		}
		next.HalfOpenSuccesses++
		if next.HalfOpenSuccesses >= cb.config.SuccessThreshold {
			to = StateClosed
			next.HalfOpenSuccesses = 0
			next.TrippedAt = nil
			next.TripReason = ""
		}
	}
	next.State = to
	return cb.commitLocked(next, "success")
}

// RecordFailure records a failed trade. In HalfOpen any failure re-opens.
func (cb *CircuitBreaker) RecordFailure(reason string) error {
	_ = cb.CheckDayBoundary()
	cb.mutex.Lock()
	next := cb.snap
	next.ConsecutiveFailures++

	switch next.State {
	case StateHalfOpen:
		if cb.trials > 0 {
			cb.trials--
		}
		cb.tripInto(&next, TripHalfOpen, false)
	case StateClosed:
		if next.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.tripInto(&next, TripFailures, false)
		}
	}
	cb.log.Warn().Str("reason", reason).Int("consecutive_failures", next.ConsecutiveFailures).Msg("trade failure recorded")
	return cb.commitLocked(next, reason)
}

// RecordLoss adds a realized loss (positive amount) to the daily accumulator.
func (cb *CircuitBreaker) RecordLoss(amount float64) error {
	if amount <= 0 {
		return nil
	}
	_ = cb.CheckDayBoundary()
	cb.mutex.Lock()
	next := cb.snap
	next.DailyLoss += amount
	if next.State != StateOpen && cb.config.MaxDailyLoss > 0 && next.DailyLoss >= cb.config.MaxDailyLoss {
		cb.tripInto(&next, TripDailyLoss, false)
	}
	return cb.commitLocked(next, "realized loss")
}

// ForceOpen halts trading manually. A manual halt survives day boundaries.
func (cb *CircuitBreaker) ForceOpen(reason string) error {
	cb.mutex.Lock()
	next := cb.snap
	cb.tripInto(&next, TripManual, true)
	if reason != "" {
		next.TripReason = TripManual + ": " + reason
	}
	return cb.commitLocked(next, "manual halt")
}

// Reset moves an Open breaker to HalfOpen after verifying token against the
// configured bcrypt hash. Counters are cleared. It is the only way out of Open.
func (cb *CircuitBreaker) Reset(token string) error {
	if cb.config.ResetTokenHash == "" {
		return errors.NewUnauthorizedError("breaker", "reset", "no reset credential configured")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cb.config.ResetTokenHash), []byte(token)); err != nil {
		cb.log.Warn().Msg("breaker reset rejected: invalid credential")
		return errors.NewUnauthorizedError("breaker", "reset", "invalid reset credential")
	}

	cb.mutex.Lock()
	if cb.snap.State != StateOpen {
		state := cb.snap.State
		cb.mutex.Unlock()
		return errors.New(errors.ErrorCategoryRiskRejection, "breaker", "reset",
			fmt.Sprintf("breaker is %s, only OPEN can be reset", state))
	}

	now := cb.config.Clock()
	next := cb.snap
	next.State = StateHalfOpen
	next.DailyLoss = 0
	next.ConsecutiveFailures = 0
	next.HalfOpenSuccesses = 0
	next.Manual = false
	next.Corrupted = false
	next.Day = cb.dayKey(now)
	cb.trials = 0
	return cb.commitLocked(next, "authorized reset")
}

// CheckDayBoundary clears the daily counters when the day has changed. An
// Open breaker stays Open unless it tripped on its own and the policy allows
// reopening; a manual halt or a corrupted state never reopens here.
func (cb *CircuitBreaker) CheckDayBoundary() error {
	now := cb.config.Clock()
	today := cb.dayKey(now)

	cb.mutex.RLock()
	same := cb.snap.Day == today || cb.snap.Corrupted
	cb.mutex.RUnlock()
	if same {
		return nil
	}

	cb.mutex.Lock()
	if cb.snap.Day == today || cb.snap.Corrupted {
		cb.mutex.Unlock()
		return nil
	}
	next := cb.snap
	next.Day = today
	next.DailyLoss = 0
	next.ConsecutiveFailures = 0

	switch next.State {
	case StateHalfOpen:
		next.State = StateClosed
		next.HalfOpenSuccesses = 0
		next.TrippedAt = nil
		next.TripReason = ""
	case StateOpen:
		if cb.config.DailyResetReopensAutoTrip && !next.Manual && !next.Corrupted {
			next.State = StateClosed
			next.TrippedAt = nil
			next.TripReason = ""
		}
	}
	return cb.commitLocked(next, "day boundary")
}

func (cb *CircuitBreaker) tripInto(next *BreakerSnapshot, reason string, manual bool) {
	now := cb.config.Clock()
	if next.State != StateOpen {
		next.TrippedAt = &now
	}
	next.State = StateOpen
	next.TripReason = reason
	next.HalfOpenSuccesses = 0
	next.Manual = next.Manual || manual
}

// commitLocked persists next and only then applies it. Must be called with
// the write lock held; it releases the lock before running callbacks.
func (cb *CircuitBreaker) commitLocked(next BreakerSnapshot, cause string) error {
	now := cb.config.Clock()
	from := cb.snap.State
	next.Version = cb.snap.Version + 1
	next.UpdatedAt = now
	next.RequireToken = true

	if err := cb.store.SaveBreaker(&next); err != nil {
		cb.failClosed(now)
		snap := cb.snap
		callback := cb.onStateChange
		cb.mutex.Unlock()
		cb.log.Error().Err(err).Str("cause", cause).Msg("breaker state could not be persisted, failing closed")
		if callback != nil && from != StateOpen {
			callback(from, StateOpen, snap)
		}
		return errors.NewFatalError("breaker", "save", err)
	}

	cb.snap = next
	callback := cb.onStateChange
	cb.mutex.Unlock()

	if from != next.State {
		cb.log.Warn().
			Str("from", from.String()).
			Str("to", next.State.String()).
			Str("cause", cause).
			Str("trip_reason", next.TripReason).
			Float64("daily_loss", next.DailyLoss).
			Int("consecutive_failures", next.ConsecutiveFailures).
			Msg("breaker state changed")
		if callback != nil {
			callback(from, next.State, next)
		}
	}
	return nil
}

// failClosed forces the in-memory state to Open without persisting.
func (cb *CircuitBreaker) failClosed(now time.Time) {
	if cb.snap.State != StateOpen {
		cb.snap.TrippedAt = &now
	}
	cb.snap.State = StateOpen
	cb.snap.Corrupted = true
	cb.snap.TripReason = TripStateFailed
	cb.snap.UpdatedAt = now
	cb.snap.RequireToken = true
	if cb.snap.Day == "" {
		cb.snap.Day = cb.dayKey(now)
	}
}

func (cb *CircuitBreaker) dayKey(t time.Time) string {
	return t.In(cb.config.Location).Format("2006-01-02")
}

// HashResetToken produces a bcrypt hash suitable for ResetTokenHash.
func HashResetToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("reset token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash reset token: %w", err)
	}
	return string(hash), nil
}
