package monitoring

import (
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxHealthErrors = 10

var startTime = time.Now()

// HealthChecker aggregates engine liveness for the /health endpoint.
type HealthChecker struct {
	mu               sync.RWMutex
	tickInterval     time.Duration
	lastTick         time.Time
	breakerState     string
	breakerCorrupted bool
	unpersisted      int
	errors           []string
	now              func() time.Time
}

type HealthStatus struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	LastTick         time.Time `json:"last_tick"`
	BreakerState     string    `json:"breaker_state"`
	BreakerCorrupted bool      `json:"breaker_corrupted"`
	Unpersisted      int       `json:"unpersisted"`
	Uptime           string    `json:"uptime"`
	Errors           []string  `json:"errors,omitempty"`
}

// NewHealthChecker expects a monitor tick every tickInterval.
func NewHealthChecker(tickInterval time.Duration) *HealthChecker {
	return &HealthChecker{
		tickInterval: tickInterval,
		breakerState: "CLOSED",
		errors:       make([]string, 0),
		now:          time.Now,
	}
}

func (h *HealthChecker) RecordTick(at time.Time) {
	h.mu.Lock()
	h.lastTick = at
	h.mu.Unlock()
}

func (h *HealthChecker) SetBreaker(state string, corrupted bool) {
	h.mu.Lock()
	h.breakerState = state
	h.breakerCorrupted = corrupted
	h.mu.Unlock()
}

func (h *HealthChecker) SetUnpersisted(n int) {
	h.mu.Lock()
	h.unpersisted = n
	h.mu.Unlock()
}

// RecordError keeps the most recent errors.
func (h *HealthChecker) RecordError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, msg)
	if len(h.errors) > maxHealthErrors {
		h.errors = h.errors[len(h.errors)-maxHealthErrors:]
	}
}

func (h *HealthChecker) ClearErrors() {
	h.mu.Lock()
	h.errors = h.errors[:0]
	h.mu.Unlock()
}

// Status is unhealthy when breaker state could not be trusted, and
// degraded when trading is halted, writes are backlogged or the monitor
// loop has stalled.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	status := "healthy"
	stalled := h.tickInterval > 0 && !h.lastTick.IsZero() && now.Sub(h.lastTick) > 3*h.tickInterval
	if h.breakerState != "CLOSED" || h.unpersisted > 0 || stalled || len(h.errors) > 0 {
		status = "degraded"
	}
	if h.breakerCorrupted {
		status = "unhealthy"
	}

	return HealthStatus{
		Status:           status,
		Timestamp:        now,
		LastTick:         h.lastTick,
		BreakerState:     h.breakerState,
		BreakerCorrupted: h.breakerCorrupted,
		Unpersisted:      h.unpersisted,
		Uptime:           time.Since(startTime).String(),
		Errors:           append([]string(nil), h.errors...),
	}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := h.Status()

	body, err := json.Marshal(health)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(append(body, '\n'))
}
