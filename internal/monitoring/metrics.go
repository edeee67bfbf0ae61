package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "risk_engine"

var (
	// Decision metrics
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions produced, by outcome",
		},
		[]string{"outcome"},
	)

	evaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_seconds",
			Help:      "Time to evaluate one signal",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	// Cache metrics
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Decision cache lookups, by result",
		},
		[]string{"result"},
	)

	// Breaker and portfolio metrics
	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions counting against the concurrency cap",
		},
	)

	balance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_usd",
			Help:      "Realized account balance",
		},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_pnl_usd",
			Help:      "Realized PnL for the current trading day",
		},
	)

	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "position_closes_total",
			Help:      "Position closes, by reason",
		},
		[]string{"reason"},
	)

	// Error metrics
	persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Records that exhausted their write retries",
		},
		[]string{"kind"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(decisionsTotal)
	prometheus.MustRegister(evaluationSeconds)
	prometheus.MustRegister(cacheLookups)
	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(balance)
	prometheus.MustRegister(dailyPnL)
	prometheus.MustRegister(closesTotal)
	prometheus.MustRegister(persistenceFailures)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler serves the Prometheus metrics endpoint
type MetricsHandler struct {
	next http.Handler
}

func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{next: promhttp.Handler()}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.next.ServeHTTP(w, r)
}

// RecordDecision counts a decision; outcome is "approved" or a reject kind.
func RecordDecision(outcome string, took time.Duration) {
	decisionsTotal.WithLabelValues(outcome).Inc()
	evaluationSeconds.Observe(took.Seconds())
}

func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// SetBreakerState takes the numeric breaker state.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// UpdatePortfolio publishes account gauges.
func UpdatePortfolio(open int, bal, pnl float64) {
	openPositions.Set(float64(open))
	balance.Set(bal)
	dailyPnL.Set(pnl)
}

func RecordClose(reason string) {
	closesTotal.WithLabelValues(reason).Inc()
}

func RecordPersistenceFailure(kind string) {
	persistenceFailures.WithLabelValues(kind).Inc()
}

func RecordError(category string) {
	errorsTotal.WithLabelValues(category).Inc()
}
