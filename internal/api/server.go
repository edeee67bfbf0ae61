package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/engine"
	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// Engine is the part of the engine the admin API drives.
type Engine interface {
	Evaluate(ctx context.Context, raw types.RawSignal) (types.Decision, error)
	EvaluateBatch(ctx context.Context, raws []types.RawSignal) []engine.Result
	OpenPositions() []types.Position
	ClosedPositions(limit int) []types.Position
	ClosePosition(ctx context.Context, id string, reason types.CloseReason) (types.Position, error)
	CloseAll(ctx context.Context, reason types.CloseReason) ([]types.Position, error)
	UnpersistedDecisions() []types.Decision
	BreakerStatus() safety.BreakerSnapshot
	ResetBreaker(ctx context.Context, token string) error
	HaltTrading(reason string) error
	Portfolio() types.Portfolio
	Stats() engine.Stats
	RecordPrice(token string, price float64, at time.Time)
}

// DecisionStore lists persisted decisions.
type DecisionStore interface {
	RecentDecisions(ctx context.Context, limit int) ([]types.Decision, error)
}

// Dependencies are the handlers mounted by the server. Health, Metrics and
// Events are optional.
type Dependencies struct {
	Engine    Engine
	Decisions DecisionStore
	Health    http.Handler
	Metrics   http.Handler
	Events    http.Handler
}

// Server is the admin HTTP surface.
type Server struct {
	router *mux.Router
	log    zerolog.Logger
	clock  func() time.Time
}

// NewServer registers every route.
//
//	GET  /health
//	GET  /metrics
//	GET  /ws/events
//	POST /api/v1/signals
//	POST /api/v1/signals/batch
//	GET  /api/v1/positions
//	GET  /api/v1/positions/closed
//	POST /api/v1/positions/close-all
//	POST /api/v1/positions/{id}/close
//	GET  /api/v1/breaker
//	POST /api/v1/breaker/reset
//	POST /api/v1/breaker/halt
//	POST /api/v1/prices
//	GET  /api/v1/portfolio
//	GET  /api/v1/stats
//	GET  /api/v1/decisions
func NewServer(deps Dependencies, log zerolog.Logger) *Server {
	s := &Server{router: mux.NewRouter(), log: log, clock: time.Now}
	h := &handlers{engine: deps.Engine, decisions: deps.Decisions, clock: func() time.Time { return s.clock() }}

	s.router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	s.router.Use(s.recovery)
	s.router.Use(s.logging)

	if deps.Health != nil {
		s.router.Handle("/health", deps.Health).Methods(http.MethodGet)
	}
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	if deps.Events != nil {
		s.router.Handle("/ws/events", deps.Events)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.MethodNotAllowedHandler = s.router.MethodNotAllowedHandler
	api.HandleFunc("/signals", h.evaluate).Methods(http.MethodPost)
	api.HandleFunc("/signals/batch", h.evaluateBatch).Methods(http.MethodPost)

	api.HandleFunc("/positions", h.openPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/closed", h.closedPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/close-all", h.closeAll).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/close", h.closePosition).Methods(http.MethodPost)

	api.HandleFunc("/breaker", h.breakerStatus).Methods(http.MethodGet)
	api.HandleFunc("/breaker/reset", h.resetBreaker).Methods(http.MethodPost)
	api.HandleFunc("/breaker/halt", h.halt).Methods(http.MethodPost)

	api.HandleFunc("/prices", h.recordPrice).Methods(http.MethodPost)
	api.HandleFunc("/portfolio", h.portfolio).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	api.HandleFunc("/decisions", h.recentDecisions).Methods(http.MethodGet)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket upgrades need the raw writer
		if r.URL.Path == "/ws/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
