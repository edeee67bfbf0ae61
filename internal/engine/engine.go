package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/cache"
	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/internal/monitoring"
	"github.com/ducminhle1904/signal-risk-engine/internal/notifications"
	"github.com/ducminhle1904/signal-risk-engine/internal/portfolio"
	"github.com/ducminhle1904/signal-risk-engine/internal/risk"
	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/internal/state"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

const component = "engine"

// Options holds engine timing and keying parameters.
type Options struct {
	BucketDecimals   int
	MonitorInterval  time.Duration
	SweepInterval    time.Duration
	ExecutionTimeout time.Duration
	OrderTTL         time.Duration
	ExecutionWorkers int
	ExecutionQueue   int
	Location         *time.Location
	Clock            func() time.Time
}

// OptionsFrom maps engine configuration onto Options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		BucketDecimals:   cfg.Cache.PriceBucketDecimals,
		MonitorInterval:  cfg.Trading.MonitorInterval,
		SweepInterval:    cfg.Cache.SweepInterval,
		ExecutionTimeout: cfg.Trading.ExecutionTimeout,
		OrderTTL:         cfg.Trading.OrderTTL,
		ExecutionWorkers: 4,
		ExecutionQueue:   256,
		Location:         cfg.Risk.Location(),
	}
}

// Dependencies are the collaborators an Engine coordinates. Limiter, Writer,
// Events and Health are optional.
type Dependencies struct {
	Validator   *safety.Validator
	Limiter     *safety.SourceLimiter
	Cache       *cache.DecisionCache
	Breaker     *safety.CircuitBreaker
	Risk        *risk.Manager
	Positions   *portfolio.PositionManager
	Volatility  *risk.VolatilityTracker
	Performance *risk.PerformanceTracker
	Executor    Executor
	Prices      PriceFeed
	Writer      *state.Writer
	Events      Publisher
	Health      *monitoring.HealthChecker
}

// Result is the outcome of one signal in a batch. Decision is nil when the
// signal was refused before evaluation; Error says why.
type Result struct {
	Index    int             `json:"index"`
	Decision *types.Decision `json:"decision,omitempty"`
	Err      error           `json:"-"`
	Error    string          `json:"error,omitempty"`
}

type pendingOrder struct {
	order types.TradeOrder
	trial bool
	// full is set on close orders meant to close the whole position
	full bool
}

// Engine is the single point of mutation for portfolio and position state.
// Evaluation and monitoring serialize on mu; reads use published snapshots.
type Engine struct {
	opts        Options
	validator   *safety.Validator
	limiter     *safety.SourceLimiter
	cache       *cache.DecisionCache
	breaker     *safety.CircuitBreaker
	risk        *risk.Manager
	positions   *portfolio.PositionManager
	volatility  *risk.VolatilityTracker
	performance *risk.PerformanceTracker
	prices      PriceFeed
	pool        *ExecutionPool
	writer      *state.Writer
	events      Publisher
	health      *monitoring.HealthChecker
	stats       *SignalStats
	log         zerolog.Logger

	mu     sync.Mutex
	orders map[string]pendingOrder
	// closes whose order failed and must be resubmitted, by position ID
	retries map[string]float64
}

// New wires an engine and starts its execution workers.
func New(deps Dependencies, opts Options, log zerolog.Logger) (*Engine, error) {
	switch {
	case deps.Validator == nil:
		return nil, errors.NewConfigurationError(component, "new", "validator is required")
	case deps.Cache == nil:
		return nil, errors.NewConfigurationError(component, "new", "decision cache is required")
	case deps.Breaker == nil:
		return nil, errors.NewConfigurationError(component, "new", "circuit breaker is required")
	case deps.Risk == nil:
		return nil, errors.NewConfigurationError(component, "new", "risk manager is required")
	case deps.Positions == nil:
		return nil, errors.NewConfigurationError(component, "new", "position manager is required")
	case deps.Executor == nil:
		return nil, errors.NewConfigurationError(component, "new", "executor is required")
	}
	if opts.BucketDecimals <= 0 {
		opts.BucketDecimals = 3
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 5 * time.Second
	}
	if opts.OrderTTL <= 0 {
		opts.OrderTTL = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if deps.Prices == nil {
		deps.Prices = NewPriceBook(0, opts.Clock)
	}

	e := &Engine{
		opts:        opts,
		validator:   deps.Validator,
		limiter:     deps.Limiter,
		cache:       deps.Cache,
		breaker:     deps.Breaker,
		risk:        deps.Risk,
		positions:   deps.Positions,
		volatility:  deps.Volatility,
		performance: deps.Performance,
		prices:      deps.Prices,
		writer:      deps.Writer,
		events:      deps.Events,
		health:      deps.Health,
		stats:       NewSignalStats(),
		log:         log,
		orders:      make(map[string]pendingOrder),
		retries:     make(map[string]float64),
	}

	e.breaker.SetStateChangeCallback(e.onBreakerChange)
	status := e.breaker.Status()
	monitoring.SetBreakerState(breakerGauge(status.State))
	if e.health != nil {
		e.health.SetBreaker(status.State.String(), status.Corrupted)
	}
	if e.writer != nil {
		e.writer.OnFailure(e.onPersistFailure)
	}

	e.pool = NewExecutionPool(deps.Executor, opts.ExecutionWorkers, opts.ExecutionQueue, opts.ExecutionTimeout, log)
	e.pool.Start(func(ctx context.Context, res types.ExecutionResult) {
		if err := e.ReportExecution(ctx, res); err != nil {
			e.log.Warn().Err(err).Str("order_id", res.OrderID).Msg("execution result not applied")
		}
	})
	return e, nil
}

// Close stops the execution workers after in-flight orders are reported.
func (e *Engine) Close() {
	e.pool.Stop()
}

// Evaluate turns a raw signal into a decision. Validation and rate-limit
// failures are returned as errors; every other outcome, including a halted
// pipeline, is a Decision.
func (e *Engine) Evaluate(ctx context.Context, raw types.RawSignal) (types.Decision, error) {
	start := time.Now()
	source := strings.TrimSpace(raw.Source)

	if e.limiter != nil && !e.limiter.Allow(source) {
		e.stats.rateLimited(source)
		monitoring.RecordError(string(errors.ErrorCategoryRateLimit))
		return types.Decision{}, errors.New(errors.ErrorCategoryRateLimit, component, "evaluate",
			fmt.Sprintf("source %q exceeded its signal rate", source)).WithCode("RATE_LIMITED")
	}

	sig, err := e.validator.ValidateSignal(raw)
	if err != nil {
		e.stats.invalid(source, time.Since(start))
		monitoring.RecordError(string(errors.ErrorCategoryValidation))
		return types.Decision{}, err
	}
	return e.evaluateSignal(ctx, sig, start)
}

func (e *Engine) evaluateSignal(ctx context.Context, sig types.Signal, start time.Time) (types.Decision, error) {
	e.observePrice(sig.Token, sig.Price, sig.Timestamp)

	key := sig.Fingerprint(e.opts.BucketDecimals)
	d, cached, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (types.Decision, error) {
		return e.decide(sig, key), nil
	})
	if err != nil {
		return types.Decision{}, err
	}
	// a cached approval is never served while the breaker denies
	if cached && d.Approved && !e.breaker.Allow() {
		d = e.haltedDecision(sig, key)
	}

	took := time.Since(start)
	e.stats.decided(sig.Source, sig.Confidence.String(), cached, d.Approved, took)
	monitoring.RecordCacheLookup(cached)
	monitoring.RecordDecision(outcome(d), took)
	return d, nil
}

// decide runs the risk pipeline and opens the position on approval. It is
// the only path that creates positions.
func (e *Engine) decide(sig types.Signal, key string) types.Decision {
	var submit *types.TradeOrder

	e.mu.Lock()
	pf := e.positions.Portfolio()
	a := e.risk.Evaluate(sig, pf)

	now := e.opts.Clock()
	d := types.Decision{
		ID:          uuid.NewString(),
		Fingerprint: key,
		SignalID:    sig.ID,
		Token:       sig.Token,
		Side:        sig.Side,
		Confidence:  sig.Confidence,
		Price:       sig.Price,
		Approved:    a.Approved,
		Leverage:    a.Leverage,
		Size:        a.Size,
		Margin:      a.Margin,
		Reason:      a.Reason,
		RejectKind:  a.RejectKind,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cache.TTL()),
	}
	if d.RejectKind == types.RejectBreakerOpen {
		// a breaker denial must not outlive the breaker state that caused it
		d.ExpiresAt = now
	}

	if d.Approved {
		pos, err := e.positions.Open(d)
		if err != nil {
			if a.Trial {
				e.breaker.ReleaseTrial()
			}
			d.Approved = false
			d.RejectKind = rejectKindFor(err)
			d.Reason = err.Error()
		} else {
			d.PositionID = pos.ID
			order := types.TradeOrder{
				ID:         uuid.NewString(),
				PositionID: pos.ID,
				DecisionID: d.ID,
				Intent:     types.IntentOpen,
				Type:       types.OrderMarket,
				Token:      pos.Token,
				Side:       pos.Side,
				Size:       pos.Size,
				Leverage:   pos.Leverage,
				Price:      pos.EntryPrice,
				CreatedAt:  now,
				ExpiresAt:  now.Add(e.opts.OrderTTL),
			}
			e.orders[order.ID] = pendingOrder{order: order, trial: a.Trial}
			submit = &order
			e.persist(state.PositionRecord(pos))
			e.persistAccountLocked()
			e.publish(notifications.NewEvent(notifications.EventPositionOpened,
				fmt.Sprintf("%s %s %.2f USD at %dx, entry %.8g", pos.Token, pos.Side, pos.Size, pos.Leverage, pos.EntryPrice)).
				With("position_id", pos.ID).
				With("decision_id", d.ID))
		}
	}
	e.mu.Unlock()

	if !d.Approved {
		err := rejectionError(d)
		ev := notifications.NewEvent(notifications.EventSignalRejected,
			fmt.Sprintf("%s %s rejected: %s", sig.Token, sig.Confidence, d.Reason)).
			With("reject_kind", string(d.RejectKind)).
			With("category", string(errors.CategoryOf(err))).
			With("decision_id", d.ID)
		if errors.IsBreakerOpen(err) {
			ev = ev.WithLevel(notifications.LevelWarning)
		}
		e.publish(ev)
	}
	e.persist(state.DecisionRecord(d))
	e.log.Info().
		Str("decision_id", d.ID).
		Str("fingerprint", key).
		Bool("approved", d.Approved).
		Uint8("leverage", d.Leverage).
		Float64("size", d.Size).
		Str("reject_kind", string(d.RejectKind)).
		Msg("decision made")

	if submit != nil {
		if err := e.pool.Submit(*submit); err != nil {
			_ = e.ReportExecution(context.Background(), types.ExecutionResult{
				OrderID:    submit.ID,
				PositionID: submit.PositionID,
				Intent:     submit.Intent,
				Error:      err.Error(),
				ExecutedAt: e.opts.Clock(),
			})
		}
	}
	return d
}

// haltedDecision denies sig because the breaker is not admitting. It is not
// cached; the cache is purged on every breaker transition.
func (e *Engine) haltedDecision(sig types.Signal, key string) types.Decision {
	now := e.opts.Clock()
	status := e.breaker.Status()
	reason := "breaker " + status.State.String()
	if status.TripReason != "" {
		reason += ": " + status.TripReason
	}
	return types.Decision{
		ID:          uuid.NewString(),
		Fingerprint: key,
		SignalID:    sig.ID,
		Token:       sig.Token,
		Side:        sig.Side,
		Confidence:  sig.Confidence,
		Price:       sig.Price,
		Reason:      reason,
		RejectKind:  types.RejectBreakerOpen,
		CreatedAt:   now,
		ExpiresAt:   now,
	}
}

// EvaluateBatch validates every signal, then evaluates the valid ones in
// priority order: highest confidence, earliest timestamp, token name. Results
// are returned in input order.
func (e *Engine) EvaluateBatch(ctx context.Context, raws []types.RawSignal) []Result {
	results := make([]Result, len(raws))
	valid := make([]types.Signal, 0, len(raws))
	index := make(map[string]int, len(raws))

	for i, raw := range raws {
		results[i].Index = i
		source := strings.TrimSpace(raw.Source)
		if e.limiter != nil && !e.limiter.Allow(source) {
			e.stats.rateLimited(source)
			results[i].Err = errors.New(errors.ErrorCategoryRateLimit, component, "evaluate_batch",
				fmt.Sprintf("source %q exceeded its signal rate", source)).WithCode("RATE_LIMITED")
			continue
		}
		sig, err := e.validator.ValidateSignal(raw)
		if err != nil {
			e.stats.invalid(source, 0)
			results[i].Err = err
			continue
		}
		index[sig.ID] = i
		valid = append(valid, sig)
	}

	for _, sig := range risk.OrderBatch(valid) {
		i := index[sig.ID]
		d, err := e.evaluateSignal(ctx, sig, time.Now())
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Decision = &d
	}
	for i := range results {
		if results[i].Err != nil {
			results[i].Error = results[i].Err.Error()
		}
	}
	return results
}

// ReportExecution applies an executor outcome. A filled open confirms the
// position at its filled size and counts as a breaker success; a filled close
// settles the Closing position at the fill. Failures count against the
// breaker: a failed open is unwound at its entry price and a failed close is
// retried.
func (e *Engine) ReportExecution(ctx context.Context, res types.ExecutionResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending, ok := e.orders[res.OrderID]
	if !ok {
		return errors.NewNotFoundError(component, "report_execution", fmt.Sprintf("unknown order %s", res.OrderID))
	}
	delete(e.orders, res.OrderID)
	order := pending.order

	if !res.Success {
		return e.executionFailedLocked(pending, res.Error)
	}
	if order.Intent == types.IntentClose {
		return e.settleCloseLocked(pending, res)
	}

	if err := e.breaker.RecordSuccess(); err != nil {
		e.fatal(err)
	}
	if res.PartialFill(order.Size) || (res.FillPrice > 0 && res.FillPrice != order.Price) {
		pos, err := e.positions.ConfirmOpen(order.PositionID, res.FilledSize, res.FillPrice)
		if err != nil {
			return err
		}
		e.persist(state.PositionRecord(pos))
		e.persistAccountLocked()
	}
	return nil
}

// settleCloseLocked realizes the filled part of a close. The rest of a full
// close that filled only partly is requested again at once.
func (e *Engine) settleCloseLocked(pending pendingOrder, res types.ExecutionResult) error {
	order := pending.order
	pos, ok := e.positions.Position(order.PositionID)
	if !ok {
		return errors.NewNotFoundError(component, "settle_close", fmt.Sprintf("no active position %s", order.PositionID))
	}

	filled := res.FilledSize
	if filled <= 0 || filled > order.Size {
		filled = order.Size
	}
	fraction := 1.0
	if pos.Size > 0 {
		fraction = math.Min(1, filled/pos.Size)
	}
	price := res.FillPrice
	if price <= 0 {
		price = order.Price
	}

	c, err := e.positions.Settle(pos.ID, price, fraction)
	if err != nil {
		return err
	}
	e.afterCloseLocked(c)
	if c.Partial && pending.full {
		e.log.Warn().
			Str("position_id", pos.ID).
			Float64("filled", filled).
			Float64("remaining", c.Position.Size).
			Msg("close partially filled, closing the remainder")
		if next, err := e.positions.BeginClose(pos.ID, c.Reason); err == nil {
			e.requestCloseLocked(next, price, 1)
		}
	}
	e.persistAccountLocked()
	return nil
}

func (e *Engine) executionFailedLocked(pending pendingOrder, reason string) error {
	order := pending.order
	e.log.Error().
		Str("order_id", order.ID).
		Str("position_id", order.PositionID).
		Str("intent", string(order.Intent)).
		Str("error", reason).
		Bool("trial", pending.trial).
		Msg("order failed")
	if err := e.breaker.RecordFailure(reason); err != nil {
		e.fatal(err)
	}

	if order.Intent == types.IntentClose {
		e.closeFailedLocked(order, reason)
		return nil
	}
	if _, ok := e.positions.Position(order.PositionID); ok {
		c, err := e.positions.Close(order.PositionID, types.CloseExecutionFailed, order.Price)
		if err != nil {
			return err
		}
		e.afterCloseLocked(c)
		e.persistAccountLocked()
	}
	return nil
}

// closeFailedLocked deals with a close order that did not execute. Exits the
// monitor re-derives every tick go back to Open and are evaluated again;
// liquidation, manual and emergency closes stay Closing and are resubmitted
// on the next tick.
func (e *Engine) closeFailedLocked(order types.TradeOrder, reason string) {
	pos, ok := e.positions.Position(order.PositionID)
	if !ok || pos.Status != types.PositionClosing {
		return
	}
	retry := !reevaluatedExit(pos.CloseReason)
	if retry {
		fraction := 1.0
		if pos.Size > 0 {
			fraction = math.Min(1, order.Size/pos.Size)
		}
		e.retries[pos.ID] = fraction
	} else if reopened, err := e.positions.Reopen(pos.ID); err == nil {
		e.persist(state.PositionRecord(reopened))
	}
	e.publish(notifications.NewEvent(notifications.EventCloseFailed,
		fmt.Sprintf("%s %s close (%s) failed: %s", pos.Token, pos.Side, pos.CloseReason, reason)).
		With("position_id", pos.ID).
		With("reason", string(pos.CloseReason)).
		With("will_retry", retry))
}

// reevaluatedExit reports whether the exit rules will raise reason again on
// the next tick if the position is still in that condition.
func reevaluatedExit(reason types.CloseReason) bool {
	switch reason {
	case types.CloseStopLoss, types.CloseTrailingStop, types.CloseTakeProfit, types.CloseMaxDuration:
		return true
	}
	return false
}

// requestCloseLocked hands a close order for a Closing position to the
// executor. The position settles when the fill is reported.
func (e *Engine) requestCloseLocked(pos types.Position, price, fraction float64) {
	if price <= 0 {
		price = pos.CurrentPrice
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	now := e.opts.Clock()
	order := types.TradeOrder{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		DecisionID: pos.DecisionID,
		Intent:     types.IntentClose,
		Type:       types.OrderMarket,
		Token:      pos.Token,
		Side:       pos.Side,
		Size:       pos.Size * fraction,
		Leverage:   pos.Leverage,
		Price:      price,
		Reason:     string(pos.CloseReason),
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.opts.OrderTTL),
	}
	e.orders[order.ID] = pendingOrder{order: order, full: fraction >= 1}
	e.persist(state.PositionRecord(pos))
	e.log.Info().
		Str("order_id", order.ID).
		Str("position_id", pos.ID).
		Str("reason", order.Reason).
		Float64("size", order.Size).
		Float64("price", price).
		Msg("close requested")

	if err := e.pool.Submit(order); err != nil {
		delete(e.orders, order.ID)
		e.log.Error().Err(err).Str("position_id", pos.ID).Msg("close order not handed to executor")
		e.closeFailedLocked(order, err.Error())
	}
}

// PendingOrders is the number of orders awaiting an execution result.
func (e *Engine) PendingOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

// MonitorTick prices every open position and applies the exit rules. Prices
// are fetched before taking the mutation lock.
func (e *Engine) MonitorTick(ctx context.Context) (portfolio.TickReport, error) {
	open := e.positions.OpenPositions()
	tokens := make([]string, 0, len(open))
	seen := make(map[string]struct{}, len(open))
	for _, p := range open {
		if _, ok := seen[p.Token]; !ok {
			seen[p.Token] = struct{}{}
			tokens = append(tokens, p.Token)
		}
	}
	sort.Strings(tokens)

	prices := map[string]float64{}
	if len(tokens) > 0 {
		fetched, err := e.prices.Prices(ctx, tokens)
		if err != nil {
			e.log.Warn().Err(err).Msg("price feed failed, positions keep their last price")
			monitoring.RecordError(string(errors.ErrorCategoryPriceUnavailable))
		}
		if fetched != nil {
			prices = fetched
		}
	}

	now := e.opts.Clock()
	if e.volatility != nil {
		e.volatility.ObserveAll(prices, now)
	}

	// parked records go back on the queue ahead of this tick's snapshot
	if e.writer != nil {
		if n := e.writer.Requeue(); n > 0 {
			e.log.Info().Int("records", n).Msg("requeued unpersisted records")
		}
	}

	e.mu.Lock()
	report := e.positions.MonitorTick(prices)
	e.retryClosesLocked()
	for _, x := range report.Exits {
		e.requestCloseLocked(x.Position, x.Price, x.Fraction)
	}
	if err := e.breaker.CheckDayBoundary(); err != nil {
		e.fatal(err)
	}
	e.positions.CheckDayBoundary()
	e.persistAccountLocked()
	e.mu.Unlock()

	for _, token := range report.Missing {
		monitoring.RecordError(string(errors.ErrorCategoryPriceUnavailable))
		e.log.Debug().Err(errors.NewPriceUnavailableError(component, token)).Msg("position skipped this tick")
	}

	pf := e.positions.Portfolio()
	monitoring.UpdatePortfolio(pf.OpenCount(), pf.Balance, pf.DailyPnL)
	if e.health != nil {
		e.health.RecordTick(now)
		if e.writer != nil {
			e.health.SetUnpersisted(e.writer.Unpersisted())
		}
	}
	return report, nil
}

// Run ticks the monitor at the configured interval and sweeps the decision
// cache until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.opts.SweepInterval > 0 {
		go e.cache.Run(ctx, e.opts.SweepInterval)
	}
	ticker := time.NewTicker(e.opts.MonitorInterval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.opts.MonitorInterval).Msg("position monitor started")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("position monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.MonitorTick(ctx); err != nil {
				e.log.Error().Err(err).Msg("monitor tick failed")
			}
		}
	}
}

// retryClosesLocked resubmits close orders that failed on an earlier tick.
func (e *Engine) retryClosesLocked() {
	if len(e.retries) == 0 {
		return
	}
	ids := make([]string, 0, len(e.retries))
	for id := range e.retries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fraction := e.retries[id]
		delete(e.retries, id)
		pos, ok := e.positions.Position(id)
		if !ok || pos.Status != types.PositionClosing {
			continue
		}
		e.log.Info().Str("position_id", id).Str("reason", string(pos.CloseReason)).Msg("retrying close")
		e.requestCloseLocked(pos, pos.CurrentPrice, fraction)
	}
}

// ClosePosition moves one position to Closing and sends its close order at
// the latest known price. The returned position is Closing; it settles when
// the executor reports the fill.
func (e *Engine) ClosePosition(ctx context.Context, id string, reason types.CloseReason) (types.Position, error) {
	if reason == "" {
		reason = types.CloseManual
	}
	price := 0.0
	if p, ok := e.positions.Position(id); ok {
		if prices, err := e.prices.Prices(ctx, []string{p.Token}); err == nil {
			price = prices[p.Token]
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.positions.BeginClose(id, reason)
	if err != nil {
		return types.Position{}, err
	}
	e.requestCloseLocked(pos, price, 1)
	e.persistAccountLocked()
	if current, ok := e.positions.Position(id); ok {
		pos = current
	}
	return pos, nil
}

// CloseAll requests a close for every open position. Positions already
// closing are skipped.
func (e *Engine) CloseAll(ctx context.Context, reason types.CloseReason) ([]types.Position, error) {
	var closing []types.Position
	var errs []error
	for _, p := range e.positions.OpenPositions() {
		if p.Status != types.PositionOpen {
			continue
		}
		pos, err := e.ClosePosition(ctx, p.ID, reason)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		closing = append(closing, pos)
	}
	return closing, stderrors.Join(errs...)
}

// afterCloseLocked feeds a realized close into the breaker, statistics,
// events and persistence.
func (e *Engine) afterCloseLocked(c portfolio.Closure) {
	if c.RealizedPnL < 0 {
		if err := e.breaker.RecordLoss(-c.RealizedPnL); err != nil {
			e.fatal(err)
		}
	}
	if !c.Partial && c.Reason != types.CloseExecutionFailed && e.performance != nil {
		e.performance.Record(c.Position.RealizedPnL)
	}
	monitoring.RecordClose(string(c.Reason))
	e.persist(state.PositionRecord(c.Position))
	e.publish(closeEvent(c))
}

func closeEvent(c portfolio.Closure) notifications.Event {
	var t notifications.EventType
	switch {
	case c.Partial && c.Reason == types.CloseTakeProfit:
		t = notifications.EventPartialTakeProfit
	case c.Reason == types.CloseLiquidationAvoidance || c.Reason == types.CloseLiquidated:
		t = notifications.EventLiquidationAvoidance
	case c.Reason == types.CloseStopLoss || c.Reason == types.CloseTrailingStop:
		t = notifications.EventStopLoss
	case c.Reason == types.CloseTakeProfit:
		t = notifications.EventTakeProfit
	default:
		t = notifications.EventPositionClosed
	}
	return notifications.NewEvent(t, fmt.Sprintf("%s %s closed (%s) at %.8g, pnl %.4f",
		c.Position.Token, c.Position.Side, c.Reason, c.Price, c.RealizedPnL)).
		With("position_id", c.Position.ID).
		With("reason", string(c.Reason)).
		With("realized_pnl", c.RealizedPnL).
		With("partial", c.Partial)
}

// BreakerStatus returns the breaker snapshot.
func (e *Engine) BreakerStatus() safety.BreakerSnapshot {
	return e.breaker.Status()
}

// ResetBreaker moves an Open breaker to HalfOpen with the reset credential.
func (e *Engine) ResetBreaker(_ context.Context, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.Reset(token)
}

// HaltTrading latches the breaker Open until an authorized reset.
func (e *Engine) HaltTrading(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.ForceOpen(reason)
}

func (e *Engine) OpenPositions() []types.Position {
	return e.positions.OpenPositions()
}

func (e *Engine) ClosedPositions(limit int) []types.Position {
	return e.positions.ClosedPositions(limit)
}

func (e *Engine) Portfolio() types.Portfolio {
	return e.positions.Portfolio()
}

// RecordPrice feeds an external price into the volatility tracker and, when
// the feed learns from pushes, into the feed.
func (e *Engine) RecordPrice(token string, price float64, at time.Time) {
	e.observePrice(strings.ToUpper(token), price, at)
}

func (e *Engine) observePrice(token string, price float64, at time.Time) {
	if e.volatility != nil {
		e.volatility.Observe(token, price, at)
	}
	if rec, ok := e.prices.(PriceRecorder); ok {
		rec.Record(token, price, at)
	}
}

// Stats is the engine-wide statistics view.
type Stats struct {
	Signals       SignalStatsSnapshot `json:"signals"`
	Cache         cache.Stats         `json:"cache"`
	Trading       risk.TradingStats   `json:"trading"`
	Portfolio     types.Portfolio     `json:"portfolio"`
	PendingOrders int                 `json:"pending_orders"`
	Unpersisted   int                 `json:"unpersisted"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Signals:       e.stats.Snapshot(),
		Cache:         e.cache.Stats(),
		Portfolio:     e.positions.Portfolio(),
		PendingOrders: e.PendingOrders(),
	}
	if e.performance != nil {
		s.Trading = e.performance.Stats()
	}
	if e.writer != nil {
		s.Unpersisted = e.writer.Unpersisted()
	}
	return s
}

// UnpersistedDecisions lists decisions that are parked in the write-behind
// backlog, flagged as unpersisted.
func (e *Engine) UnpersistedDecisions() []types.Decision {
	if e.writer == nil {
		return nil
	}
	parked := e.writer.UnpersistedDecisions()
	for i := range parked {
		parked[i].Unpersisted = true
	}
	return parked
}

func (e *Engine) onBreakerChange(from, to safety.CircuitBreakerState, snap safety.BreakerSnapshot) {
	e.cache.Purge()
	monitoring.SetBreakerState(breakerGauge(to))
	if e.health != nil {
		e.health.SetBreaker(to.String(), snap.Corrupted)
	}

	var t notifications.EventType
	switch {
	case to == safety.StateOpen:
		t = notifications.EventBreakerTripped
	case from == safety.StateOpen && to == safety.StateHalfOpen:
		t = notifications.EventBreakerReset
	case to == safety.StateClosed:
		t = notifications.EventBreakerClosed
	default:
		return
	}
	e.publish(notifications.NewEvent(t, fmt.Sprintf("breaker %s -> %s %s", from, to, snap.TripReason)).
		With("daily_loss", snap.DailyLoss).
		With("consecutive_failures", snap.ConsecutiveFailures))
}

func (e *Engine) onPersistFailure(rec state.Record, err error) {
	monitoring.RecordPersistenceFailure(string(rec.Kind))
	if e.health != nil {
		e.health.RecordError(fmt.Sprintf("%s not persisted: %v", rec.Key(), err))
	}
	e.publish(notifications.NewEvent(notifications.EventPersistenceDegraded,
		fmt.Sprintf("%s not persisted after %d attempts: %v", rec.Key(), rec.Attempts, err)))
}

// fatal records a breaker persistence failure. The breaker has already
// failed closed.
func (e *Engine) fatal(err error) {
	e.log.Error().Err(err).Msg("breaker state unavailable, trading halted")
	monitoring.RecordError(string(errors.ErrorCategoryFatal))
	if e.health != nil {
		e.health.RecordError(err.Error())
	}
}

func (e *Engine) persist(rec state.Record) {
	if e.writer != nil {
		e.writer.Enqueue(rec)
	}
}

func (e *Engine) persistAccountLocked() {
	if e.writer == nil {
		return
	}
	pf := e.positions.Portfolio()
	now := e.opts.Clock()
	e.writer.Enqueue(state.AccountRecord(state.AccountState{
		Balance:   pf.Balance,
		DailyPnL:  pf.DailyPnL,
		Day:       now.In(e.opts.Location).Format("2006-01-02"),
		Positions: e.positions.OpenPositions(),
		UpdatedAt: now,
	}))
}

func (e *Engine) publish(ev notifications.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// Restore loads the last account snapshot from store. The daily PnL is only
// carried over within the same trading day.
func (e *Engine) Restore(ctx context.Context, store state.RecordStore) error {
	acct, err := store.LoadAccount(ctx)
	if err != nil {
		return errors.NewPersistenceError(component, "restore", err)
	}
	if acct == nil {
		return nil
	}
	daily := acct.DailyPnL
	if acct.Day != e.opts.Clock().In(e.opts.Location).Format("2006-01-02") {
		daily = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions.Restore(acct.Balance, daily, acct.Positions)
	for _, p := range acct.Positions {
		if p.IsActive() {
			e.observePrice(p.Token, p.CurrentPrice, acct.UpdatedAt)
		}
	}
	return nil
}

// rejectionError expresses a denied decision as a categorized error.
func rejectionError(d types.Decision) error {
	switch d.RejectKind {
	case types.RejectBreakerOpen:
		return errors.NewBreakerOpenError(component, "evaluate", d.Reason).WithCode(string(d.RejectKind))
	case types.RejectPositionLimit:
		return errors.New(errors.ErrorCategoryPositionLimit, component, "evaluate", d.Reason).WithCode(string(d.RejectKind))
	}
	return errors.NewRiskRejection(component, d.Reason).WithCode(string(d.RejectKind))
}

func rejectKindFor(err error) types.RejectKind {
	var ee *errors.EngineError
	switch {
	case errors.IsPositionLimit(err):
		return types.RejectPositionLimit
	case stderrors.As(err, &ee) && ee.Code == string(types.RejectInsufficientMargin):
		return types.RejectInsufficientMargin
	}
	return types.RejectRisk
}

func outcome(d types.Decision) string {
	if d.Approved {
		return "approved"
	}
	if d.RejectKind == "" {
		return string(types.RejectRisk)
	}
	return string(d.RejectKind)
}

func breakerGauge(s safety.CircuitBreakerState) int {
	switch s {
	case safety.StateHalfOpen:
		return 1
	case safety.StateOpen:
		return 2
	}
	return 0
}
