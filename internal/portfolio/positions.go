package portfolio

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

const component = "position_manager"

// closedHistory bounds how many closed positions stay in memory.
const closedHistory = 500

// PositionConfig holds limits and exit rules for open positions.
type PositionConfig struct {
	InitialBalance    float64
	MaxConcurrent     int
	LiquidationBuffer float64
	StopLoss          float64 // ROE loss
	TrailingStop      bool
	TrailingDistance  float64 // ROE give-back from the peak
	TakeProfit        float64
	PartialTakeProfit bool
	PartialPercent    float64
	PartialLevel      float64
	MaxDuration       time.Duration
	Location          *time.Location
	Leverage          *LeverageCalculator // optional; validates decision leverage
	Clock             func() time.Time
}

// PositionConfigFrom maps engine configuration onto the position manager.
func PositionConfigFrom(cfg *config.Config) PositionConfig {
	r := cfg.Risk
	return PositionConfig{
		InitialBalance:    cfg.Trading.InitialBalance,
		MaxConcurrent:     cfg.Trading.MaxConcurrentPositions,
		LiquidationBuffer: r.LiquidationBuffer,
		StopLoss:          r.StopLossPercent,
		TrailingStop:      r.TrailingStop,
		TrailingDistance:  r.TrailingDistance,
		TakeProfit:        r.TakeProfitPercent,
		PartialTakeProfit: r.PartialTakeProfit,
		PartialPercent:    r.PartialPercent,
		PartialLevel:      r.PartialLevel,
		MaxDuration:       r.MaxPositionDuration,
		Location:          r.Location(),
		Leverage:          NewLeverageCalculator(LeverageConfigFrom(cfg)),
	}
}

// Closure describes a realized close, full or partial.
type Closure struct {
	Position    types.Position    `json:"position"`
	Reason      types.CloseReason `json:"reason"`
	Price       float64           `json:"price"`
	Fraction    float64           `json:"fraction"`
	ClosedSize  float64           `json:"closed_size"`
	RealizedPnL float64           `json:"realized_pnl"`
	Partial     bool              `json:"partial"`
}

// Exit is a close the monitor decided on. The position is already Closing;
// it settles when the executor reports the fill.
type Exit struct {
	Position types.Position    `json:"position"`
	Reason   types.CloseReason `json:"reason"`
	Price    float64           `json:"price"`
	Fraction float64           `json:"fraction"`
}

// Size is the notional the exit order should close.
func (x Exit) Size() float64 {
	return x.Position.Size * x.Fraction
}

// TickReport summarizes one monitoring pass.
type TickReport struct {
	Checked int      `json:"checked"`
	Exits   []Exit   `json:"exits"`
	Missing []string `json:"missing_prices,omitempty"`
}

// PositionManager owns open positions, balance and the daily PnL. Portfolio
// reads are served from an atomically published snapshot.
type PositionManager struct {
	mu        sync.Mutex
	cfg       PositionConfig
	positions map[string]*types.Position
	closed    []types.Position
	balance   float64
	dailyPnL  float64
	day       string

	snapshot atomic.Pointer[types.Portfolio]
	log      zerolog.Logger
}

// NewPositionManager starts with InitialBalance and no positions.
func NewPositionManager(cfg PositionConfig, log zerolog.Logger) *PositionManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	m := &PositionManager{
		cfg:       cfg,
		positions: make(map[string]*types.Position),
		balance:   cfg.InitialBalance,
		log:       log,
	}
	m.day = m.dayKey(cfg.Clock())
	m.publishLocked()
	return m
}

func (m *PositionManager) dayKey(t time.Time) string {
	return t.In(m.cfg.Location).Format("2006-01-02")
}

// Open creates a position from an approved decision. The capacity and margin
// checks happen under the same lock as the insert.
func (m *PositionManager) Open(d types.Decision) (types.Position, error) {
	if !d.Approved {
		return types.Position{}, errors.NewValidationError(component, "DECISION_NOT_APPROVED",
			fmt.Sprintf("decision %s was not approved", d.ID))
	}
	if d.Size <= 0 || d.Leverage == 0 || d.Price <= 0 {
		return types.Position{}, errors.NewValidationError(component, "DECISION_INCOMPLETE",
			fmt.Sprintf("decision %s lacks size, leverage or price", d.ID))
	}
	if m.cfg.Leverage != nil {
		if err := m.cfg.Leverage.ValidateLeverage(d.Leverage); err != nil {
			return types.Position{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Clock()
	m.rollDayLocked(now)

	if len(m.positions) >= m.cfg.MaxConcurrent {
		return types.Position{}, errors.NewPositionLimitError(component, len(m.positions), m.cfg.MaxConcurrent)
	}
	margin := d.Size / float64(d.Leverage)
	if available := m.marginAvailableLocked(); margin > available {
		return types.Position{}, errors.NewRiskRejection(component,
			fmt.Sprintf("margin %.4f exceeds available %.4f", margin, available)).
			WithCode(string(types.RejectInsufficientMargin))
	}

	side := d.Side
	if side == "" {
		side = types.SideLong
	}
	p := &types.Position{
		ID:               uuid.NewString(),
		DecisionID:       d.ID,
		Token:            d.Token,
		Side:             side,
		Size:             d.Size,
		Leverage:         d.Leverage,
		EntryPrice:       d.Price,
		CurrentPrice:     d.Price,
		LiquidationPrice: types.LiquidationPrice(side, d.Price, d.Leverage),
		Status:           types.PositionOpen,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	m.positions[p.ID] = p
	m.publishLocked()

	m.log.Info().
		Str("position_id", p.ID).
		Str("token", p.Token).
		Str("side", string(p.Side)).
		Float64("size", p.Size).
		Uint8("leverage", p.Leverage).
		Float64("entry", p.EntryPrice).
		Float64("liquidation", p.LiquidationPrice).
		Msg("position opened")
	return *p, nil
}

// BeginClose moves an open position to Closing. A closing position keeps its
// margin reserved and is skipped by the exit rules until it settles or is
// reopened.
func (m *PositionManager) BeginClose(id string, reason types.CloseReason) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeLocked(id)
	if err != nil {
		return types.Position{}, err
	}
	if err := m.beginCloseLocked(p, reason); err != nil {
		return types.Position{}, err
	}
	m.publishLocked()
	return *p, nil
}

func (m *PositionManager) beginCloseLocked(p *types.Position, reason types.CloseReason) error {
	if p.Status == types.PositionClosing {
		return errors.New(errors.ErrorCategoryValidation, component, "begin_close",
			fmt.Sprintf("position %s is already closing", p.ID)).WithCode("ALREADY_CLOSING")
	}
	p.Status = types.PositionClosing
	p.CloseReason = reason
	p.UpdatedAt = m.cfg.Clock()
	return nil
}

// Settle realizes fraction of the remaining size of a closing position at
// price. A full settle closes it; a partial one returns the remainder to Open
// and, for a take profit, marks the partial exit as taken.
func (m *PositionManager) Settle(id string, price, fraction float64) (Closure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeLocked(id)
	if err != nil {
		return Closure{}, err
	}
	if p.Status != types.PositionClosing {
		return Closure{}, errors.New(errors.ErrorCategoryValidation, component, "settle",
			fmt.Sprintf("position %s is not closing", id)).WithCode("NOT_CLOSING")
	}
	reason := p.CloseReason
	if reason == "" {
		reason = types.CloseManual
	}
	c := m.settleLocked(p, price, fraction, reason)
	if c.Partial {
		if reason == types.CloseTakeProfit {
			p.PartialTaken = true
			c.Position.PartialTaken = true
		}
		p.Status = types.PositionOpen
		p.CloseReason = ""
		c.Position.Status = types.PositionOpen
		c.Position.CloseReason = ""
	}
	m.publishLocked()
	return c, nil
}

// Reopen returns a closing position to Open after its close order failed, so
// the next monitoring pass evaluates it again.
func (m *PositionManager) Reopen(id string) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeLocked(id)
	if err != nil {
		return types.Position{}, err
	}
	if p.Status != types.PositionClosing {
		return types.Position{}, errors.New(errors.ErrorCategoryValidation, component, "reopen",
			fmt.Sprintf("position %s is not closing", id)).WithCode("NOT_CLOSING")
	}
	p.Status = types.PositionOpen
	p.CloseReason = ""
	p.UpdatedAt = m.cfg.Clock()
	m.publishLocked()
	return *p, nil
}

// ConfirmOpen applies the executor's fill to a new position. A partial fill
// shrinks it to the filled size; a fill price moves the entry and the
// liquidation price with it.
func (m *PositionManager) ConfirmOpen(id string, filledSize, fillPrice float64) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeLocked(id)
	if err != nil {
		return types.Position{}, err
	}
	if filledSize > 0 && filledSize < p.Size {
		m.log.Warn().
			Str("position_id", p.ID).
			Float64("requested", p.Size).
			Float64("filled", filledSize).
			Msg("open partially filled, position reduced")
		p.Size = filledSize
	}
	if fillPrice > 0 && !math.IsInf(fillPrice, 0) && fillPrice != p.EntryPrice {
		p.EntryPrice = fillPrice
		p.LiquidationPrice = types.LiquidationPrice(p.Side, fillPrice, p.Leverage)
	}
	p.UpdatePrice(p.CurrentPrice)
	p.UpdatedAt = m.cfg.Clock()
	m.publishLocked()
	return *p, nil
}

// Close begins and fully settles a close at price in one step. It unwinds
// positions whose open order never executed. A non-positive price settles at
// the last observed price.
func (m *PositionManager) Close(id string, reason types.CloseReason, price float64) (Closure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeLocked(id)
	if err != nil {
		return Closure{}, err
	}
	p.Status = types.PositionClosing
	p.CloseReason = reason
	c := m.settleLocked(p, price, 1, reason)
	m.publishLocked()
	return c, nil
}

func (m *PositionManager) activeLocked(id string) (*types.Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, errors.NewNotFoundError(component, "lookup", fmt.Sprintf("no active position %s", id))
	}
	return p, nil
}

func (m *PositionManager) settleLocked(p *types.Position, price, fraction float64, reason types.CloseReason) Closure {
	now := m.cfg.Clock()
	m.rollDayLocked(now)

	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		price = p.CurrentPrice
	}
	if fraction <= 0 || fraction > 1 || math.IsNaN(fraction) {
		fraction = 1
	}
	p.UpdatePrice(price)

	closedSize := p.Size * fraction
	pnl := p.PnLAt(price) * fraction
	// losses are bounded by the posted margin
	if floor := -p.Margin() * fraction; pnl < floor {
		pnl = floor
	}

	p.RealizedPnL += pnl
	m.balance += pnl
	m.dailyPnL += pnl

	p.UpdatedAt = now
	partial := fraction < 1 && p.Size-closedSize > 1e-9
	if partial {
		p.Size -= closedSize
		p.UpdatePrice(price)
	} else {
		p.Status = types.PositionClosed
		p.CloseReason = reason
		p.UnrealizedPnL = 0
		closedAt := now
		p.ClosedAt = &closedAt
		delete(m.positions, p.ID)
		m.closed = append(m.closed, *p)
		if len(m.closed) > closedHistory {
			m.closed = m.closed[len(m.closed)-closedHistory:]
		}
	}

	m.log.Info().
		Str("position_id", p.ID).
		Str("token", p.Token).
		Str("reason", string(reason)).
		Float64("price", price).
		Float64("fraction", fraction).
		Float64("pnl", pnl).
		Float64("balance", m.balance).
		Bool("partial", partial).
		Msg("position settled")

	return Closure{
		Position:    *p,
		Reason:      reason,
		Price:       price,
		Fraction:    fraction,
		ClosedSize:  closedSize,
		RealizedPnL: pnl,
		Partial:     partial,
	}
}

// MonitorTick refreshes every active position with prices and applies the
// exit rules to the Open ones. Liquidation avoidance is checked first and
// overrides everything else. Each exit moves its position to Closing and is
// returned for the caller to execute. Positions whose token has no price are
// skipped and reported in Missing.
func (m *PositionManager) MonitorTick(prices map[string]float64) TickReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Clock()
	m.rollDayLocked(now)

	report := TickReport{}
	missing := make(map[string]struct{})
	for _, p := range m.sortedLocked() {
		price, ok := prices[p.Token]
		if !ok || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			if _, seen := missing[p.Token]; !seen {
				missing[p.Token] = struct{}{}
				report.Missing = append(report.Missing, p.Token)
			}
			m.log.Warn().
				Str("position_id", p.ID).
				Str("token", p.Token).
				Str("code", "EXTERNAL_PRICE_UNAVAILABLE").
				Msg("no price for position, skipping")
			continue
		}
		p.UpdatePrice(price)
		if p.Status != types.PositionOpen {
			continue
		}
		report.Checked++

		if reason, fraction, exit := m.exitFor(p, now); exit {
			_ = m.beginCloseLocked(p, reason)
			report.Exits = append(report.Exits, Exit{
				Position: *p,
				Reason:   reason,
				Price:    price,
				Fraction: fraction,
			})
			m.log.Info().
				Str("position_id", p.ID).
				Str("token", p.Token).
				Str("reason", string(reason)).
				Float64("price", price).
				Float64("fraction", fraction).
				Msg("exit triggered")
		}
	}
	m.publishLocked()
	return report
}

func (m *PositionManager) exitFor(p *types.Position, now time.Time) (types.CloseReason, float64, bool) {
	dist := p.LiquidationDistance()
	if dist <= 0 {
		return types.CloseLiquidated, 1, true
	}
	if dist <= m.cfg.LiquidationBuffer {
		return types.CloseLiquidationAvoidance, 1, true
	}

	roe := p.ROE()
	if m.cfg.StopLoss > 0 && roe <= -m.cfg.StopLoss {
		return types.CloseStopLoss, 1, true
	}
	if m.cfg.TrailingStop && p.PeakROE > 0 && p.PeakROE-roe >= m.cfg.TrailingDistance {
		return types.CloseTrailingStop, 1, true
	}
	if m.cfg.TakeProfit > 0 && roe >= m.cfg.TakeProfit {
		return types.CloseTakeProfit, 1, true
	}
	if m.cfg.PartialTakeProfit && !p.PartialTaken && roe >= m.cfg.PartialLevel {
		return types.CloseTakeProfit, m.cfg.PartialPercent, true
	}
	if m.cfg.MaxDuration > 0 && p.Duration(now) >= m.cfg.MaxDuration {
		return types.CloseMaxDuration, 1, true
	}
	return "", 0, false
}

func (m *PositionManager) sortedLocked() []*types.Position {
	out := make([]*types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenPositions returns copies of all Open and Closing positions, oldest first.
func (m *PositionManager) OpenPositions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	out := make([]types.Position, len(sorted))
	for i, p := range sorted {
		out[i] = *p
	}
	return out
}

// Position returns a copy of an active position.
func (m *PositionManager) Position(id string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// ClosedPositions returns up to limit of the most recent closes, newest last.
func (m *PositionManager) ClosedPositions(limit int) []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.closed) > limit {
		start = len(m.closed) - limit
	}
	return append([]types.Position(nil), m.closed[start:]...)
}

// ActiveCount is the number of positions counting against the cap.
func (m *PositionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// MaxConcurrent returns the open-position cap.
func (m *PositionManager) MaxConcurrent() int {
	return m.cfg.MaxConcurrent
}

// Portfolio returns the last published snapshot without locking.
func (m *PositionManager) Portfolio() types.Portfolio {
	return *m.snapshot.Load()
}

// CheckDayBoundary clears the daily PnL when the configured day changes.
func (m *PositionManager) CheckDayBoundary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rolled := m.rollDayLocked(m.cfg.Clock())
	if rolled {
		m.publishLocked()
	}
	return rolled
}

func (m *PositionManager) rollDayLocked(now time.Time) bool {
	day := m.dayKey(now)
	if day == m.day {
		return false
	}
	m.log.Info().Str("from", m.day).Str("to", day).Float64("daily_pnl", m.dailyPnL).Msg("daily pnl reset")
	m.day = day
	m.dailyPnL = 0
	return true
}

// Restore replaces in-memory state with persisted positions and balance.
// Only active positions are kept.
func (m *PositionManager) Restore(balance, dailyPnL float64, positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
	m.dailyPnL = dailyPnL
	m.positions = make(map[string]*types.Position, len(positions))
	for i := range positions {
		p := positions[i]
		if !p.IsActive() {
			continue
		}
		m.positions[p.ID] = &p
	}
	m.publishLocked()
	m.log.Info().Int("positions", len(m.positions)).Float64("balance", balance).Msg("positions restored")
}

func (m *PositionManager) marginAvailableLocked() float64 {
	used, unrealized := m.exposureLocked()
	// unrealized gains do not free margin; unrealized losses consume it
	return m.balance + math.Min(unrealized, 0) - used
}

func (m *PositionManager) exposureLocked() (used, unrealized float64) {
	for _, p := range m.positions {
		used += p.Margin()
		unrealized += p.UnrealizedPnL
	}
	return used, unrealized
}

func (m *PositionManager) publishLocked() {
	used, unrealized := m.exposureLocked()
	ids := make([]string, 0, len(m.positions))
	for _, p := range m.sortedLocked() {
		ids = append(ids, p.ID)
	}
	m.snapshot.Store(&types.Portfolio{
		Balance:         m.balance,
		Equity:          m.balance + unrealized,
		MarginUsed:      used,
		MarginAvailable: m.balance + math.Min(unrealized, 0) - used,
		DailyPnL:        m.dailyPnL,
		OpenPositionIDs: ids,
		UpdatedAt:       m.cfg.Clock(),
	})
}
