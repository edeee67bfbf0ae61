package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/ducminhle1904/signal-risk-engine/internal/config"
	"github.com/ducminhle1904/signal-risk-engine/internal/engine"
	"github.com/ducminhle1904/signal-risk-engine/internal/logger"
	"github.com/ducminhle1904/signal-risk-engine/internal/state"
	"github.com/ducminhle1904/signal-risk-engine/pkg/reporting"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// withStore opens the configured record store read-side and closes it after fn.
func withStore(ctx context.Context, cfg *config.Config, fn func(engine.Store) error) error {
	store, err := engine.OpenStore(ctx, cfg, logger.Nop())
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	return fn(store)
}

// loadReport reads everything a report needs from store. limit bounds the
// closed positions and decisions read.
func loadReport(ctx context.Context, store engine.Store, limit int, now time.Time) (reporting.Report, error) {
	rep := reporting.Report{GeneratedAt: now}

	snap, err := store.LoadBreaker()
	if err != nil {
		return rep, fmt.Errorf("failed to load breaker state: %w", err)
	}
	rep.Breaker = snap

	acct, err := store.LoadAccount(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to load account: %w", err)
	}
	if acct != nil {
		p := portfolioFrom(acct)
		rep.Portfolio = &p
		for _, pos := range acct.Positions {
			if pos.IsActive() {
				rep.Open = append(rep.Open, pos)
			}
		}
	}

	if rep.Closed, err = store.ClosedPositions(ctx, limit); err != nil {
		return rep, fmt.Errorf("failed to load closed positions: %w", err)
	}
	if rep.Decisions, err = store.RecentDecisions(ctx, limit); err != nil {
		return rep, fmt.Errorf("failed to load decisions: %w", err)
	}
	return rep, nil
}

// portfolioFrom rebuilds the portfolio view of a persisted account. Unrealized
// gains count toward equity but never toward free margin.
func portfolioFrom(a *state.AccountState) types.Portfolio {
	p := types.Portfolio{
		Balance:         a.Balance,
		Equity:          a.Balance,
		DailyPnL:        a.DailyPnL,
		OpenPositionIDs: []string{},
		UpdatedAt:       a.UpdatedAt,
	}
	unrealized := 0.0
	for i := range a.Positions {
		pos := &a.Positions[i]
		if !pos.IsActive() {
			continue
		}
		p.MarginUsed += pos.Margin()
		unrealized += pos.UnrealizedPnL
		p.OpenPositionIDs = append(p.OpenPositionIDs, pos.ID)
	}
	p.Equity += unrealized
	p.MarginAvailable = p.Balance + math.Min(unrealized, 0) - p.MarginUsed
	return p
}
