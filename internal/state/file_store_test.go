package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	return s, dir
}

func TestFileStore_BreakerRoundTrip(t *testing.T) {
	s, _ := newTestFileStore(t)

	snap, err := s.LoadBreaker()
	require.NoError(t, err)
	assert.Nil(t, snap, "nothing stored yet")

	tripped := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	want := &safety.BreakerSnapshot{
		State:      safety.StateOpen,
		DailyLoss:  15.5,
		TrippedAt:  &tripped,
		TripReason: safety.TripDailyLoss,
		Day:        "2025-03-01",
		Version:    4,
	}
	require.NoError(t, s.SaveBreaker(want))

	got, err := s.LoadBreaker()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, safety.StateOpen, got.State)
	assert.Equal(t, 15.5, got.DailyLoss)
	assert.Equal(t, int64(4), got.Version)
	assert.True(t, tripped.Equal(*got.TrippedAt))
}

func TestFileStore_BreakerFallsBackToBackup(t *testing.T) {
	s, dir := newTestFileStore(t)

	require.NoError(t, s.SaveBreaker(&safety.BreakerSnapshot{State: safety.StateClosed, Version: 1}))
	require.NoError(t, s.SaveBreaker(&safety.BreakerSnapshot{State: safety.StateOpen, Version: 2}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, breakerFile), []byte("{torn"), 0o644))

	got, err := s.LoadBreaker()
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestFileStore_BreakerUnreadableIsAnError(t *testing.T) {
	s, dir := newTestFileStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, breakerFile), []byte("garbage"), 0o644))

	_, err := s.LoadBreaker()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, breakerFile+backupSuffix), []byte("also garbage"), 0o644))
	_, err = s.LoadBreaker()
	assert.Error(t, err)
}

func TestFileStore_Account(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := context.Background()

	a, err := s.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)

	require.NoError(t, s.SaveAccount(ctx, AccountState{
		Balance:  98.5,
		DailyPnL: -1.5,
		Day:      "2025-03-01",
		Positions: []types.Position{
			{ID: "p1", Token: "BTC", Status: types.PositionOpen, Size: 20, Leverage: 20},
		},
	}))

	a, err = s.LoadAccount(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 98.5, a.Balance)
	require.Len(t, a.Positions, 1)
	assert.Equal(t, "p1", a.Positions[0].ID)
}

func TestFileStore_RecordsLogs(t *testing.T) {
	s, dir := newTestFileStore(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, s.SaveDecision(ctx, types.Decision{ID: id, Token: "BTC"}))
	}
	decisions, err := s.RecentDecisions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "d2", decisions[0].ID)
	assert.Equal(t, "d3", decisions[1].ID)

	closedAt := time.Now()
	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "a", Status: types.PositionOpen}))
	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "b", Status: types.PositionOpen}))
	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "a", Status: types.PositionClosed, ClosedAt: &closedAt, RealizedPnL: 1.2}))

	// a torn trailing line is skipped
	f, err := os.OpenFile(filepath.Join(dir, positionsFile), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"c","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	closed, err := s.ClosedPositions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].ID)
	assert.Equal(t, 1.2, closed[0].RealizedPnL)
}

func TestFileStore_AccountRefusesOlderSnapshot(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveAccount(ctx, AccountState{Balance: 90, UpdatedAt: at.Add(time.Minute)}))
	require.NoError(t, s.SaveAccount(ctx, AccountState{
		Balance:   100,
		Positions: []types.Position{{ID: "p1", Status: types.PositionOpen}},
		UpdatedAt: at,
	}))

	a, err := s.LoadAccount(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 90.0, a.Balance)
	assert.Empty(t, a.Positions)

	require.NoError(t, s.SaveAccount(ctx, AccountState{Balance: 95, UpdatedAt: at.Add(2 * time.Minute)}))
	a, err = s.LoadAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 95.0, a.Balance)
}

func TestFileStore_PositionReplayIgnoresStaleRecords(t *testing.T) {
	s, _ := newTestFileStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	closedAt := at.Add(time.Minute)

	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "a", Status: types.PositionClosed, ClosedAt: &closedAt, UpdatedAt: closedAt}))
	// a late retry of an earlier state lands after the close
	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "a", Status: types.PositionClosing, UpdatedAt: at}))
	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "b", Status: types.PositionOpen, UpdatedAt: at.Add(time.Minute)}))
	require.NoError(t, s.SavePosition(ctx, types.Position{ID: "b", Status: types.PositionOpen, Size: 5, UpdatedAt: at}))

	closed, err := s.ClosedPositions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].ID)
}
