package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/internal/state"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func execute(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	if in != nil {
		rootCmd.SetIn(in)
	}
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// seedStore writes an account with one open position, two closed positions
// and two decisions into a file store under dir.
func seedStore(t *testing.T, dir string) {
	t.Helper()
	store, err := state.NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	open := types.Position{
		ID: "open-1", Token: "ETH", Side: types.SideLong, Size: 1000, Leverage: 20,
		EntryPrice: 2000, CurrentPrice: 1990, UnrealizedPnL: -5,
		Status: types.PositionOpen, OpenedAt: testNow,
	}
	require.NoError(t, store.SaveAccount(ctx, state.AccountState{
		Balance:   10004,
		DailyPnL:  4,
		Day:       "2025-03-01",
		Positions: []types.Position{open},
		UpdatedAt: testNow,
	}))

	closedAt := testNow.Add(time.Hour)
	for _, p := range []types.Position{
		{ID: "p-1", Token: "BTC", Side: types.SideLong, Size: 500, Leverage: 10, EntryPrice: 100, RealizedPnL: 10, Status: types.PositionClosed, CloseReason: types.CloseTakeProfit, OpenedAt: testNow, ClosedAt: &closedAt},
		{ID: "p-2", Token: "SOL", Side: types.SideShort, Size: 500, Leverage: 10, EntryPrice: 100, RealizedPnL: -6, Status: types.PositionClosed, CloseReason: types.CloseStopLoss, OpenedAt: testNow, ClosedAt: &closedAt},
	} {
		require.NoError(t, store.SavePosition(ctx, p))
	}
	require.NoError(t, store.SavePosition(ctx, open))

	require.NoError(t, store.SaveDecision(ctx, types.Decision{ID: "d-1", Token: "BTC", Side: types.SideLong, Confidence: types.ConfidenceHigh, Approved: true, CreatedAt: testNow}))
	require.NoError(t, store.SaveDecision(ctx, types.Decision{ID: "d-2", Token: "XRP", Side: types.SideLong, Confidence: types.ConfidenceLow, RejectKind: types.RejectRisk, CreatedAt: testNow}))

	require.NoError(t, store.SaveBreaker(&safety.BreakerSnapshot{
		State:      safety.StateOpen,
		DailyLoss:  15,
		TripReason: safety.TripDailyLoss,
		Day:        "2025-03-01",
		UpdatedAt:  testNow,
	}))
}

func useFileStore(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("STATE_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CONFIG_FILE", "")
}

func TestPortfolioFrom(t *testing.T) {
	acct := &state.AccountState{
		Balance:  1000,
		DailyPnL: -3,
		Positions: []types.Position{
			{ID: "a", Size: 200, Leverage: 10, Status: types.PositionOpen, UnrealizedPnL: 8},
			{ID: "b", Size: 300, Leverage: 20, Status: types.PositionClosing, UnrealizedPnL: -12},
			{ID: "c", Size: 900, Leverage: 10, Status: types.PositionClosed},
		},
	}

	p := portfolioFrom(acct)
	assert.Equal(t, []string{"a", "b"}, p.OpenPositionIDs)
	assert.InDelta(t, 35, p.MarginUsed, 1e-9)
	assert.InDelta(t, 996, p.Equity, 1e-9)
	assert.InDelta(t, 1000-4-35, p.MarginAvailable, 1e-9)
	assert.InDelta(t, -3, p.DailyPnL, 1e-9)
}

func TestPortfolioFrom_GainsDoNotFreeMargin(t *testing.T) {
	p := portfolioFrom(&state.AccountState{
		Balance:   100,
		Positions: []types.Position{{ID: "a", Size: 500, Leverage: 10, Status: types.PositionOpen, UnrealizedPnL: 40}},
	})
	assert.InDelta(t, 140, p.Equity, 1e-9)
	assert.InDelta(t, 50, p.MarginAvailable, 1e-9)
}

func TestLoadReport(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)

	store, err := state.NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)

	rep, err := loadReport(context.Background(), store, 10, testNow)
	require.NoError(t, err)

	require.NotNil(t, rep.Breaker)
	assert.Equal(t, safety.StateOpen, rep.Breaker.State)
	require.NotNil(t, rep.Portfolio)
	assert.InDelta(t, 10004, rep.Portfolio.Balance, 1e-9)
	require.Len(t, rep.Open, 1)
	assert.Equal(t, "ETH", rep.Open[0].Token)
	require.Len(t, rep.Closed, 2)
	assert.Len(t, rep.Decisions, 2)

	rep, err = loadReport(context.Background(), store, 1, testNow)
	require.NoError(t, err)
	require.Len(t, rep.Closed, 1)
	assert.Equal(t, "p-2", rep.Closed[0].ID)
}

func TestLoadReport_EmptyStore(t *testing.T) {
	store, err := state.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	rep, err := loadReport(context.Background(), store, 10, testNow)
	require.NoError(t, err)
	assert.Nil(t, rep.Portfolio)
	assert.Empty(t, rep.Open)
	assert.Empty(t, rep.Closed)
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)
	useFileStore(t, dir)

	out, err := execute(t, nil, "status", "--env=", "--summary")
	require.NoError(t, err)
	assert.Contains(t, out, "CIRCUIT BREAKER")
	assert.Contains(t, out, safety.TripDailyLoss)
	assert.Contains(t, out, "ACCOUNT")
	assert.Contains(t, out, "ETH")
	assert.Contains(t, out, "SUMMARY")
	assert.Contains(t, out, "TAKE_PROFIT")
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir)
	useFileStore(t, dir)

	target := filepath.Join(t.TempDir(), "out", "report.json")
	out, err := execute(t, nil, "export", "--env=", "--output", target)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 positions and 2 decisions")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var decoded struct {
		Summary struct {
			Trades int `json:"trades"`
			Wins   int `json:"wins"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded.Summary.Trades)
	assert.Equal(t, 1, decoded.Summary.Wins)

	_, err = execute(t, nil, "export", "--env=", "--format", "pdf")
	assert.ErrorContains(t, err, "unsupported format")
	exportFormat = "xlsx"
}

func TestHashTokenCommand(t *testing.T) {
	out, err := execute(t, nil, "hash-token", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	out, err = execute(t, strings.NewReader("from-stdin\n"), "hash-token")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("from-stdin")))
}

func TestResetCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/breaker/reset", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["token"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid reset token","code":"INVALID_RESET_TOKEN","category":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"state":"HALF_OPEN","daily_loss":0}`))
	}))
	defer srv.Close()

	out, err := execute(t, nil, "reset", "--api", srv.URL, "--token", "good")
	require.NoError(t, err)
	assert.Equal(t, "breaker is HALF_OPEN\n", out)

	_, err = execute(t, nil, "reset", "--api", srv.URL, "--token", "bad")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "INVALID_RESET_TOKEN", apiErr.Code)
}

func TestHaltAndCloseAllCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/api/v1/breaker/halt":
			assert.Equal(t, "maintenance", body["reason"])
			_, _ = w.Write([]byte(`{"state":"OPEN","trip_reason":"MANUAL_HALT","manual":true}`))
		case "/api/v1/positions/close-all":
			assert.Equal(t, "EMERGENCY", body["reason"])
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"closed":2,"positions":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, nil, "halt", "--api", srv.URL, "--reason", "maintenance")
	require.NoError(t, err)
	assert.Equal(t, "breaker is OPEN (MANUAL_HALT)\n", out)

	out, err = execute(t, nil, "close-all", "--api", srv.URL, "--reason", "emergency")
	require.NoError(t, err)
	assert.Equal(t, "closed 2 positions\n", out)
}

func TestBaseURLFor(t *testing.T) {
	assert.Equal(t, "http://localhost:8090", baseURLFor(":8090"))
	assert.Equal(t, "http://10.0.0.5:9000", baseURLFor("10.0.0.5:9000"))
	assert.Equal(t, "http://engine:8090", newAdminClient("engine:8090/").base)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version", "--json")
	require.NoError(t, err)
	var info VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version, info.Version)
	assert.Equal(t, projectRepo, info.Repository)
}
