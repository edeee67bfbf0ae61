package reporting

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var reportTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func closedPosition(id, token string, pnl float64, reason types.CloseReason) types.Position {
	closed := reportTime.Add(-time.Hour)
	return types.Position{
		ID:               id,
		DecisionID:       "d-" + id,
		Token:            token,
		Side:             types.SideLong,
		Size:             1000,
		Leverage:         20,
		EntryPrice:       100,
		CurrentPrice:     100 + pnl/10,
		RealizedPnL:      pnl,
		LiquidationPrice: types.LiquidationPrice(types.SideLong, 100, 20),
		Status:           types.PositionClosed,
		CloseReason:      reason,
		OpenedAt:         reportTime.Add(-3 * time.Hour),
		ClosedAt:         &closed,
	}
}

func sampleReport() Report {
	return Report{
		GeneratedAt: reportTime,
		Breaker: &safety.BreakerSnapshot{
			State:      safety.StateOpen,
			DailyLoss:  18,
			TripReason: safety.TripDailyLoss,
			Day:        "2025-03-01",
		},
		Portfolio: &types.Portfolio{
			Balance:         9982,
			Equity:          9990,
			MarginUsed:      50,
			MarginAvailable: 9932,
			DailyPnL:        -18,
			OpenPositionIDs: []string{"open-1"},
		},
		Open: []types.Position{{
			ID:           "open-1",
			Token:        "ETH",
			Side:         types.SideShort,
			Size:         1000,
			Leverage:     20,
			EntryPrice:   2000,
			CurrentPrice: 1990,
			Status:       types.PositionOpen,
			OpenedAt:     reportTime.Add(-time.Minute),
		}},
		Closed: []types.Position{
			closedPosition("p-1", "AAA", 10, types.CloseTakeProfit),
			closedPosition("p-2", "BBB", -6, types.CloseStopLoss),
			closedPosition("p-3", "CCC", -12, types.CloseStopLoss),
			closedPosition("p-4", "DDD", 0, types.CloseExecutionFailed),
		},
		Decisions: []types.Decision{
			{ID: "d-1", Token: "AAA", Side: types.SideLong, Confidence: types.ConfidenceHigh, Price: 100, Approved: true, Leverage: 20, Size: 1000, Margin: 50, CreatedAt: reportTime},
			{ID: "d-2", Token: "BBB", Side: types.SideLong, Confidence: types.ConfidenceLow, Price: 10, RejectKind: types.RejectBreakerOpen, Reason: "breaker open", CreatedAt: reportTime},
			{ID: "d-3", Token: "CCC", Side: types.SideLong, Confidence: types.ConfidenceMedium, Price: 10, RejectKind: types.RejectRisk, Reason: "daily loss", CreatedAt: reportTime},
		},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleReport())

	assert.Equal(t, 3, s.Trades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.Equal(t, 1, s.Unwound)
	assert.InDelta(t, -8, s.TotalPnL, 1e-9)
	assert.InDelta(t, 10, s.BestTrade, 1e-9)
	assert.InDelta(t, -12, s.WorstTrade, 1e-9)
	assert.InDelta(t, 1.0/3, s.WinRate, 1e-9)
	assert.Equal(t, 2, s.CloseReasons[types.CloseStopLoss])

	assert.Equal(t, 3, s.Decisions)
	assert.Equal(t, 1, s.Approved)
	assert.Equal(t, 2, s.Rejected)
	assert.Equal(t, 1, s.RejectKinds[types.RejectBreakerOpen])
	assert.Equal(t, 1, s.ByConfidence[types.ConfidenceHigh])
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(Report{})
	assert.Zero(t, s.Trades)
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.BestTrade)
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.xlsx")
	require.NoError(t, WriteXLSX(sampleReport(), path))

	fx, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer fx.Close()

	assert.Equal(t, []string{summarySheet, positionsSheet, decisionsSheet}, fx.GetSheetList())

	title, err := fx.GetCellValue(summarySheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "RISK ENGINE REPORT", title)

	rows, err := fx.GetRows(positionsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 1+1+4)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, "open-1", rows[1][0])
	assert.Equal(t, "ETH", rows[1][1])
	assert.Equal(t, "p-4", rows[5][0])
	assert.Equal(t, "EXECUTION_FAILED", rows[5][12])

	rows, err = fx.GetRows(decisionsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "HIGH", rows[1][4])
	assert.Equal(t, "BREAKER_OPEN", rows[2][10])

	labels, err := fx.GetCols(summarySheet)
	require.NoError(t, err)
	require.NotEmpty(t, labels)
	assert.Contains(t, labels[0], "Breaker State")
	assert.Contains(t, labels[0], "RISK_REJECTION")
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "positions.csv")
	require.NoError(t, WriteCSV(sampleReport(), path))

	records := readCSV(t, path)
	require.Len(t, records, 1+5)
	assert.Equal(t, positionHeaders, records[0])
	assert.Equal(t, "p-1", records[2][0])
	assert.Equal(t, "10.00", records[2][9])
	assert.Equal(t, "TAKE_PROFIT", records[2][11])

	decisions := readCSV(t, filepath.Join(dir, "positions_decisions.csv"))
	require.Len(t, decisions, 4)
	assert.Equal(t, "LOW", decisions[2][4])
	assert.Equal(t, "false", decisions[2][6])
}

func TestWriteCSV_NoDecisionsFile(t *testing.T) {
	dir := t.TempDir()
	rep := sampleReport()
	rep.Decisions = nil
	require.NoError(t, WriteCSV(rep, filepath.Join(dir, "positions.csv")))

	_, err := os.Stat(filepath.Join(dir, "positions_decisions.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportByExtension(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "report.json")
	require.NoError(t, Export(sampleReport(), jsonPath))

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var decoded struct {
		Summary   Summary          `json:"summary"`
		Closed    []types.Position `json:"closed_positions"`
		Decisions []types.Decision `json:"decisions"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 3, decoded.Summary.Trades)
	assert.Len(t, decoded.Closed, 4)
	assert.Equal(t, types.ConfidenceMedium, decoded.Decisions[2].Confidence)

	require.NoError(t, Export(sampleReport(), filepath.Join(dir, "report.xlsx")))
	_, err = os.Stat(filepath.Join(dir, "report.xlsx"))
	assert.NoError(t, err)

	require.NoError(t, Export(Report{}, filepath.Join(dir, "empty.txt")))
	records := readCSV(t, filepath.Join(dir, "empty.txt"))
	assert.Len(t, records, 1)
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	r := NewDefaultConsoleReporter(&buf)
	r.RenderStatus(sampleReport())

	out := buf.String()
	assert.Contains(t, out, "CIRCUIT BREAKER")
	assert.Contains(t, out, "OPEN")
	assert.Contains(t, out, safety.TripDailyLoss)
	assert.Contains(t, out, "$9982.00")
	assert.Contains(t, out, "ETH")
	assert.Contains(t, out, "20x")
}

func TestRenderStatus_NoPositions(t *testing.T) {
	var buf bytes.Buffer
	NewDefaultConsoleReporter(&buf).RenderStatus(Report{})
	out := buf.String()
	assert.Contains(t, out, "OPEN POSITIONS")
	assert.Contains(t, out, "none")
	assert.NotContains(t, out, "CIRCUIT BREAKER")
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	NewDefaultConsoleReporter(&buf).RenderSummary(sampleReport())
	out := buf.String()
	assert.Contains(t, out, "SUMMARY")
	assert.Contains(t, out, "1 / 2")
	assert.Contains(t, out, "33.3%")
	assert.Contains(t, out, "BREAKER_OPEN")
	assert.Contains(t, out, "CLOSE REASONS")
	assert.Contains(t, out, "STOP_LOSS")
}

func TestDefaultExportPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "risk-report_20250301_120000.xlsx"), DefaultExportPath("out", "XLSX", reportTime))
	assert.Equal(t, filepath.Join("reports", "risk-report_20250301_120000.csv"), DefaultExportPath("", ".csv", reportTime))
	assert.True(t, strings.HasSuffix(DefaultExportPath("x", "", reportTime), ".xlsx"))
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}
