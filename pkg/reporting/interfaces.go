package reporting

import (
	"io"
	"time"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// Package reporting renders engine records for operators: console tables,
// CSV, JSON and XLSX exports.

// Report is a point-in-time view of the engine's records. Every field is
// optional; writers skip what is missing.
type Report struct {
	GeneratedAt time.Time
	Breaker     *safety.BreakerSnapshot
	Portfolio   *types.Portfolio
	Open        []types.Position
	Closed      []types.Position
	Decisions   []types.Decision
}

// ConsoleReporter defines interface for console output
type ConsoleReporter interface {
	RenderStatus(rep Report)
	RenderSummary(rep Report)
}

// FileReporter defines interface for file output
type FileReporter interface {
	WriteXLSX(rep Report, path string) error
	WriteCSV(rep Report, path string) error
	WriteJSON(rep Report, path string) error
}

// PathManager defines interface for output path management
type PathManager interface {
	DefaultExportPath(dir, format string, at time.Time) string
	EnsureDirectoryExists(path string) error
}

// ExcelStyles holds Excel formatting styles
type ExcelStyles struct {
	HeaderStyle        int
	CurrencyStyle      int
	PercentStyle       int
	BaseStyle          int
	RedCurrencyStyle   int
	GreenCurrencyStyle int
	ApprovedStyle      int
	RejectedStyle      int
	SummaryStyle       int
}

// Summary aggregates a report's closed trades and decisions.
type Summary struct {
	Trades       int                       `json:"trades"`
	Wins         int                       `json:"wins"`
	Losses       int                       `json:"losses"`
	WinRate      float64                   `json:"win_rate"`
	TotalPnL     float64                   `json:"total_pnl"`
	BestTrade    float64                   `json:"best_trade"`
	WorstTrade   float64                   `json:"worst_trade"`
	Unwound      int                       `json:"unwound"`
	CloseReasons map[types.CloseReason]int `json:"close_reasons"`
	Decisions    int                       `json:"decisions"`
	Approved     int                       `json:"approved"`
	Rejected     int                       `json:"rejected"`
	RejectKinds  map[types.RejectKind]int  `json:"reject_kinds"`
	ByConfidence map[types.Confidence]int  `json:"by_confidence"`
}

// Summarize computes the summary of rep. Positions unwound after a failed
// execution are counted separately and never as trades.
func Summarize(rep Report) Summary {
	s := Summary{
		CloseReasons: make(map[types.CloseReason]int),
		RejectKinds:  make(map[types.RejectKind]int),
		ByConfidence: make(map[types.Confidence]int),
	}
	for _, p := range rep.Closed {
		s.CloseReasons[p.CloseReason]++
		if p.CloseReason == types.CloseExecutionFailed {
			s.Unwound++
			continue
		}
		if s.Trades == 0 || p.RealizedPnL > s.BestTrade {
			s.BestTrade = p.RealizedPnL
		}
		if s.Trades == 0 || p.RealizedPnL < s.WorstTrade {
			s.WorstTrade = p.RealizedPnL
		}
		s.Trades++
		s.TotalPnL += p.RealizedPnL
		switch {
		case p.RealizedPnL > 0:
			s.Wins++
		case p.RealizedPnL < 0:
			s.Losses++
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}

	for _, d := range rep.Decisions {
		s.Decisions++
		s.ByConfidence[d.Confidence]++
		if d.Approved {
			s.Approved++
		} else {
			s.Rejected++
			s.RejectKinds[d.RejectKind]++
		}
	}
	return s
}

// Export writes rep to path, choosing the format from the extension
// (.xlsx, .json, anything else as CSV).
func Export(rep Report, path string) error {
	return NewDefaultReporter(io.Discard).Export(rep, path)
}
