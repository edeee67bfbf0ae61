package reporting

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// DefaultConsoleReporter renders reports as terminal tables.
type DefaultConsoleReporter struct {
	out io.Writer
}

// NewDefaultConsoleReporter creates a console reporter writing to out
// (stdout when nil).
func NewDefaultConsoleReporter(out io.Writer) *DefaultConsoleReporter {
	if out == nil {
		out = os.Stdout
	}
	return &DefaultConsoleReporter{out: out}
}

// RenderStatus prints the breaker, the account and the open positions.
func (r *DefaultConsoleReporter) RenderStatus(rep Report) {
	if rep.Breaker != nil {
		b := rep.Breaker
		t := r.newTable("CIRCUIT BREAKER")
		state := b.State.String()
		switch b.State {
		case safety.StateOpen:
			state = text.FgRed.Sprint(state)
		case safety.StateHalfOpen:
			state = text.FgYellow.Sprint(state)
		default:
			state = text.FgGreen.Sprint(state)
		}
		t.AppendRows([]table.Row{
			{"State", state},
			{"Daily Loss", fmt.Sprintf("$%.2f", b.DailyLoss)},
			{"Consecutive Failures", b.ConsecutiveFailures},
			{"Half-Open Successes", b.HalfOpenSuccesses},
			{"Day", b.Day},
		})
		if b.TripReason != "" {
			t.AppendSeparator()
			t.AppendRow(table.Row{"Trip Reason", b.TripReason})
			if b.TrippedAt != nil {
				t.AppendRow(table.Row{"Tripped At", b.TrippedAt.UTC().Format(timeLayout)})
			}
			t.AppendRow(table.Row{"Manual", b.Manual})
		}
		if b.Corrupted {
			t.AppendRow(table.Row{"Corrupted", text.FgRed.Sprint("yes")})
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 1, WidthMin: 22, WidthMax: 22, Align: text.AlignLeft},
			{Number: 2, WidthMin: 25, WidthMax: 40, Align: text.AlignLeft},
		})
		t.Render()
	}

	if rep.Portfolio != nil {
		p := rep.Portfolio
		t := r.newTable("ACCOUNT")
		t.AppendRows([]table.Row{
			{"Balance", fmt.Sprintf("$%.2f", p.Balance)},
			{"Equity", fmt.Sprintf("$%.2f", p.Equity)},
			{"Margin Used", fmt.Sprintf("$%.2f", p.MarginUsed)},
			{"Margin Available", fmt.Sprintf("$%.2f", p.MarginAvailable)},
			{"Daily PnL", signedMoney(p.DailyPnL)},
			{"Open Positions", p.OpenCount()},
		})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 1, WidthMin: 22, WidthMax: 22, Align: text.AlignLeft},
			{Number: 2, WidthMin: 25, WidthMax: 40, Align: text.AlignLeft},
		})
		t.Render()
	}

	t := r.newTable("OPEN POSITIONS")
	t.AppendHeader(table.Row{"Token", "Side", "Lev", "Size", "Entry", "Last", "Liq", "Unrealized", "Opened"})
	for _, p := range rep.Open {
		t.AppendRow(table.Row{
			p.Token,
			p.Side,
			fmt.Sprintf("%dx", p.Leverage),
			fmt.Sprintf("$%.2f", p.Size),
			p.EntryPrice,
			p.CurrentPrice,
			fmt.Sprintf("%.4f", p.LiquidationPrice),
			signedMoney(p.UnrealizedPnL),
			stamp(p.OpenedAt),
		})
	}
	if len(rep.Open) == 0 {
		t.AppendRow(table.Row{"none"})
	}
	t.Render()
}

// RenderSummary prints trade and decision totals.
func (r *DefaultConsoleReporter) RenderSummary(rep Report) {
	s := Summarize(rep)

	t := r.newTable("SUMMARY")
	t.AppendRows([]table.Row{
		{"Closed Trades", s.Trades},
		{"Wins / Losses", fmt.Sprintf("%d / %d", s.Wins, s.Losses)},
		{"Win Rate", fmt.Sprintf("%.1f%%", s.WinRate*100)},
		{"Total PnL", signedMoney(s.TotalPnL)},
		{"Best / Worst", fmt.Sprintf("%s / %s", signedMoney(s.BestTrade), signedMoney(s.WorstTrade))},
	})
	if s.Unwound > 0 {
		t.AppendRow(table.Row{"Unwound", s.Unwound})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Decisions", s.Decisions},
		{"Approved", s.Approved},
		{"Rejected", s.Rejected},
	})

	kinds := make([]string, 0, len(s.RejectKinds))
	for k := range s.RejectKinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		t.AppendRow(table.Row{"  " + k, s.RejectKinds[types.RejectKind(k)]})
	}
	t.Render()

	if len(s.CloseReasons) > 0 {
		ct := r.newTable("CLOSE REASONS")
		ct.AppendHeader(table.Row{"Reason", "Count"})
		reasons := make([]string, 0, len(s.CloseReasons))
		for k := range s.CloseReasons {
			reasons = append(reasons, string(k))
		}
		sort.Strings(reasons)
		for _, k := range reasons {
			ct.AppendRow(table.Row{k, s.CloseReasons[types.CloseReason(k)]})
		}
		ct.Render()
	}
}

func (r *DefaultConsoleReporter) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func signedMoney(v float64) string {
	s := fmt.Sprintf("%+.2f", v)
	switch {
	case v > 0:
		return text.FgGreen.Sprint(s)
	case v < 0:
		return text.FgRed.Sprint(s)
	}
	return s
}

// stamp formats t for table cells, or "-" when unset.
func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}
