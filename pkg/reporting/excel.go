package reporting

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

const (
	summarySheet   = "Summary"
	positionsSheet = "Positions"
	decisionsSheet = "Decisions"
)

const timeLayout = "2006-01-02 15:04:05"

// DefaultExcelReporter implements Excel output functionality
type DefaultExcelReporter struct{}

// NewDefaultExcelReporter creates a new Excel reporter
func NewDefaultExcelReporter() *DefaultExcelReporter {
	return &DefaultExcelReporter{}
}

// WriteXLSX writes a workbook with Summary, Positions and Decisions sheets.
func (r *DefaultExcelReporter) WriteXLSX(rep Report, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	fx := excelize.NewFile()
	defer fx.Close()

	if err := fx.SetSheetName(fx.GetSheetName(0), summarySheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(positionsSheet); err != nil {
		return err
	}
	if _, err := fx.NewSheet(decisionsSheet); err != nil {
		return err
	}

	styles, err := createExcelStyles(fx)
	if err != nil {
		return fmt.Errorf("create styles: %w", err)
	}

	if err := r.writeSummarySheet(fx, summarySheet, rep, styles); err != nil {
		return err
	}
	positions := append(append([]types.Position(nil), rep.Open...), rep.Closed...)
	if err := r.writePositionsSheet(fx, positionsSheet, positions, styles); err != nil {
		return err
	}
	if err := r.writeDecisionsSheet(fx, decisionsSheet, rep.Decisions, styles); err != nil {
		return err
	}

	fx.SetActiveSheet(0)
	return fx.SaveAs(path)
}

// createExcelStyles builds the shared cell styles.
func createExcelStyles(fx *excelize.File) (ExcelStyles, error) {
	var styles ExcelStyles
	var err error

	lightBorder := []excelize.Border{
		{Type: "left", Color: "E0E0E0", Style: 1},
		{Type: "right", Color: "E0E0E0", Style: 1},
		{Type: "bottom", Color: "E0E0E0", Style: 1},
	}

	styles.HeaderStyle, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"}, // Dark slate gray
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return styles, err
	}

	styles.CurrencyStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt: 7, // $#,##0.00
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.PercentStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt: 10, // 0.00%
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.BaseStyle, err = fx.NewStyle(&excelize.Style{
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.RedCurrencyStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt: 7,
		Font:   &excelize.Font{Color: "C00000"},
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.GreenCurrencyStyle, err = fx.NewStyle(&excelize.Style{
		NumFmt: 7,
		Font:   &excelize.Font{Color: "008000"},
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.ApprovedStyle, err = fx.NewStyle(&excelize.Style{
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"E6FFE6"}, // Light green
			Pattern: 1,
		},
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.RejectedStyle, err = fx.NewStyle(&excelize.Style{
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"FDE9E7"}, // Light red
			Pattern: 1,
		},
		Border: lightBorder,
	})
	if err != nil {
		return styles, err
	}

	styles.SummaryStyle, err = fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   12,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"4472C4"}, // Blue
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return styles, err
	}

	return styles, nil
}

func (r *DefaultExcelReporter) writeSummarySheet(fx *excelize.File, sheet string, rep Report, styles ExcelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 26)
	fx.SetColWidth(sheet, "B", "B", 22)

	if err := fx.MergeCell(sheet, "A1", "B1"); err != nil {
		return err
	}
	fx.SetCellValue(sheet, "A1", "RISK ENGINE REPORT")
	fx.SetCellStyle(sheet, "A1", "B1", styles.SummaryStyle)

	generated := rep.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	sum := Summarize(rep)
	row := 2
	put := func(label string, value interface{}, style int) {
		a, _ := excelize.CoordinatesToCellName(1, row)
		b, _ := excelize.CoordinatesToCellName(2, row)
		fx.SetCellValue(sheet, a, label)
		fx.SetCellValue(sheet, b, value)
		fx.SetCellStyle(sheet, a, a, styles.BaseStyle)
		fx.SetCellStyle(sheet, b, b, style)
		row++
	}

	put("Generated", generated.UTC().Format(timeLayout), styles.BaseStyle)
	if rep.Breaker != nil {
		put("Breaker State", rep.Breaker.State.String(), styles.BaseStyle)
		put("Breaker Daily Loss", rep.Breaker.DailyLoss, styles.CurrencyStyle)
		put("Consecutive Failures", rep.Breaker.ConsecutiveFailures, styles.BaseStyle)
		if rep.Breaker.TripReason != "" {
			put("Trip Reason", rep.Breaker.TripReason, styles.BaseStyle)
		}
	}
	if rep.Portfolio != nil {
		put("Balance", rep.Portfolio.Balance, styles.CurrencyStyle)
		put("Margin Used", rep.Portfolio.MarginUsed, styles.CurrencyStyle)
		put("Daily PnL", rep.Portfolio.DailyPnL, pnlStyle(rep.Portfolio.DailyPnL, styles))
		put("Open Positions", rep.Portfolio.OpenCount(), styles.BaseStyle)
	}
	put("Closed Trades", sum.Trades, styles.BaseStyle)
	put("Wins", sum.Wins, styles.BaseStyle)
	put("Losses", sum.Losses, styles.BaseStyle)
	put("Win Rate", sum.WinRate, styles.PercentStyle)
	put("Total PnL", sum.TotalPnL, pnlStyle(sum.TotalPnL, styles))
	put("Best Trade", sum.BestTrade, pnlStyle(sum.BestTrade, styles))
	put("Worst Trade", sum.WorstTrade, pnlStyle(sum.WorstTrade, styles))
	put("Unwound (execution failed)", sum.Unwound, styles.BaseStyle)
	put("Decisions", sum.Decisions, styles.BaseStyle)
	put("Approved", sum.Approved, styles.BaseStyle)
	put("Rejected", sum.Rejected, styles.BaseStyle)

	if len(sum.RejectKinds) > 0 {
		row++
		a, _ := excelize.CoordinatesToCellName(1, row)
		b, _ := excelize.CoordinatesToCellName(2, row)
		fx.SetCellValue(sheet, a, "Rejection")
		fx.SetCellValue(sheet, b, "Count")
		fx.SetCellStyle(sheet, a, b, styles.HeaderStyle)
		row++
		kinds := make([]string, 0, len(sum.RejectKinds))
		for k := range sum.RejectKinds {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			label := k
			if label == "" {
				label = "UNSPECIFIED"
			}
			put(label, sum.RejectKinds[types.RejectKind(k)], styles.BaseStyle)
		}
	}
	return nil
}

func (r *DefaultExcelReporter) writePositionsSheet(fx *excelize.File, sheet string, positions []types.Position, styles ExcelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 38) // ID
	fx.SetColWidth(sheet, "B", "C", 10) // Token, Side
	fx.SetColWidth(sheet, "D", "D", 9)  // Leverage
	fx.SetColWidth(sheet, "E", "J", 13) // Size .. Realized PnL
	fx.SetColWidth(sheet, "K", "K", 10) // ROE
	fx.SetColWidth(sheet, "L", "M", 22) // Status, Close Reason
	fx.SetColWidth(sheet, "N", "O", 20) // Opened, Closed
	fx.SetColWidth(sheet, "P", "P", 12) // Duration

	headers := []string{
		"ID", "Token", "Side", "Leverage", "Size", "Margin", "Entry Price", "Last Price",
		"Liquidation", "Realized PnL", "ROE", "Status", "Close Reason", "Opened", "Closed", "Duration",
	}
	if err := writeHeaderRow(fx, sheet, headers, styles); err != nil {
		return err
	}
	if err := fx.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	for i, p := range positions {
		row := i + 2
		margin := p.Margin()
		roe := 0.0
		if margin > 0 {
			roe = p.RealizedPnL / margin
		}
		closed, duration := "", ""
		if p.ClosedAt != nil {
			closed = p.ClosedAt.UTC().Format(timeLayout)
			duration = p.ClosedAt.Sub(p.OpenedAt).Round(time.Second).String()
		}

		values := []interface{}{
			p.ID, p.Token, string(p.Side), int(p.Leverage), p.Size, margin, p.EntryPrice, p.CurrentPrice,
			p.LiquidationPrice, p.RealizedPnL, roe, string(p.Status), string(p.CloseReason),
			p.OpenedAt.UTC().Format(timeLayout), closed, duration,
		}
		cellStyles := []int{
			styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle,
			styles.CurrencyStyle, styles.CurrencyStyle, styles.CurrencyStyle, styles.CurrencyStyle,
			styles.CurrencyStyle, pnlStyle(p.RealizedPnL, styles), styles.PercentStyle,
			styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle, styles.BaseStyle,
		}
		writeRow(fx, sheet, row, values, cellStyles)
	}

	if len(positions) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(headers), len(positions)+1)
		if err := fx.AutoFilter(sheet, "A1:"+last, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *DefaultExcelReporter) writeDecisionsSheet(fx *excelize.File, sheet string, decisions []types.Decision, styles ExcelStyles) error {
	fx.SetColWidth(sheet, "A", "A", 38) // ID
	fx.SetColWidth(sheet, "B", "B", 20) // Created
	fx.SetColWidth(sheet, "C", "E", 11) // Token, Side, Confidence
	fx.SetColWidth(sheet, "F", "F", 13) // Price
	fx.SetColWidth(sheet, "G", "H", 9)  // Approved, Leverage
	fx.SetColWidth(sheet, "I", "J", 13) // Size, Margin
	fx.SetColWidth(sheet, "K", "K", 26) // Reject Kind
	fx.SetColWidth(sheet, "L", "L", 48) // Reason
	fx.SetColWidth(sheet, "M", "M", 38) // Position

	headers := []string{
		"ID", "Created", "Token", "Side", "Confidence", "Price", "Approved", "Leverage",
		"Size", "Margin", "Reject Kind", "Reason", "Position",
	}
	if err := writeHeaderRow(fx, sheet, headers, styles); err != nil {
		return err
	}

	for i, d := range decisions {
		row := i + 2
		rowStyle := styles.RejectedStyle
		if d.Approved {
			rowStyle = styles.ApprovedStyle
		}
		values := []interface{}{
			d.ID, d.CreatedAt.UTC().Format(timeLayout), d.Token, string(d.Side), d.Confidence.String(),
			d.Price, d.Approved, int(d.Leverage), d.Size, d.Margin, string(d.RejectKind), d.Reason, d.PositionID,
		}
		cellStyles := []int{
			rowStyle, rowStyle, rowStyle, rowStyle, rowStyle,
			styles.CurrencyStyle, rowStyle, rowStyle, styles.CurrencyStyle, styles.CurrencyStyle,
			rowStyle, rowStyle, rowStyle,
		}
		writeRow(fx, sheet, row, values, cellStyles)
	}
	return nil
}

func writeHeaderRow(fx *excelize.File, sheet string, headers []string, styles ExcelStyles) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := fx.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		fx.SetCellStyle(sheet, cell, cell, styles.HeaderStyle)
	}
	return nil
}

func writeRow(fx *excelize.File, sheet string, row int, values []interface{}, cellStyles []int) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		fx.SetCellValue(sheet, cell, v)
		if col < len(cellStyles) {
			fx.SetCellStyle(sheet, cell, cell, cellStyles[col])
		}
	}
}

func pnlStyle(v float64, styles ExcelStyles) int {
	switch {
	case v > 0:
		return styles.GreenCurrencyStyle
	case v < 0:
		return styles.RedCurrencyStyle
	}
	return styles.CurrencyStyle
}

// WriteXLSX is the package-level convenience form.
func WriteXLSX(rep Report, path string) error {
	return NewDefaultExcelReporter().WriteXLSX(rep, path)
}
