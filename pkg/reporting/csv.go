package reporting

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// DefaultCSVReporter implements CSV output functionality
type DefaultCSVReporter struct{}

// NewDefaultCSVReporter creates a new CSV reporter
func NewDefaultCSVReporter() *DefaultCSVReporter {
	return &DefaultCSVReporter{}
}

// WriteCSV writes positions to path and, when the report carries decisions,
// decisions to a sibling file with a "_decisions" suffix.
func (r *DefaultCSVReporter) WriteCSV(rep Report, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	positions := append(append([]types.Position(nil), rep.Open...), rep.Closed...)
	if err := writeCSVFile(path, positionHeaders, len(positions), func(i int) []string {
		return positionRecord(positions[i])
	}); err != nil {
		return err
	}

	if len(rep.Decisions) == 0 {
		return nil
	}
	return writeCSVFile(DecisionsCSVPath(path), decisionHeaders, len(rep.Decisions), func(i int) []string {
		return decisionRecord(rep.Decisions[i])
	})
}

// DecisionsCSVPath is where WriteCSV puts decisions for a positions file.
func DecisionsCSVPath(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return path[:len(path)-len(".csv")] + "_decisions.csv"
	}
	return path + "_decisions.csv"
}

var positionHeaders = []string{
	"ID",
	"Decision_ID",
	"Token",
	"Side",
	"Leverage",
	"Size",
	"Entry_Price",
	"Last_Price",
	"Liquidation_Price",
	"Realized_PnL",
	"Status",
	"Close_Reason",
	"Partial_Taken",
	"Opened_At",
	"Closed_At",
}

var decisionHeaders = []string{
	"ID",
	"Signal_ID",
	"Token",
	"Side",
	"Confidence",
	"Price",
	"Approved",
	"Leverage",
	"Size",
	"Margin",
	"Reject_Kind",
	"Reason",
	"Position_ID",
	"Created_At",
}

func writeCSVFile(path string, headers []string, n int, record func(i int) []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := w.Write(record(i)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func positionRecord(p types.Position) []string {
	closed := ""
	if p.ClosedAt != nil {
		closed = p.ClosedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		p.ID,
		p.DecisionID,
		p.Token,
		string(p.Side),
		strconv.Itoa(int(p.Leverage)),
		money(p.Size),
		price(p.EntryPrice),
		price(p.CurrentPrice),
		price(p.LiquidationPrice),
		money(p.RealizedPnL),
		string(p.Status),
		string(p.CloseReason),
		strconv.FormatBool(p.PartialTaken),
		p.OpenedAt.UTC().Format(time.RFC3339),
		closed,
	}
}

func decisionRecord(d types.Decision) []string {
	return []string{
		d.ID,
		d.SignalID,
		d.Token,
		string(d.Side),
		d.Confidence.String(),
		price(d.Price),
		strconv.FormatBool(d.Approved),
		strconv.Itoa(int(d.Leverage)),
		money(d.Size),
		money(d.Margin),
		string(d.RejectKind),
		d.Reason,
		d.PositionID,
		d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV is the package-level convenience form.
func WriteCSV(rep Report, path string) error {
	return NewDefaultCSVReporter().WriteCSV(rep, path)
}
