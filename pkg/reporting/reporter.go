package reporting

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultReporter implements the complete reporting surface
type DefaultReporter struct {
	console *DefaultConsoleReporter
	csv     *DefaultCSVReporter
	excel   *DefaultExcelReporter
	paths   *DefaultPathManager
}

// NewDefaultReporter creates a reporter whose console output goes to out.
func NewDefaultReporter(out io.Writer) *DefaultReporter {
	return &DefaultReporter{
		console: NewDefaultConsoleReporter(out),
		csv:     NewDefaultCSVReporter(),
		excel:   NewDefaultExcelReporter(),
		paths:   NewDefaultPathManager(),
	}
}

func (r *DefaultReporter) RenderStatus(rep Report)  { r.console.RenderStatus(rep) }
func (r *DefaultReporter) RenderSummary(rep Report) { r.console.RenderSummary(rep) }

func (r *DefaultReporter) WriteXLSX(rep Report, path string) error {
	return r.excel.WriteXLSX(rep, path)
}

func (r *DefaultReporter) WriteCSV(rep Report, path string) error {
	return r.csv.WriteCSV(rep, path)
}

// jsonReport is the on-disk JSON layout.
type jsonReport struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Breaker     *safety.BreakerSnapshot `json:"breaker,omitempty"`
	Portfolio   *types.Portfolio        `json:"portfolio,omitempty"`
	Summary     Summary                 `json:"summary"`
	Open        []types.Position        `json:"open_positions"`
	Closed      []types.Position        `json:"closed_positions"`
	Decisions   []types.Decision        `json:"decisions"`
}

// WriteJSON writes the report, with its summary, as indented JSON.
func (r *DefaultReporter) WriteJSON(rep Report, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	out := jsonReport{
		GeneratedAt: rep.GeneratedAt,
		Breaker:     rep.Breaker,
		Portfolio:   rep.Portfolio,
		Summary:     Summarize(rep),
		Open:        nonNil(rep.Open),
		Closed:      nonNil(rep.Closed),
		Decisions:   rep.Decisions,
	}
	if out.Decisions == nil {
		out.Decisions = []types.Decision{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Export picks the writer from the file extension; unknown extensions get CSV.
func (r *DefaultReporter) Export(rep Report, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return r.WriteXLSX(rep, path)
	case ".json":
		return r.WriteJSON(rep, path)
	default:
		return r.WriteCSV(rep, path)
	}
}

func (r *DefaultReporter) DefaultExportPath(dir, format string, at time.Time) string {
	return r.paths.DefaultExportPath(dir, format, at)
}

func (r *DefaultReporter) EnsureDirectoryExists(path string) error {
	return r.paths.EnsureDirectoryExists(path)
}

func nonNil(ps []types.Position) []types.Position {
	if ps == nil {
		return []types.Position{}
	}
	return ps
}

var (
	_ ConsoleReporter = (*DefaultReporter)(nil)
	_ FileReporter    = (*DefaultReporter)(nil)
	_ PathManager     = (*DefaultReporter)(nil)
)
