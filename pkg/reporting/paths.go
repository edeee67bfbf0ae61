package reporting

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultPathManager implements path management functionality
type DefaultPathManager struct{}

// NewDefaultPathManager creates a new path manager
func NewDefaultPathManager() *DefaultPathManager {
	return &DefaultPathManager{}
}

// DefaultExportPath names an export file after its timestamp, e.g.
// reports/risk-report_20250301_120000.xlsx.
func (p *DefaultPathManager) DefaultExportPath(dir, format string, at time.Time) string {
	d := strings.TrimSpace(dir)
	if d == "" {
		d = "reports"
	}
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
	if f == "" {
		f = "xlsx"
	}
	return filepath.Join(d, fmt.Sprintf("risk-report_%s.%s", at.UTC().Format("20060102_150405"), f))
}

// EnsureDirectoryExists creates the parent directory of path if needed
func (p *DefaultPathManager) EnsureDirectoryExists(path string) error {
	return ensureDir(path)
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// DefaultExportPath is the package-level convenience form.
func DefaultExportPath(dir, format string, at time.Time) string {
	return NewDefaultPathManager().DefaultExportPath(dir, format, at)
}
