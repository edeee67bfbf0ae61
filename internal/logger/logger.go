package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kinds tag entries that operators grep for separately from plain info logs.
const (
	KindTrade  = "TRADE"
	KindStatus = "STATUS"
)

// Options configures the engine logger.
type Options struct {
	Dir     string // empty disables the log file
	Name    string
	Level   string
	Console bool
}

// Logger is a session logger: JSON lines to a dated file under Dir, plus an
// optional human readable console stream.
type Logger struct {
	zl      zerolog.Logger
	logFile *os.File
	path    string
	mu      sync.Mutex
}

// New opens (or appends to) the session log file and builds the root logger.
func New(opts Options) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	l := &Logger{}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := opts.Name
		if name == "" {
			name = "risk-engine"
		}
		l.path = filepath.Join(opts.Dir, fmt.Sprintf("%s_%s.log", name, time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.logFile = file
		writers = append(writers, file)
	}
	if opts.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	l.zl.Info().Str("kind", KindStatus).Str("log_file", l.path).Msg("session started")
	return l, nil
}

// FromZerolog wraps an existing zerolog logger, mostly for tests.
func FromZerolog(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Root returns the underlying logger.
func (l *Logger) Root() *zerolog.Logger {
	return &l.zl
}

// For returns a child logger tagged with the component name.
func (l *Logger) For(component string) zerolog.Logger {
	return l.zl.With().Str("component", component).Logger()
}

// Trade starts an info entry for a trading action.
func (l *Logger) Trade() *zerolog.Event {
	return l.zl.Info().Str("kind", KindTrade)
}

// Status starts an info entry for periodic status output.
func (l *Logger) Status() *zerolog.Event {
	return l.zl.Info().Str("kind", KindStatus)
}

// Path returns the session log file, empty when logging only to console.
func (l *Logger) Path() string {
	return l.path
}

// Close writes the session footer and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return nil
	}
	l.zl.Info().Str("kind", KindStatus).Msg("session ended")
	err := l.logFile.Close()
	l.logFile = nil
	return err
}
