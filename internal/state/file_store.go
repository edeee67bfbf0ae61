package state

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	breakerFile   = "breaker_state.json"
	accountFile   = "account_state.json"
	decisionsFile = "decisions.jsonl"
	positionsFile = "positions.jsonl"
	backupSuffix  = ".bak"
	tmpSuffix     = ".tmp"
)

// FileStore keeps state in a directory: snapshots are replaced atomically
// (write temp, fsync, rename) with the previous version kept as a backup,
// and records are appended to JSON-lines logs.
type FileStore struct {
	mu  sync.Mutex
	dir string
	log zerolog.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "state"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir, log: log}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// LoadBreaker reads the breaker snapshot. A damaged primary file falls back
// to the backup; if neither can be read the error is returned so the
// breaker fails closed.
func (s *FileStore) LoadBreaker() (*safety.BreakerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap safety.BreakerSnapshot
	found, err := s.readSnapshot(breakerFile, &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

// SaveBreaker atomically replaces the breaker snapshot.
func (s *FileStore) SaveBreaker(snap *safety.BreakerSnapshot) error {
	if snap == nil {
		return fmt.Errorf("cannot save nil breaker snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(breakerFile, snap)
}

// SaveAccount replaces the account snapshot unless the stored one is newer.
func (s *FileStore) SaveAccount(_ context.Context, a AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current AccountState
	if found, err := s.readSnapshot(accountFile, &current); err == nil && found && current.UpdatedAt.After(a.UpdatedAt) {
		s.log.Debug().
			Time("stored", current.UpdatedAt).
			Time("incoming", a.UpdatedAt).
			Msg("ignoring account snapshot older than the stored one")
		return nil
	}
	return s.writeAtomic(accountFile, a)
}

func (s *FileStore) LoadAccount(_ context.Context) (*AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a AccountState
	found, err := s.readSnapshot(accountFile, &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

func (s *FileStore) SaveDecision(_ context.Context, d types.Decision) error {
	return s.appendLine(decisionsFile, d)
}

func (s *FileStore) SavePosition(_ context.Context, p types.Position) error {
	return s.appendLine(positionsFile, p)
}

// RecentDecisions returns up to limit decisions, oldest first.
func (s *FileStore) RecentDecisions(_ context.Context, limit int) ([]types.Decision, error) {
	var out []types.Decision
	err := s.scanLines(decisionsFile, func(line []byte) error {
		var d types.Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tail(out, limit), nil
}

// ClosedPositions replays the position log and returns up to limit positions
// whose latest record is Closed, in closing order. A record older than the
// one already seen for its position is ignored.
func (s *FileStore) ClosedPositions(_ context.Context, limit int) ([]types.Position, error) {
	latest := make(map[string]int)
	var seq []types.Position
	err := s.scanLines(positionsFile, func(line []byte) error {
		var p types.Position
		if err := json.Unmarshal(line, &p); err != nil {
			return err
		}
		if i, ok := latest[p.ID]; ok {
			if supersedes(seq[i], p) {
				return nil
			}
			seq[i] = types.Position{}
		}
		latest[p.ID] = len(seq)
		seq = append(seq, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []types.Position
	for _, p := range seq {
		if p.ID != "" && p.Status == types.PositionClosed {
			out = append(out, p)
		}
	}
	return tail(out, limit), nil
}

// supersedes reports whether stored must not be replaced by incoming: a
// closed position is final, otherwise the later UpdatedAt wins.
func supersedes(stored, incoming types.Position) bool {
	if stored.Status == types.PositionClosed && incoming.Status != types.PositionClosed {
		return true
	}
	return stored.UpdatedAt.After(incoming.UpdatedAt)
}

func tail[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

func (s *FileStore) writeAtomic(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	target := s.path(name)
	tmp := target + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}

	if _, err := os.Stat(target); err == nil {
		if err := copyFile(target, target+backupSuffix); err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("failed to back up state file")
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

// readSnapshot decodes name into v, falling back to its backup when the
// primary is missing or damaged. found is false only when neither exists.
func (s *FileStore) readSnapshot(name string, v interface{}) (found bool, err error) {
	primary := s.path(name)
	data, err := os.ReadFile(primary)
	if err == nil {
		if err = json.Unmarshal(data, v); err == nil {
			return true, nil
		}
		s.log.Error().Err(err).Str("file", primary).Msg("state file is damaged, trying backup")
	} else if !stderrors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read %s: %w", primary, err)
	}
	primaryErr := err

	backup, berr := os.ReadFile(primary + backupSuffix)
	if berr != nil {
		if stderrors.Is(berr, os.ErrNotExist) {
			if stderrors.Is(primaryErr, os.ErrNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("failed to decode %s: %w", primary, primaryErr)
		}
		return false, fmt.Errorf("failed to read backup of %s: %w", name, berr)
	}
	if err := json.Unmarshal(backup, v); err != nil {
		return false, fmt.Errorf("primary and backup of %s are unreadable: %w", name, err)
	}
	s.log.Warn().Str("file", name).Msg("state restored from backup")
	return true, nil
}

func (s *FileStore) appendLine(name string, v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) scanLines(name string, fn func(line []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(name))
	if stderrors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			// a torn final write is skipped rather than failing the whole read
			s.log.Warn().Err(err).Str("file", name).Int("line", lineNo).Msg("skipping unreadable record")
		}
	}
	return scanner.Err()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
