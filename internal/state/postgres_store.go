package state

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/ducminhle1904/signal-risk-engine/internal/safety"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	token       TEXT NOT NULL,
	approved    BOOLEAN NOT NULL,
	reject_kind TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_created_at_idx ON decisions (created_at);

CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	status     TEXT NOT NULL,
	opened_at  TIMESTAMPTZ NOT NULL,
	closed_at  TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload    JSONB NOT NULL
);
ALTER TABLE positions ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ NOT NULL DEFAULT now();
CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status, closed_at);

CREATE TABLE IF NOT EXISTS account_state (
	id         INT PRIMARY KEY DEFAULT 1,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_state (
	id         INT PRIMARY KEY DEFAULT 1,
	version    BIGINT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// breakerWriteTimeout bounds SaveBreaker. The breaker persists each
// transition while holding its own lock (and the engine's, on the evaluation
// path), so a slow database must fail the write, and with it fail the
// breaker closed, rather than stall evaluation.
const breakerWriteTimeout = 2 * time.Second

// PostgresStore is the durable record store for multi-replica deployments.
// It also satisfies safety.BreakerStore. Account and position upserts refuse
// rows older than the stored ones, so a late retry never rolls state back.
type PostgresStore struct {
	db             *sqlx.DB
	timeout        time.Duration
	breakerTimeout time.Duration
}

// OpenPostgres connects and verifies the database.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(db, timeout), nil
}

func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout, breakerTimeout: min(timeout, breakerWriteTimeout)}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveDecision(ctx context.Context, d types.Decision) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, fingerprint, token, approved, reject_kind, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Fingerprint, d.Token, d.Approved, string(d.RejectKind), d.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePosition(ctx context.Context, p types.Position) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, token, status, opened_at, closed_at, updated_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, closed_at = EXCLUDED.closed_at,
			updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload
		WHERE positions.updated_at <= EXCLUDED.updated_at
			AND (positions.status <> 'CLOSED' OR EXCLUDED.status = 'CLOSED')`,
		p.ID, p.Token, string(p.Status), p.OpenedAt, p.ClosedAt, p.UpdatedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a AccountState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO account_state (id, payload, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		WHERE account_state.updated_at <= EXCLUDED.updated_at`,
		payload, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAccount(ctx context.Context) (*AccountState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowxContext(ctx, `SELECT payload FROM account_state WHERE id = 1`).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	var a AccountState
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) RecentDecisions(ctx context.Context, limit int) ([]types.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payloads [][]byte
	err := s.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM (
			SELECT payload, created_at FROM decisions ORDER BY created_at DESC LIMIT $1
		) recent ORDER BY created_at ASC`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	out := make([]types.Decision, 0, len(payloads))
	for _, p := range payloads {
		var d types.Decision
		if err := json.Unmarshal(p, &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *PostgresStore) ClosedPositions(ctx context.Context, limit int) ([]types.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payloads [][]byte
	err := s.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM (
			SELECT payload, closed_at FROM positions WHERE status = $1 ORDER BY closed_at DESC LIMIT $2
		) recent ORDER BY closed_at ASC`, string(types.PositionClosed), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	out := make([]types.Position, 0, len(payloads))
	for _, p := range payloads {
		var pos types.Position
		if err := json.Unmarshal(p, &pos); err != nil {
			return nil, fmt.Errorf("failed to decode position: %w", err)
		}
		out = append(out, pos)
	}
	return out, nil
}

// LoadBreaker returns (nil, nil) when no breaker row exists.
func (s *PostgresStore) LoadBreaker() (*safety.BreakerSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowxContext(ctx, `SELECT payload FROM breaker_state WHERE id = 1`).Scan(&payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}
	var snap safety.BreakerSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode breaker state: %w", err)
	}
	return &snap, nil
}

// SaveBreaker refuses to overwrite a newer version written by another replica.
// It runs under the breaker's lock and is bounded by breakerWriteTimeout.
func (s *PostgresStore) SaveBreaker(snap *safety.BreakerSnapshot) error {
	if snap == nil {
		return fmt.Errorf("cannot save nil breaker snapshot")
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.breakerTimeout)
	defer cancel()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_state (id, version, payload, updated_at) VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		WHERE breaker_state.version < EXCLUDED.version`,
		snap.Version, payload, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save breaker state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("breaker state version %d is stale", snap.Version)
	}
	return nil
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
