package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    agent_id      TEXT PRIMARY KEY,
    hostname      TEXT NOT NULL,
    public_key    TEXT NOT NULL,
    bearer_token  TEXT NOT NULL UNIQUE,
    registered_at INTEGER NOT NULL,
    last_seen     INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS metric_series (
    series_id        INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id         TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
    metric_name      TEXT NOT NULL,
    labels_canonical TEXT NOT NULL,
    labels_hash      TEXT NOT NULL,
    value_kind       TEXT NOT NULL,
    UNIQUE(agent_id, metric_name, labels_hash)
);
CREATE INDEX IF NOT EXISTS idx_series_agent_metric ON metric_series(agent_id, metric_name);
CREATE INDEX IF NOT EXISTS idx_series_metric ON metric_series(metric_name);

CREATE TABLE IF NOT EXISTS metric_points_int (
    series_id         INTEGER NOT NULL REFERENCES metric_series(series_id) ON DELETE CASCADE,
    timestamp_utc_sec INTEGER NOT NULL,
    value             INTEGER NOT NULL,
    PRIMARY KEY (series_id, timestamp_utc_sec)
);

CREATE TABLE IF NOT EXISTS metric_points_float (
    series_id         INTEGER NOT NULL REFERENCES metric_series(series_id) ON DELETE CASCADE,
    timestamp_utc_sec INTEGER NOT NULL,
    value             REAL NOT NULL,
    PRIMARY KEY (series_id, timestamp_utc_sec)
);

CREATE TABLE IF NOT EXISTS log_entries (
    entry_id          INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id          TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
    source            TEXT NOT NULL,
    timestamp_utc_sec INTEGER NOT NULL,
    severity          INTEGER NOT NULL,
    message           TEXT NOT NULL,
    context           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_agent_ts ON log_entries(agent_id, timestamp_utc_sec);
CREATE INDEX IF NOT EXISTS idx_logs_ts ON log_entries(timestamp_utc_sec);

CREATE TABLE IF NOT EXISTS commands (
    command_id   TEXT PRIMARY KEY,
    agent_id     TEXT NOT NULL REFERENCES agents(agent_id) ON DELETE CASCADE,
    command_type TEXT NOT NULL,
    payload      TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    created_at   INTEGER NOT NULL,
    delivered_at INTEGER,
    completed_at INTEGER,
    result       TEXT,
    error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_commands_agent_status ON commands(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_commands_status_created ON commands(status, created_at);

CREATE TABLE IF NOT EXISTS leases (
    name        TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    acquired_at INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=10000",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the datastore at path and ensures the
// schema is current.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent ingest.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger := log.WithComponent("storage")
	logger.Info().Str("path", path).Msg("datastore opened")
	return &SQLiteStore{db: db}, nil
}

// Ping verifies the datastore is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// notFound maps sql.ErrNoRows onto the NotFound kind.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return types.Ef(types.KindNotFound, "%s not found", what)
	}
	return err
}

// Stats reports row counts across the main tables.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StorageStats, error) {
	st := &types.StorageStats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM agents", &st.Agents},
		{"SELECT COUNT(*) FROM agents WHERE status = 'active'", &st.ActiveAgents},
		{"SELECT COUNT(*) FROM metric_series", &st.Series},
		{"SELECT (SELECT COUNT(*) FROM metric_points_int) + (SELECT COUNT(*) FROM metric_points_float)", &st.Points},
		{"SELECT COUNT(*) FROM log_entries", &st.LogEntries},
		{"SELECT COUNT(*) FROM commands WHERE status = 'pending'", &st.CommandsPending},
		{"SELECT COUNT(*) FROM commands", &st.CommandsTotal},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}
	return st, nil
}

// AcquireLease takes the named single-writer lease for ttl. Returns false
// when another live holder has it.
func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	expires := now + int64(ttl.Seconds())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder,
		   acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		name, holder, now, expires, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if held by holder.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM leases WHERE name = ? AND holder = ?", name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
