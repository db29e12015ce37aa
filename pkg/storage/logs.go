package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/perchlabs/perch/pkg/types"
)

// InsertLogEntries appends log entries. No deduplication: identical lines
// are distinct events.
func (s *SQLiteStore) InsertLogEntries(ctx context.Context, entries []types.LogEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx,
		`INSERT INTO log_entries (agent_id, source, timestamp_utc_sec, severity, message, context)
		 VALUES (:agent_id, :source, :timestamp_utc_sec, :severity, :message, :context)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e); err != nil {
			return 0, fmt.Errorf("failed to insert log entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit log entries: %w", err)
	}
	return int64(len(entries)), nil
}

// QueryLogs scans log_entries newest-first with the given restrictions.
func (s *SQLiteStore) QueryLogs(ctx context.Context, q LogQuery) ([]types.LogEntry, error) {
	var (
		conds []string
		args  []any
	)
	if q.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, q.Source)
	}
	if q.MaxSeverity != nil {
		conds = append(conds, "severity <= ?")
		args = append(args, *q.MaxSeverity)
	}
	if q.Since > 0 {
		conds = append(conds, "timestamp_utc_sec >= ?")
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		conds = append(conds, "timestamp_utc_sec <= ?")
		args = append(args, q.Until)
	}

	query := "SELECT * FROM log_entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp_utc_sec DESC, entry_id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var entries []types.LogEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	return entries, nil
}
