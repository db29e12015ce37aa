package storage

import (
	"context"
	"fmt"
)

// DeletePointsBefore removes points older than cutoff from both physical
// tables and reports the total rows removed.
func (s *SQLiteStore) DeletePointsBefore(ctx context.Context, cutoff int64) (int64, error) {
	var total int64
	for _, tbl := range []string{"metric_points_int", "metric_points_float"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE timestamp_utc_sec < ?", tbl), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", tbl, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DeleteLogsBefore removes log entries older than cutoff.
func (s *SQLiteStore) DeleteLogsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM log_entries WHERE timestamp_utc_sec < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteEmptySeries sweeps catalog entries with zero remaining points.
func (s *SQLiteStore) DeleteEmptySeries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metric_series WHERE
		   series_id NOT IN (SELECT DISTINCT series_id FROM metric_points_int) AND
		   series_id NOT IN (SELECT DISTINCT series_id FROM metric_points_float)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune empty series: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalCommandsBefore removes completed, failed and expired
// commands whose terminal transition is older than cutoff.
func (s *SQLiteStore) DeleteTerminalCommandsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM commands WHERE status IN ('completed', 'failed', 'expired')
		 AND COALESCE(completed_at, created_at) < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune commands: %w", err)
	}
	return res.RowsAffected()
}
