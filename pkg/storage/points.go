package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/perchlabs/perch/pkg/types"
)

func pointTable(kind types.ValueKind) string {
	if kind == types.KindInt {
		return "metric_points_int"
	}
	return "metric_points_float"
}

// GetSeries looks up one series by its identity triple.
func (s *SQLiteStore) GetSeries(ctx context.Context, agentID, metricName, labelsHash string) (*types.Series, error) {
	var sr types.Series
	err := s.db.GetContext(ctx, &sr,
		"SELECT * FROM metric_series WHERE agent_id = ? AND metric_name = ? AND labels_hash = ?",
		agentID, metricName, labelsHash)
	if err != nil {
		return nil, notFound(err, "series")
	}
	return &sr, nil
}

// CreateSeries inserts a series and fills in its assigned series_id. A
// UNIQUE violation surfaces as Conflict; the caller re-selects and wins
// either way.
func (s *SQLiteStore) CreateSeries(ctx context.Context, sr *types.Series) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO metric_series (agent_id, metric_name, labels_canonical, labels_hash, value_kind)
		 VALUES (?, ?, ?, ?, ?)`,
		sr.AgentID, sr.MetricName, sr.LabelsCanonical, sr.LabelsHash, sr.Kind)
	if err != nil {
		return fmt.Errorf("failed to create series: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.E(types.KindConflict, "series already exists")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sr.SeriesID = id
	return nil
}

// FindSeries returns all series for a metric, optionally restricted to a
// set of agents. Label filtering happens in the query layer.
func (s *SQLiteStore) FindSeries(ctx context.Context, metricName string, agentIDs []string) ([]*types.Series, error) {
	var series []*types.Series
	if len(agentIDs) == 0 {
		err := s.db.SelectContext(ctx, &series,
			"SELECT * FROM metric_series WHERE metric_name = ? ORDER BY series_id", metricName)
		if err != nil {
			return nil, fmt.Errorf("failed to find series: %w", err)
		}
		return series, nil
	}

	query, args, err := sqlx.In(
		"SELECT * FROM metric_series WHERE metric_name = ? AND agent_id IN (?) ORDER BY series_id",
		metricName, agentIDs)
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &series, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find series: %w", err)
	}
	return series, nil
}

// InsertPoints appends points to the physical table for kind. Duplicate
// (series_id, timestamp) pairs are dropped; the return value counts the
// rows actually written.
func (s *SQLiteStore) InsertPoints(ctx context.Context, kind types.ValueKind, points []types.Point) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR IGNORE INTO %s (series_id, timestamp_utc_sec, value) VALUES (?, ?, ?)",
		pointTable(kind)))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var written int64
	for _, p := range points {
		var value any = p.Value
		if kind == types.KindInt {
			value = int64(p.Value)
		}
		res, err := stmt.ExecContext(ctx, p.SeriesID, p.Timestamp, value)
		if err != nil {
			return 0, fmt.Errorf("failed to insert point: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		written += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit points: %w", err)
	}
	return written, nil
}

// LatestPoints returns the newest point per series, keyed by series_id.
// One SQL query per physical table regardless of series count.
func (s *SQLiteStore) LatestPoints(ctx context.Context, series []*types.Series) (map[int64]types.Point, error) {
	out := make(map[int64]types.Point, len(series))
	for _, kind := range []types.ValueKind{types.KindInt, types.KindFloat} {
		ids := seriesIDsOfKind(series, kind)
		if len(ids) == 0 {
			continue
		}
		tbl := pointTable(kind)
		query, args, err := sqlx.In(fmt.Sprintf(
			`SELECT p.series_id, p.timestamp_utc_sec, p.value
			 FROM %s p
			 JOIN (SELECT series_id, MAX(timestamp_utc_sec) AS mts FROM %s WHERE series_id IN (?) GROUP BY series_id) m
			   ON p.series_id = m.series_id AND p.timestamp_utc_sec = m.mts`,
			tbl, tbl), ids)
		if err != nil {
			return nil, err
		}
		var rows []types.Point
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to fetch latest points: %w", err)
		}
		for _, p := range rows {
			out[p.SeriesID] = p
		}
	}
	return out, nil
}

// PointsInRange returns every point for the given series in [start, end],
// ordered by (series_id, timestamp).
func (s *SQLiteStore) PointsInRange(ctx context.Context, series []*types.Series, start, end int64) ([]types.Point, error) {
	var out []types.Point
	for _, kind := range []types.ValueKind{types.KindInt, types.KindFloat} {
		ids := seriesIDsOfKind(series, kind)
		if len(ids) == 0 {
			continue
		}
		query, args, err := sqlx.In(fmt.Sprintf(
			`SELECT series_id, timestamp_utc_sec, value FROM %s
			 WHERE series_id IN (?) AND timestamp_utc_sec BETWEEN ? AND ?
			 ORDER BY series_id, timestamp_utc_sec`,
			pointTable(kind)), ids, start, end)
		if err != nil {
			return nil, err
		}
		var rows []types.Point
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("failed to fetch points: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// CountPoints returns the total number of stored points.
func (s *SQLiteStore) CountPoints(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		"SELECT (SELECT COUNT(*) FROM metric_points_int) + (SELECT COUNT(*) FROM metric_points_float)")
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return n, nil
}

func seriesIDsOfKind(series []*types.Series, kind types.ValueKind) []int64 {
	var ids []int64
	for _, sr := range series {
		if sr.Kind == kind {
			ids = append(ids, sr.SeriesID)
		}
	}
	return ids
}
