package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/pkg/types"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "perch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAgent(t *testing.T, s *SQLiteStore, id string) *types.Agent {
	t.Helper()
	a := &types.Agent{
		AgentID:      id,
		Hostname:     id,
		PublicKey:    "pem",
		BearerToken:  "perch_" + id,
		RegisteredAt: 1700000000,
		Status:       types.AgentStatusActive,
	}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func TestAgentLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := testAgent(t, s, "host01")

	got, err := s.GetAgent(ctx, "host01")
	require.NoError(t, err)
	assert.Equal(t, a.BearerToken, got.BearerToken)

	got, err = s.GetAgentByToken(ctx, a.BearerToken)
	require.NoError(t, err)
	assert.Equal(t, "host01", got.AgentID)

	require.NoError(t, s.TouchAgent(ctx, "host01", 1700000500))
	got, err = s.GetAgent(ctx, "host01")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000500), got.LastSeen)

	// last_seen never moves backwards
	require.NoError(t, s.TouchAgent(ctx, "host01", 1700000100))
	got, err = s.GetAgent(ctx, "host01")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000500), got.LastSeen)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, s.DeleteAgent(ctx, "host01"))
	_, err = s.GetAgent(ctx, "host01")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	err = s.DeleteAgent(ctx, "host01")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestSeriesUniqueConstraint(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	sr := &types.Series{
		AgentID:    "host01",
		MetricName: "cpu_usage_percent",
		LabelsHash: "h1",
		Kind:       types.KindFloat,
	}
	require.NoError(t, s.CreateSeries(ctx, sr))
	assert.NotZero(t, sr.SeriesID)

	// Losing a creation race surfaces as Conflict and the select wins.
	dup := &types.Series{
		AgentID:    "host01",
		MetricName: "cpu_usage_percent",
		LabelsHash: "h1",
		Kind:       types.KindFloat,
	}
	err := s.CreateSeries(ctx, dup)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	got, err := s.GetSeries(ctx, "host01", "cpu_usage_percent", "h1")
	require.NoError(t, err)
	assert.Equal(t, sr.SeriesID, got.SeriesID)
}

func TestInsertPointsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	sr := &types.Series{AgentID: "host01", MetricName: "m", LabelsHash: "h", Kind: types.KindInt}
	require.NoError(t, s.CreateSeries(ctx, sr))

	pts := []types.Point{
		{SeriesID: sr.SeriesID, Timestamp: 100, Value: 1},
		{SeriesID: sr.SeriesID, Timestamp: 200, Value: 2},
	}
	n, err := s.InsertPoints(ctx, types.KindInt, pts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Same batch again: first writer wins, nothing new stored.
	n, err = s.InsertPoints(ctx, types.KindInt, pts)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	total, err := s.CountPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestLatestAndRangePoints(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	intS := &types.Series{AgentID: "host01", MetricName: "temp", LabelsHash: "a", Kind: types.KindInt}
	floatS := &types.Series{AgentID: "host01", MetricName: "temp", LabelsHash: "b", Kind: types.KindFloat}
	require.NoError(t, s.CreateSeries(ctx, intS))
	require.NoError(t, s.CreateSeries(ctx, floatS))

	_, err := s.InsertPoints(ctx, types.KindInt, []types.Point{
		{SeriesID: intS.SeriesID, Timestamp: 100, Value: 40},
		{SeriesID: intS.SeriesID, Timestamp: 200, Value: 55},
	})
	require.NoError(t, err)
	_, err = s.InsertPoints(ctx, types.KindFloat, []types.Point{
		{SeriesID: floatS.SeriesID, Timestamp: 150, Value: 41.5},
	})
	require.NoError(t, err)

	both := []*types.Series{intS, floatS}

	latest, err := s.LatestPoints(ctx, both)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(200), latest[intS.SeriesID].Timestamp)
	assert.Equal(t, 55.0, latest[intS.SeriesID].Value)
	assert.Equal(t, 41.5, latest[floatS.SeriesID].Value)

	pts, err := s.PointsInRange(ctx, both, 100, 160)
	require.NoError(t, err)
	assert.Len(t, pts, 2)

	series, err := s.FindSeries(ctx, "temp", []string{"host01"})
	require.NoError(t, err)
	assert.Len(t, series, 2)

	series, err = s.FindSeries(ctx, "temp", nil)
	require.NoError(t, err)
	assert.Len(t, series, 2)
}

func TestLogInsertAndQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	entries := []types.LogEntry{
		{AgentID: "host01", Source: types.LogSourceKernel, Timestamp: 100, Severity: types.SeverityError, Message: "disk error"},
		{AgentID: "host01", Source: types.LogSourceJournal, Timestamp: 200, Severity: types.SeverityInfo, Message: "service started"},
		{AgentID: "host01", Source: types.LogSourceKernel, Timestamp: 300, Severity: types.SeverityWarning, Message: "thermal throttle"},
	}
	n, err := s.InsertLogEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := s.QueryLogs(ctx, LogQuery{AgentID: "host01"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(300), got[0].Timestamp) // newest first

	sev := types.SeverityWarning
	got, err = s.QueryLogs(ctx, LogQuery{AgentID: "host01", MaxSeverity: &sev})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.QueryLogs(ctx, LogQuery{Source: types.LogSourceJournal})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "service started", got[0].Message)

	got, err = s.QueryLogs(ctx, LogQuery{Since: 150, Until: 250})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCommandStateMachine(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	cmd := &types.Command{
		CommandID: "c1",
		AgentID:   "host01",
		Type:      types.CommandFanControl,
		Payload:   `{"action":"get_status"}`,
		Status:    types.CommandPending,
		CreatedAt: 1000,
	}
	require.NoError(t, s.CreateCommand(ctx, cmd))

	cmd2 := &types.Command{
		CommandID: "c2", AgentID: "host01", Type: types.CommandSystemInfo,
		Payload: `{}`, Status: types.CommandPending, CreatedAt: 2000,
	}
	require.NoError(t, s.CreateCommand(ctx, cmd2))

	claimed, err := s.ClaimPendingCommands(ctx, "host01", 3000)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "c1", claimed[0].CommandID) // FIFO by created_at
	assert.Equal(t, types.CommandDelivered, claimed[0].Status)

	// Second claim finds nothing pending.
	claimed, err = s.ClaimPendingCommands(ctx, "host01", 3100)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	res := `{"applied":true}`
	require.NoError(t, s.FinishCommand(ctx, "c1", types.CommandCompleted, &res, nil, 3200))

	got, err := s.GetCommand(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, res, *got.Result)

	// Terminal states are sticky.
	err = s.FinishCommand(ctx, "c1", types.CommandFailed, nil, nil, 3300)
	assert.Equal(t, types.KindConflict, types.KindOf(err))

	err = s.FinishCommand(ctx, "missing", types.CommandCompleted, nil, nil, 3300)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))

	// c3 stays pending: its agent never claims the queue.
	cmd3 := &types.Command{
		CommandID: "c3", AgentID: "host01", Type: types.CommandSystemInfo,
		Payload: `{}`, Status: types.CommandPending, CreatedAt: 3500,
	}
	require.NoError(t, s.CreateCommand(ctx, cmd3))

	// TTL expiry picks up both c2 (delivered at t=3000) and the
	// never-claimed c3.
	n, err := s.ExpireCommandsBefore(ctx, 4000, 4000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{"c2", "c3"} {
		got, err = s.GetCommand(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.CommandExpired, got.Status, id)
	}

	cmds, err := s.ListCommands(ctx, "host01", 10)
	require.NoError(t, err)
	assert.Len(t, cmds, 3)
}

func TestRetentionSweepIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	sr := &types.Series{AgentID: "host01", MetricName: "m", LabelsHash: "h", Kind: types.KindFloat}
	require.NoError(t, s.CreateSeries(ctx, sr))
	_, err := s.InsertPoints(ctx, types.KindFloat, []types.Point{
		{SeriesID: sr.SeriesID, Timestamp: 100, Value: 1},
		{SeriesID: sr.SeriesID, Timestamp: 5000, Value: 2},
	})
	require.NoError(t, err)
	_, err = s.InsertLogEntries(ctx, []types.LogEntry{
		{AgentID: "host01", Source: types.LogSourceSyslog, Timestamp: 100, Severity: types.SeverityInfo, Message: "old"},
	})
	require.NoError(t, err)

	n, err := s.DeletePointsBefore(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteLogsBefore(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Second sweep is a no-op.
	n, err = s.DeletePointsBefore(ctx, 1000)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Series still has a point, so it survives the empty-series sweep.
	n, err = s.DeleteEmptySeries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.DeletePointsBefore(ctx, 10000)
	require.NoError(t, err)
	n, err = s.DeleteEmptySeries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "retention", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-entrant acquisition by the same holder succeeds.
	ok, err = s.AcquireLease(ctx, "retention", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different holder is refused while the lease is live.
	ok, err = s.AcquireLease(ctx, "retention", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "retention", "holder-a"))

	ok, err = s.AcquireLease(ctx, "retention", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	testAgent(t, s, "host01")

	sr := &types.Series{AgentID: "host01", MetricName: "m", LabelsHash: "h", Kind: types.KindInt}
	require.NoError(t, s.CreateSeries(ctx, sr))
	_, err := s.InsertPoints(ctx, types.KindInt, []types.Point{{SeriesID: sr.SeriesID, Timestamp: 1, Value: 1}})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Agents)
	assert.Equal(t, int64(1), st.ActiveAgents)
	assert.Equal(t, int64(1), st.Series)
	assert.Equal(t, int64(1), st.Points)
}
