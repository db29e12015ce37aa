package storage

import (
	"context"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// Store is the persistence interface for the control plane. The sole
// implementation is SQLite but the server codebase only sees this.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *types.Agent) error
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	GetAgentByToken(ctx context.Context, token string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]*types.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	TouchAgent(ctx context.Context, agentID string, lastSeen int64) error

	// Series catalog
	GetSeries(ctx context.Context, agentID, metricName, labelsHash string) (*types.Series, error)
	CreateSeries(ctx context.Context, s *types.Series) error
	FindSeries(ctx context.Context, metricName string, agentIDs []string) ([]*types.Series, error)

	// Points
	InsertPoints(ctx context.Context, kind types.ValueKind, points []types.Point) (int64, error)
	LatestPoints(ctx context.Context, series []*types.Series) (map[int64]types.Point, error)
	PointsInRange(ctx context.Context, series []*types.Series, start, end int64) ([]types.Point, error)
	CountPoints(ctx context.Context) (int64, error)

	// Logs
	InsertLogEntries(ctx context.Context, entries []types.LogEntry) (int64, error)
	QueryLogs(ctx context.Context, q LogQuery) ([]types.LogEntry, error)

	// Commands
	CreateCommand(ctx context.Context, cmd *types.Command) error
	GetCommand(ctx context.Context, commandID string) (*types.Command, error)
	ClaimPendingCommands(ctx context.Context, agentID string, now int64) ([]*types.Command, error)
	FinishCommand(ctx context.Context, commandID string, status types.CommandStatus, result, errMsg *string, now int64) error
	ListCommands(ctx context.Context, agentID string, limit int) ([]*types.Command, error)
	ExpireCommandsBefore(ctx context.Context, cutoff, now int64) (int64, error)

	// Retention
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	DeletePointsBefore(ctx context.Context, cutoff int64) (int64, error)
	DeleteLogsBefore(ctx context.Context, cutoff int64) (int64, error)
	DeleteEmptySeries(ctx context.Context) (int64, error)
	DeleteTerminalCommandsBefore(ctx context.Context, cutoff int64) (int64, error)

	Stats(ctx context.Context) (*types.StorageStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// LogQuery narrows a log_entries scan. Zero values mean no restriction.
type LogQuery struct {
	AgentID     string
	Source      types.LogSource
	MaxSeverity *types.Severity // keep entries with severity <= MaxSeverity; nil keeps all
	Since       int64
	Until       int64
	Limit       int
}
