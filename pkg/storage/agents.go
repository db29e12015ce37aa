package storage

import (
	"context"
	"fmt"

	"github.com/perchlabs/perch/pkg/types"
)

// CreateAgent inserts a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *types.Agent) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO agents (agent_id, hostname, public_key, bearer_token, registered_at, last_seen, status)
		 VALUES (:agent_id, :hostname, :public_key, :bearer_token, :registered_at, :last_seen, :status)`,
		agent)
	if err != nil {
		return fmt.Errorf("failed to create agent %s: %w", agent.AgentID, err)
	}
	return nil
}

// GetAgent fetches one agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	var a types.Agent
	err := s.db.GetContext(ctx, &a,
		"SELECT * FROM agents WHERE agent_id = ?", agentID)
	if err != nil {
		return nil, notFound(err, "agent")
	}
	return &a, nil
}

// GetAgentByToken resolves a bearer token to its agent. Revoked agents do
// not authenticate.
func (s *SQLiteStore) GetAgentByToken(ctx context.Context, token string) (*types.Agent, error) {
	var a types.Agent
	err := s.db.GetContext(ctx, &a,
		"SELECT * FROM agents WHERE bearer_token = ? AND status = 'active'", token)
	if err != nil {
		return nil, notFound(err, "agent")
	}
	return &a, nil
}

// ListAgents returns all agents ordered by hostname.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.SelectContext(ctx, &agents,
		"SELECT * FROM agents ORDER BY hostname")
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// DeleteAgent removes an agent. Series, points, logs and commands follow
// via ON DELETE CASCADE.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agents WHERE agent_id = ?", agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Ef(types.KindNotFound, "agent %s not found", agentID)
	}
	return nil
}

// TouchAgent advances last_seen.
func (s *SQLiteStore) TouchAgent(ctx context.Context, agentID string, lastSeen int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE agents SET last_seen = ? WHERE agent_id = ? AND last_seen < ?",
		lastSeen, agentID, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to touch agent %s: %w", agentID, err)
	}
	return nil
}
