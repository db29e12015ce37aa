package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/storage"
	"github.com/perchlabs/perch/pkg/types"
)

// DefaultTTL elapses delivered-but-unacknowledged commands to expired.
const DefaultTTL = 5 * time.Minute

// Manager owns the command queue: enqueue, delivery claims, result
// capture and TTL expiry. Delivery is at-most-once; a command lost
// between delivery and execution surfaces as expired.
type Manager struct {
	store  storage.Store
	hub    *Hub
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager builds a Manager. hub may be nil when the streaming path is
// disabled.
func NewManager(store storage.Store, hub *Hub) *Manager {
	return &Manager{
		store:  store,
		hub:    hub,
		logger: log.WithComponent("command"),
		now:    time.Now,
	}
}

// Enqueue creates a pending command for an agent. Payloads are accepted
// as-is; unrecognized shapes fail later on the agent with UnknownCommand.
func (m *Manager) Enqueue(ctx context.Context, agentID string, cmdType types.CommandType, payload json.RawMessage) (*types.Command, error) {
	if agentID == "" {
		return nil, types.E(types.KindBadRequest, "agent_id is required")
	}
	if cmdType == "" {
		return nil, types.E(types.KindBadRequest, "command_type is required")
	}
	if _, err := m.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	body := "{}"
	if len(payload) > 0 {
		if !json.Valid(payload) {
			return nil, types.E(types.KindBadRequest, "payload is not valid JSON")
		}
		body = string(payload)
	}

	cmd := &types.Command{
		CommandID: uuid.NewString(),
		AgentID:   agentID,
		Type:      cmdType,
		Payload:   body,
		Status:    types.CommandPending,
		CreatedAt: m.now().Unix(),
	}
	if err := m.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("command_id", cmd.CommandID).
		Str("agent_id", agentID).
		Str("type", string(cmdType)).
		Msg("command enqueued")

	// Nudge a connected agent; the poll path picks it up otherwise.
	if m.hub != nil {
		m.hub.Notify(agentID)
	}
	return cmd, nil
}

// Claim atomically hands the agent its pending commands in FIFO order and
// marks them delivered.
func (m *Manager) Claim(ctx context.Context, agentID string) ([]*types.Command, error) {
	return m.store.ClaimPendingCommands(ctx, agentID, m.now().Unix())
}

// SubmitResult records a command's terminal outcome as reported by the
// agent.
func (m *Manager) SubmitResult(ctx context.Context, agentID string, res *types.CommandResult) error {
	if res.CommandID == "" {
		return types.E(types.KindBadRequest, "command_id is required")
	}
	status := types.CommandStatus(res.Status)
	if status != types.CommandCompleted && status != types.CommandFailed {
		return types.Ef(types.KindBadRequest, "result status must be completed or failed, got %q", res.Status)
	}

	cmd, err := m.store.GetCommand(ctx, res.CommandID)
	if err != nil {
		return err
	}
	if cmd.AgentID != agentID {
		return types.E(types.KindForbidden, "command belongs to a different agent")
	}

	var resultJSON *string
	if res.Result != nil {
		raw, err := json.Marshal(res.Result)
		if err != nil {
			return types.Wrap(types.KindBadRequest, "failed to encode result", err)
		}
		s := string(raw)
		resultJSON = &s
	}
	var errMsg *string
	if res.Error != "" {
		errMsg = &res.Error
	}

	if err := m.store.FinishCommand(ctx, res.CommandID, status, resultJSON, errMsg, m.now().Unix()); err != nil {
		return err
	}

	m.logger.Info().
		Str("command_id", res.CommandID).
		Str("agent_id", agentID).
		Str("status", res.Status).
		Msg("command result recorded")
	return nil
}

// Get returns one command; used by admins to poll status.
func (m *Manager) Get(ctx context.Context, commandID string) (*types.Command, error) {
	return m.store.GetCommand(ctx, commandID)
}

// List returns an agent's recent commands, newest first.
func (m *Manager) List(ctx context.Context, agentID string, limit int) ([]*types.Command, error) {
	return m.store.ListCommands(ctx, agentID, limit)
}

// ExpireStale moves pending and delivered commands older than ttl to
// expired.
func (m *Manager) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	now := m.now().Unix()
	return m.store.ExpireCommandsBefore(ctx, now-int64(ttl.Seconds()), now)
}
