package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/perchlabs/perch/pkg/types"
)

// CreateCommand enqueues a command in pending state.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *types.Command) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO commands (command_id, agent_id, command_type, payload, status, created_at)
		 VALUES (:command_id, :agent_id, :command_type, :payload, :status, :created_at)`,
		cmd)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}
	return nil
}

// GetCommand fetches one command by ID.
func (s *SQLiteStore) GetCommand(ctx context.Context, commandID string) (*types.Command, error) {
	var cmd types.Command
	err := s.db.GetContext(ctx, &cmd,
		"SELECT * FROM commands WHERE command_id = ?", commandID)
	if err != nil {
		return nil, notFound(err, "command")
	}
	return &cmd, nil
}

// ClaimPendingCommands atomically marks all pending commands for an agent
// as delivered and returns them in FIFO order.
func (s *SQLiteStore) ClaimPendingCommands(ctx context.Context, agentID string, now int64) ([]*types.Command, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var cmds []*types.Command
	err = tx.SelectContext(ctx, &cmds,
		"SELECT * FROM commands WHERE agent_id = ? AND status = 'pending' ORDER BY created_at, command_id",
		agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending commands: %w", err)
	}
	if len(cmds) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(cmds))
	for i, c := range cmds {
		ids[i] = c.CommandID
	}
	query, args, err := sqlx.In(
		"UPDATE commands SET status = 'delivered', delivered_at = ? WHERE command_id IN (?) AND status = 'pending'",
		now, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to mark commands delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	for _, c := range cmds {
		c.Status = types.CommandDelivered
		ts := now
		c.DeliveredAt = &ts
	}
	return cmds, nil
}

// FinishCommand transitions a command to a terminal state. The update is
// conditional on the current state being non-terminal; a stale transition
// returns Conflict.
func (s *SQLiteStore) FinishCommand(ctx context.Context, commandID string, status types.CommandStatus, result, errMsg *string, now int64) error {
	if !status.Terminal() {
		return types.Ef(types.KindBadRequest, "status %s is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, completed_at = ?, result = ?, error = ?
		 WHERE command_id = ? AND status IN ('pending', 'delivered', 'executing')`,
		status, now, result, errMsg, commandID)
	if err != nil {
		return fmt.Errorf("failed to finish command %s: %w", commandID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCommand(ctx, commandID); err != nil {
			return err
		}
		return types.Ef(types.KindConflict, "command %s already in a terminal state", commandID)
	}
	return nil
}

// ListCommands returns an agent's commands, newest first.
func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string, limit int) ([]*types.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	var cmds []*types.Command
	err := s.db.SelectContext(ctx, &cmds,
		"SELECT * FROM commands WHERE agent_id = ? ORDER BY created_at DESC, command_id DESC LIMIT ?",
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	return cmds, nil
}

// ExpireCommandsBefore elapses stale non-terminal commands into the
// expired state: delivered ones by delivery age, pending ones by
// creation age (an offline agent never claims its queue).
func (s *SQLiteStore) ExpireCommandsBefore(ctx context.Context, cutoff, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = 'expired', completed_at = ?
		 WHERE (status = 'delivered' AND delivered_at < ?)
		    OR (status = 'pending' AND created_at < ?)`,
		now, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", err)
	}
	return res.RowsAffected()
}
