package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint is the persisted state of a conversation loop after an
// iteration. History is the JSON-encoded message list.
type Checkpoint struct {
	SessionID     string    `json:"session_id"`
	Mode          string    `json:"mode"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	Status        string    `json:"status"`
	ActiveNodeID  string    `json:"active_node_id,omitempty"`
	History       string    `json:"history"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SaveCheckpoint upserts the session's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.History == "" {
		cp.History = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_checkpoints
				(session_id, mode, iteration, max_iterations, status, active_node_id, history, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET
				mode = excluded.mode,
				iteration = excluded.iteration,
				max_iterations = excluded.max_iterations,
				status = excluded.status,
				active_node_id = excluded.active_node_id,
				history = excluded.history,
				updated_at = CURRENT_TIMESTAMP;`,
			cp.SessionID, cp.Mode, cp.Iteration, cp.MaxIterations, cp.Status, cp.ActiveNodeID, cp.History,
		)
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// LoadCheckpoint returns the session's checkpoint or ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, mode, iteration, max_iterations, status, active_node_id, history, updated_at
		FROM conversation_checkpoints WHERE session_id = ?;`, sessionID,
	).Scan(&cp.SessionID, &cp.Mode, &cp.Iteration, &cp.MaxIterations, &cp.Status, &cp.ActiveNodeID, &cp.History, &cp.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
