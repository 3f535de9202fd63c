package persistence

import (
	"context"
	"fmt"
	"time"
)

type Session struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"working_directory"`
	Mode             string    `json:"mode"`
	PolicyVersion    string    `json:"policy_version"`
	Goal             string    `json:"goal,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// EnsureSession records a session the first time it is seen. Later calls
// with the same ID leave the original row untouched.
func (s *Store) EnsureSession(ctx context.Context, sess Session) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, working_directory, mode, policy_version, goal)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;`,
			sess.ID, sess.WorkingDirectory, sess.Mode, sess.PolicyVersion, sess.Goal,
		)
		if err != nil {
			return fmt.Errorf("ensure session: %w", err)
		}
		return nil
	})
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, working_directory, mode, policy_version, goal, created_at
		FROM sessions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.WorkingDirectory, &sess.Mode, &sess.PolicyVersion, &sess.Goal, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}
