package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/warden/internal/tasktree"
)

// SnapshotStore keeps one task tree snapshot per session in tree_snapshots.
type SnapshotStore struct {
	s *Store
}

func (s *Store) Snapshots() *SnapshotStore { return &SnapshotStore{s: s} }

func (t *SnapshotStore) Load(ctx context.Context, sessionID string) (*tasktree.Snapshot, error) {
	var raw string
	err := t.s.db.QueryRowContext(ctx, `SELECT snapshot FROM tree_snapshots WHERE session_id = ?;`, sessionID).Scan(&raw)
	if err != nil {
		if isNoRows(err) {
			return nil, tasktree.ErrNoSnapshot
		}
		return nil, fmt.Errorf("load tree snapshot: %w", err)
	}
	var snap tasktree.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", tasktree.ErrInvalidSnapshot, err)
	}
	return &snap, nil
}

func (t *SnapshotStore) Save(ctx context.Context, snap *tasktree.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal tree snapshot: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := t.s.db.ExecContext(ctx, `
			INSERT INTO tree_snapshots (session_id, max_depth, node_count, snapshot, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET
				max_depth = excluded.max_depth,
				node_count = excluded.node_count,
				snapshot = excluded.snapshot,
				updated_at = CURRENT_TIMESTAMP;`,
			snap.SessionID, snap.MaxDepth, len(snap.Nodes), string(raw),
		)
		if err != nil {
			return fmt.Errorf("save tree snapshot: %w", err)
		}
		return nil
	})
}
