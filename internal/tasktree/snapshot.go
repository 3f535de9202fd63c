package tasktree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Snapshot is the persisted form of a tree. Nodes are in creation order.
type Snapshot struct {
	SessionID   string `json:"session_id"`
	MaxDepth    int    `json:"max_depth"`
	MaxChildren int    `json:"max_children,omitempty"`
	Nodes       []Node `json:"nodes"`
}

// SnapshotStore persists one snapshot per session. Load returns
// ErrNoSnapshot when the session has none.
type SnapshotStore interface {
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// validate checks the arena invariants a restored tree relies on.
func (s *Snapshot) validate(maxDepth int) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidSnapshot, fmt.Sprintf(format, args...))
	}
	byID := make(map[string]*Node, len(s.Nodes))
	seqs := make(map[int64]struct{}, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.ID == "" {
			return bad("node %d has no id", i)
		}
		if _, dup := byID[n.ID]; dup {
			return bad("duplicate node id %s", n.ID)
		}
		if _, dup := seqs[n.Seq]; dup {
			return bad("duplicate sequence %d", n.Seq)
		}
		if !n.Status.valid() {
			return bad("node %s has unknown status %q", n.ID, n.Status)
		}
		byID[n.ID] = n
		seqs[n.Seq] = struct{}{}
	}
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Depth > maxDepth {
			return bad("node %s depth %d exceeds max %d", n.ID, n.Depth, maxDepth)
		}
		if n.ParentID == "" {
			if n.Depth != 0 {
				return bad("root %s has depth %d", n.ID, n.Depth)
			}
		} else {
			p, ok := byID[n.ParentID]
			if !ok {
				return bad("node %s references missing parent %s", n.ID, n.ParentID)
			}
			if n.Depth != p.Depth+1 {
				return bad("node %s depth %d under parent depth %d", n.ID, n.Depth, p.Depth)
			}
			found := false
			for _, cid := range p.Children {
				if cid == n.ID {
					found = true
					break
				}
			}
			if !found {
				return bad("parent %s does not list child %s", p.ID, n.ID)
			}
		}
		for _, cid := range n.Children {
			c, ok := byID[cid]
			if !ok || c.ParentID != n.ID {
				return bad("node %s lists foreign child %s", n.ID, cid)
			}
		}
	}
	return nil
}

// Render draws the tree as an indented outline, one node per line.
func (s *Snapshot) Render() string {
	byID := make(map[string]*Node, len(s.Nodes))
	for i := range s.Nodes {
		byID[s.Nodes[i].ID] = &s.Nodes[i]
	}
	var b strings.Builder
	var walk func(n *Node)
	walk = func(n *Node) {
		b.WriteString(strings.Repeat("  ", n.Depth))
		fmt.Fprintf(&b, "- [%s] %s", n.Status, n.Title)
		if tool := n.Tool(); tool != "" {
			fmt.Fprintf(&b, " (%s)", tool)
		}
		if n.Priority != PriorityLow {
			fmt.Fprintf(&b, " !%s", n.Priority)
		}
		fmt.Fprintf(&b, " id=%s", n.ID)
		if n.Result != nil && !n.Result.Success {
			fmt.Fprintf(&b, " error=%q", n.Result.Error)
		} else if n.Reason != "" {
			fmt.Fprintf(&b, " reason=%q", n.Reason)
		}
		b.WriteByte('\n')
		for _, cid := range n.Children {
			if c, ok := byID[cid]; ok {
				walk(c)
			}
		}
	}
	for i := range s.Nodes {
		if s.Nodes[i].ParentID == "" {
			walk(&s.Nodes[i])
		}
	}
	return b.String()
}

// FileStore keeps each session's snapshot as <dir>/<session>.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(f.dir, sessionID+".json"), nil
}

func (f *FileStore) Load(_ context.Context, sessionID string) (*Snapshot, error) {
	p, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &snap, nil
}

// Save replaces the session file atomically.
func (f *FileStore) Save(_ context.Context, snap *Snapshot) error {
	p, err := f.path(snap.SessionID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
