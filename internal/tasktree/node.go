// Package tasktree holds the adaptive plan of tool-bound steps an agent
// session works through. Nodes live in an arena addressed by ID; parents
// and children refer to each other only by ID.
package tasktree

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/basket/warden/internal/tools"
)

var (
	ErrTreeDepthExceeded = errors.New("tree depth exceeded")
	ErrNodeNotFound      = errors.New("node not found")
	ErrNoBinding         = errors.New("node has no tool binding")
	ErrInvalidTransition = errors.New("invalid node transition")
	ErrNotExecuted       = errors.New("node has not been executed")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrNoSnapshot        = errors.New("no snapshot")
	ErrInvalidSnapshot   = errors.New("invalid snapshot")

	errTitleRequired = errors.New("node title is required")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

// Priority orders siblings; a pending bound sibling of higher priority
// holds back lower-priority ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

func (p Priority) String() string {
	if p >= PriorityLow && int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the names produced by String. Empty means low.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityLow, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UnmarshalJSON accepts a priority name or its numeric level.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n < int(PriorityLow) || n > int(PriorityCritical) {
			return fmt.Errorf("priority %d out of range", n)
		}
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("priority must be a name or level: %w", err)
	}
	return p.UnmarshalText([]byte(s))
}

// Binding names the tool a node runs and its parameters.
type Binding struct {
	Tool   string         `json:"tool" yaml:"tool"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

func (b *Binding) clone() *Binding {
	if b == nil {
		return nil
	}
	return &Binding{Tool: b.Tool, Params: maps.Clone(b.Params)}
}

// Node is one step of the plan.
type Node struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      Status        `json:"status"`
	Priority    Priority      `json:"priority"`
	Binding     *Binding      `json:"binding,omitempty"`
	ParentID    string        `json:"parent_id,omitempty"`
	Children    []string      `json:"children,omitempty"`
	Depth       int           `json:"depth"`
	Expanded    bool          `json:"expanded"`
	Result      *tools.Result `json:"result,omitempty"`
	// Recovery marks children spawned by expanding a failed parent; they
	// stay runnable although their parent failed.
	Recovery bool `json:"recovery,omitempty"`
	// Reason explains a failed or blocked status that has no Result.
	Reason    string    `json:"reason,omitempty"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *Node) clone() Node {
	out := *n
	out.Binding = n.Binding.clone()
	out.Children = append([]string(nil), n.Children...)
	if n.Result != nil {
		r := *n.Result
		r.Metadata = n.Result.Meta()
		out.Result = &r
	}
	return out
}

// Tool returns the bound tool name, or "".
func (n *Node) Tool() string {
	if n.Binding == nil {
		return ""
	}
	return n.Binding.Tool
}

// NodeSpec describes a node to create.
type NodeSpec struct {
	Title       string
	Description string
	Binding     *Binding
	ParentID    string
	Priority    Priority
}
