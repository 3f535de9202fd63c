package tasktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/shared"
	"github.com/basket/warden/internal/tools"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxDepth    = 3
	DefaultMaxChildren = 5
)

// Options configures a Tree. Zero values select defaults.
type Options struct {
	SessionID   string
	MaxDepth    int
	MaxChildren int
	Rules       *RuleTable
	Store       SnapshotStore
	Bus         *bus.Bus
	Metrics     *otel.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxChildren <= 0 {
		o.MaxChildren = DefaultMaxChildren
	}
	if o.Rules == nil {
		o.Rules = DefaultRules()
	}
	if o.Metrics == nil {
		o.Metrics = otel.NoopMetrics()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Tree is the arena of plan nodes for one session. Mutations are persisted
// to the snapshot store before they return.
type Tree struct {
	mu    sync.Mutex
	opts  Options
	ec    *tools.ExecContext
	nodes map[string]*Node
	order []string
	roots []string
	seq   int64
}

// New returns an empty tree that executes nodes through ec.
func New(ec *tools.ExecContext, opts Options) *Tree {
	opts.applyDefaults()
	if opts.SessionID == "" && ec != nil {
		opts.SessionID = ec.SessionID
	}
	return &Tree{
		opts:  opts,
		ec:    ec,
		nodes: make(map[string]*Node),
	}
}

// Restore loads the session snapshot from opts.Store, or starts empty when
// there is none. Bound nodes a crash left in_progress are failed as
// interrupted.
func Restore(ctx context.Context, ec *tools.ExecContext, opts Options) (*Tree, error) {
	t := New(ec, opts)
	if t.opts.Store == nil {
		return t, nil
	}
	snap, err := t.opts.Store.Load(ctx, t.opts.SessionID)
	if errors.Is(err, ErrNoSnapshot) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap.MaxDepth > 0 && snap.MaxDepth != t.opts.MaxDepth {
		t.opts.Logger.Warn("snapshot max depth differs from configuration",
			"session_id", t.opts.SessionID, "snapshot", snap.MaxDepth, "config", t.opts.MaxDepth)
	}
	if err := snap.validate(t.opts.MaxDepth); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range snap.Nodes {
		n := snap.Nodes[i].clone()
		t.nodes[n.ID] = &n
		t.order = append(t.order, n.ID)
		if n.ParentID == "" {
			t.roots = append(t.roots, n.ID)
		}
		if n.Seq > t.seq {
			t.seq = n.Seq
		}
	}

	recovered := 0
	for _, id := range t.order {
		n := t.nodes[id]
		// Unbound nodes are moved by hand through the task tool.
		if n.Status != StatusInProgress || n.Binding == nil {
			continue
		}
		t.transition(n, StatusFailed)
		n.Reason = "interrupted"
		t.blockDescendants(n)
		recovered++
	}
	if recovered > 0 {
		t.opts.Logger.Warn("recovered interrupted task nodes", "session_id", t.opts.SessionID, "count", recovered)
		if err := t.saveLocked(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) SessionID() string { return t.opts.SessionID }
func (t *Tree) MaxDepth() int     { return t.opts.MaxDepth }

// Len is the number of nodes.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Get returns a copy of the node.
func (t *Tree) Get(id string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// CreateNode adds a pending node, as a root or as the last child of
// spec.ParentID.
func (t *Tree) CreateNode(ctx context.Context, spec NodeSpec) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, err := t.createLocked(ctx, spec, false)
	if err != nil {
		return "", err
	}
	if err := t.saveLocked(ctx); err != nil {
		return id, err
	}
	return id, nil
}

func (t *Tree) createLocked(ctx context.Context, spec NodeSpec, recovery bool) (string, error) {
	if spec.Title == "" {
		return "", errTitleRequired
	}
	depth := 0
	var parent *Node
	if spec.ParentID != "" {
		var ok bool
		if parent, ok = t.nodes[spec.ParentID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrNodeNotFound, spec.ParentID)
		}
		depth = parent.Depth + 1
	}
	if depth > t.opts.MaxDepth {
		return "", fmt.Errorf("%w: depth %d exceeds max %d", ErrTreeDepthExceeded, depth, t.opts.MaxDepth)
	}
	if spec.Binding != nil && t.ec != nil && t.ec.Registry != nil {
		if _, ok := t.ec.Registry.Get(spec.Binding.Tool); !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownTool, spec.Binding.Tool)
		}
	}

	now := t.opts.Now()
	t.seq++
	n := &Node{
		ID:          uuid.NewString(),
		Title:       spec.Title,
		Description: spec.Description,
		Status:      StatusPending,
		Priority:    spec.Priority,
		Binding:     spec.Binding.clone(),
		ParentID:    spec.ParentID,
		Depth:       depth,
		Recovery:    recovery,
		Seq:         t.seq,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.nodes[n.ID] = n
	t.order = append(t.order, n.ID)
	if parent != nil {
		parent.Children = append(parent.Children, n.ID)
		parent.UpdatedAt = now
	} else {
		t.roots = append(t.roots, n.ID)
	}

	t.opts.Metrics.TreeNodesCreated.Add(ctx, 1, metric.WithAttributes(otel.AttrSessionID.String(t.opts.SessionID)))
	t.opts.Bus.Publish(bus.TopicNodeCreated, bus.NodeCreatedEvent{
		SessionID: t.opts.SessionID,
		NodeID:    n.ID,
		ParentID:  n.ParentID,
		Title:     n.Title,
		Depth:     n.Depth,
	})
	return n.ID, nil
}

// ExecuteNode runs the node's bound tool once: pending, then in_progress,
// then completed or failed. Failure blocks the node's pending descendants.
// The returned error reports tree misuse or persistence failure; tool
// failures are carried in the Result.
func (t *Tree) ExecuteNode(ctx context.Context, id string) (tools.Result, error) {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return tools.Result{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Binding == nil {
		t.mu.Unlock()
		return tools.Result{}, fmt.Errorf("%w: %s", ErrNoBinding, id)
	}
	if n.Status != StatusPending {
		t.mu.Unlock()
		return tools.Result{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, n.Status)
	}
	if t.ec == nil || t.ec.Registry == nil {
		t.mu.Unlock()
		return tools.Result{}, errors.New("tree has no execution context")
	}
	t.transition(n, StatusInProgress)
	if err := t.saveLocked(ctx); err != nil {
		t.mu.Unlock()
		return tools.Result{}, err
	}
	binding := n.Binding.clone()
	t.mu.Unlock()

	res := t.ec.Registry.Dispatch(shared.WithNodeID(ctx, id), t.ec, binding.Tool, binding.Params)

	t.mu.Lock()
	defer t.mu.Unlock()
	n.Result = &res
	if res.Success {
		t.transition(n, StatusCompleted)
	} else {
		t.transition(n, StatusFailed)
		t.blockDescendants(n)
	}
	return res, t.saveLocked(ctx)
}

// CompleteGroup marks a ready node without a binding completed so its
// children become runnable. Grouping nodes are never dispatched and never
// expanded.
func (t *Tree) CompleteGroup(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Binding != nil {
		return fmt.Errorf("%w: %s is bound to %s", ErrInvalidTransition, id, n.Binding.Tool)
	}
	if n.Status != StatusPending || !t.parentSatisfied(n) {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, n.Status)
	}
	t.transition(n, StatusCompleted)
	n.Expanded = true
	return t.saveLocked(ctx)
}

// UpdateStatus moves an unbound node by hand: pending to in_progress,
// and pending or in_progress to completed or failed. Bound nodes change
// status only through ExecuteNode.
func (t *Tree) UpdateStatus(ctx context.Context, id string, to Status, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Binding != nil {
		return fmt.Errorf("%w: %s is bound to %s", ErrInvalidTransition, id, n.Binding.Tool)
	}
	allowed := false
	switch to {
	case StatusInProgress:
		allowed = n.Status == StatusPending && t.parentSatisfied(n)
	case StatusCompleted:
		allowed = (n.Status == StatusPending || n.Status == StatusInProgress) && t.parentSatisfied(n)
	case StatusFailed:
		allowed = n.Status == StatusPending || n.Status == StatusInProgress
	}
	if !allowed {
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, id, n.Status, to)
	}
	t.transition(n, to)
	if reason != "" {
		n.Reason = reason
	}
	if to == StatusFailed {
		t.blockDescendants(n)
	}
	return t.saveLocked(ctx)
}

// Search returns nodes whose title or description contains query,
// ignoring case, in creation order.
func (t *Tree) Search(query string) []Node {
	q := strings.ToLower(query)
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Node
	for _, id := range t.order {
		n := t.nodes[id]
		if strings.Contains(strings.ToLower(n.Title), q) || strings.Contains(strings.ToLower(n.Description), q) {
			out = append(out, n.clone())
		}
	}
	return out
}

// AutoExpand derives children from an executed node's result through the
// rule table. It runs at most once per node.
func (t *Tree) AutoExpand(ctx context.Context, id string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Expanded {
		return nil, nil
	}
	if n.Result == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotExecuted, id)
	}

	specs := t.opts.Rules.Expand(n.clone(), t.opts.MaxChildren)
	if len(specs) > t.opts.MaxChildren {
		specs = specs[:t.opts.MaxChildren]
	}
	if len(specs) > 0 && n.Depth+1 > t.opts.MaxDepth {
		n.Expanded = true
		n.UpdatedAt = t.opts.Now()
		if err := t.saveLocked(ctx); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: node %s at depth %d cannot take children", ErrTreeDepthExceeded, id, n.Depth)
	}

	recovery := n.Status == StatusFailed
	created := make([]string, 0, len(specs))
	for _, spec := range specs {
		spec.ParentID = id
		cid, err := t.createLocked(ctx, spec, recovery)
		if err != nil {
			t.opts.Logger.Warn("expansion child rejected", "node_id", id, "title", spec.Title, "error", err)
			continue
		}
		created = append(created, cid)
	}
	n.Expanded = true
	n.UpdatedAt = t.opts.Now()
	t.opts.Bus.Publish(bus.TopicNodeExpanded, bus.NodeExpandedEvent{
		SessionID: t.opts.SessionID,
		NodeID:    id,
		Children:  append([]string(nil), created...),
	})
	return created, t.saveLocked(ctx)
}

// NextReady lists runnable pending nodes in creation order. A node is
// runnable when its parent is absent, completed or in_progress (or failed,
// for recovery children) and no same-parent sibling of higher priority is
// still pending with a binding.
func (t *Tree) NextReady() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, id := range t.order {
		n := t.nodes[id]
		if n.Status != StatusPending || !t.parentSatisfied(n) {
			continue
		}
		if t.outranked(n) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (t *Tree) parentSatisfied(n *Node) bool {
	if n.ParentID == "" {
		return true
	}
	p := t.nodes[n.ParentID]
	switch p.Status {
	case StatusCompleted, StatusInProgress:
		return true
	case StatusFailed:
		return n.Recovery
	}
	return false
}

func (t *Tree) outranked(n *Node) bool {
	siblings := t.roots
	if n.ParentID != "" {
		siblings = t.nodes[n.ParentID].Children
	}
	for _, sid := range siblings {
		s := t.nodes[sid]
		if s.ID != n.ID && s.Status == StatusPending && s.Binding != nil && s.Priority > n.Priority {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the tree in creation order.
func (t *Tree) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tree) snapshotLocked() *Snapshot {
	s := &Snapshot{
		SessionID:   t.opts.SessionID,
		MaxDepth:    t.opts.MaxDepth,
		MaxChildren: t.opts.MaxChildren,
		Nodes:       make([]Node, 0, len(t.order)),
	}
	for _, id := range t.order {
		s.Nodes = append(s.Nodes, t.nodes[id].clone())
	}
	return s
}

// Counts tallies nodes by status.
func (t *Tree) Counts() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Status]int, 5)
	for _, n := range t.nodes {
		out[n.Status]++
	}
	return out
}

func (t *Tree) transition(n *Node, to Status) {
	from := n.Status
	n.Status = to
	n.UpdatedAt = t.opts.Now()
	t.opts.Bus.Publish(bus.TopicNodeStateChanged, bus.NodeStateChangedEvent{
		SessionID: t.opts.SessionID,
		NodeID:    n.ID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}

func (t *Tree) blockDescendants(n *Node) {
	for _, cid := range n.Children {
		c := t.nodes[cid]
		if c.Status == StatusPending {
			t.transition(c, StatusBlocked)
			c.Reason = "parent " + n.ID + " failed"
		}
		t.blockDescendants(c)
	}
}

// saveLocked persists even when ctx is cancelled so an interrupted node
// never stays in_progress on disk.
func (t *Tree) saveLocked(ctx context.Context) error {
	if t.opts.Store == nil {
		return nil
	}
	if err := t.opts.Store.Save(context.WithoutCancel(ctx), t.snapshotLocked()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
