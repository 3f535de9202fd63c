package tasktree_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool returns a canned result and counts invocations.
type stubTool struct {
	name   string
	result tools.Result
	calls  int
}

func (s *stubTool) Schema() tools.Schema {
	return tools.Schema{
		Name: s.name,
		Params: []tools.Param{
			{Name: "path", Type: tools.TypeString},
			{Name: "pattern", Type: tools.TypeString},
			{Name: "command", Type: tools.TypeString},
		},
	}
}

func (s *stubTool) Execute(context.Context, *tools.ExecContext, map[string]any) (tools.Result, error) {
	s.calls++
	return s.result, nil
}

type fixture struct {
	ec    *tools.ExecContext
	find  *stubTool
	read  *stubTool
	exec  *stubTool
	list  *stubTool
	base  string
	store *tasktree.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	enf, err := policy.New(policy.DefaultConfig(base), audit.NewRecorder(&audit.MemorySink{}, "tree-test", nil), nil)
	require.NoError(t, err)

	f := &fixture{base: enf.BaseDirectory()}
	matches := []string{
		filepath.Join(f.base, "a.go"),
		filepath.Join(f.base, "b.go"),
		filepath.Join(f.base, "c.go"),
	}
	f.find = &stubTool{name: "find", result: tools.OK(nil, map[string]any{tools.MetaMatches: matches})}
	f.read = &stubTool{name: "read_file", result: tools.OK("content", nil)}
	f.exec = &stubTool{name: "execute", result: tools.Fail(tools.ErrorKindCommandFailed, "exit 1",
		map[string]any{tools.MetaWorkDir: f.base})}
	f.list = &stubTool{name: "list_directory", result: tools.OK([]string{"a.go"}, nil)}

	reg := tools.NewRegistry()
	for _, tool := range []tools.Tool{f.find, f.read, f.exec, f.list} {
		require.NoError(t, reg.Register(tool))
	}
	f.ec, err = tools.NewExecContext(context.Background(), "tree-test", "", nil, reg, enf, nil)
	require.NoError(t, err)
	f.store, err = tasktree.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return f
}

func (f *fixture) tree(opts tasktree.Options) *tasktree.Tree {
	opts.SessionID = "tree-test"
	if opts.Store == nil {
		opts.Store = f.store
	}
	return tasktree.New(f.ec, opts)
}

func bind(tool string, params map[string]any) *tasktree.Binding {
	return &tasktree.Binding{Tool: tool, Params: params}
}

func TestCreateNode_DepthAndParent(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{MaxDepth: 2})
	ctx := context.Background()

	root, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "root"})
	require.NoError(t, err)
	child, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "child", ParentID: root})
	require.NoError(t, err)
	grandchild, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "grandchild", ParentID: child})
	require.NoError(t, err)

	n, ok := tree.Get(grandchild)
	require.True(t, ok)
	assert.Equal(t, 2, n.Depth)
	assert.Equal(t, tasktree.StatusPending, n.Status)

	_, err = tree.CreateNode(ctx, tasktree.NodeSpec{Title: "too deep", ParentID: grandchild})
	assert.ErrorIs(t, err, tasktree.ErrTreeDepthExceeded)

	_, err = tree.CreateNode(ctx, tasktree.NodeSpec{Title: "orphan", ParentID: "missing"})
	assert.ErrorIs(t, err, tasktree.ErrNodeNotFound)

	_, err = tree.CreateNode(ctx, tasktree.NodeSpec{Title: "bad tool", Binding: bind("teleport", nil)})
	assert.ErrorIs(t, err, tasktree.ErrUnknownTool)

	parent, _ := tree.Get(root)
	assert.Equal(t, []string{child}, parent.Children)
	assert.Equal(t, 3, tree.Len())
}

func TestExecuteNode_Transitions(t *testing.T) {
	f := newFixture(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicNodeStateChanged)
	defer b.Unsubscribe(sub)
	tree := f.tree(tasktree.Options{Bus: b})
	ctx := context.Background()

	id, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "read", Binding: bind("read_file", map[string]any{"path": "a.go"})})
	require.NoError(t, err)

	res, err := tree.ExecuteNode(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	n, _ := tree.Get(id)
	assert.Equal(t, tasktree.StatusCompleted, n.Status)
	require.NotNil(t, n.Result)

	var transitions []string
	for len(transitions) < 2 {
		ev := <-sub.Ch()
		transitions = append(transitions, ev.Payload.(bus.NodeStateChangedEvent).NewStatus)
	}
	assert.Equal(t, []string{"in_progress", "completed"}, transitions)

	_, err = tree.ExecuteNode(ctx, id)
	assert.ErrorIs(t, err, tasktree.ErrInvalidTransition)
	assert.Equal(t, 1, f.read.calls)

	unbound, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "note"})
	require.NoError(t, err)
	_, err = tree.ExecuteNode(ctx, unbound)
	assert.ErrorIs(t, err, tasktree.ErrNoBinding)
}

func TestExecuteNode_FailureBlocksDescendants(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{})
	ctx := context.Background()

	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "build", Binding: bind("execute", map[string]any{"command": "go build"})})
	child, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "after", ParentID: root, Binding: bind("read_file", nil)})
	grandchild, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "after after", ParentID: child, Binding: bind("read_file", nil)})

	res, err := tree.ExecuteNode(ctx, root)
	require.NoError(t, err)
	assert.False(t, res.Success)

	for _, id := range []string{child, grandchild} {
		n, _ := tree.Get(id)
		assert.Equal(t, tasktree.StatusBlocked, n.Status, n.Title)
	}
	assert.Empty(t, tree.NextReady())
}

func TestCompleteGroup(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{})
	ctx := context.Background()

	group, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "survey"})
	inner, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "inner", ParentID: group})
	leaf, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "list", ParentID: group, Binding: bind("list_directory", nil)})

	assert.ErrorIs(t, tree.CompleteGroup(ctx, inner), tasktree.ErrInvalidTransition, "parent not yet satisfied")
	assert.ErrorIs(t, tree.CompleteGroup(ctx, leaf), tasktree.ErrInvalidTransition, "bound nodes are executed, not completed")
	assert.ErrorIs(t, tree.CompleteGroup(ctx, "missing"), tasktree.ErrNodeNotFound)

	require.NoError(t, tree.CompleteGroup(ctx, group))
	n, _ := tree.Get(group)
	assert.Equal(t, tasktree.StatusCompleted, n.Status)
	assert.True(t, n.Expanded)
	assert.ElementsMatch(t, []string{inner, leaf}, tree.NextReady())

	assert.ErrorIs(t, tree.CompleteGroup(ctx, group), tasktree.ErrInvalidTransition)
	assert.Zero(t, f.list.calls)
}

func TestAutoExpand_FindSpawnsReadsOnce(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{})
	ctx := context.Background()

	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "find go files", Binding: bind("find", map[string]any{"pattern": "*.go"})})
	_, err := tree.AutoExpand(ctx, root)
	assert.ErrorIs(t, err, tasktree.ErrNotExecuted)

	_, err = tree.ExecuteNode(ctx, root)
	require.NoError(t, err)

	children, err := tree.AutoExpand(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, id := range children {
		n, _ := tree.Get(id)
		assert.Equal(t, 1, n.Depth)
		assert.Equal(t, "read_file", n.Tool())
	}

	again, err := tree.AutoExpand(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, again)
	n, _ := tree.Get(root)
	assert.Equal(t, children, n.Children)
	assert.Equal(t, 4, tree.Len())
}

func TestAutoExpand_MaxChildren(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{MaxChildren: 2})
	ctx := context.Background()

	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "find", Binding: bind("find", nil)})
	_, err := tree.ExecuteNode(ctx, root)
	require.NoError(t, err)
	children, err := tree.AutoExpand(ctx, root)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestAutoExpand_DepthLimit(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{MaxDepth: 1})
	ctx := context.Background()

	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "root"})
	leaf, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "find", ParentID: root, Binding: bind("find", nil)})
	_, err := tree.ExecuteNode(ctx, leaf)
	require.NoError(t, err)

	_, err = tree.AutoExpand(ctx, leaf)
	assert.ErrorIs(t, err, tasktree.ErrTreeDepthExceeded)
	n, _ := tree.Get(leaf)
	assert.True(t, n.Expanded)
	assert.Empty(t, n.Children)

	_, err = tree.AutoExpand(ctx, leaf)
	assert.NoError(t, err)
}

func TestAutoExpand_FailedExecuteSpawnsRunnableDiagnose(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{})
	ctx := context.Background()

	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "test", Binding: bind("execute", map[string]any{"command": "go test"})})
	_, err := tree.ExecuteNode(ctx, root)
	require.NoError(t, err)

	children, err := tree.AutoExpand(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	diag, _ := tree.Get(children[0])
	assert.Equal(t, "list_directory", diag.Tool())
	assert.Equal(t, f.base, diag.Binding.Params["path"])
	assert.True(t, diag.Recovery)
	assert.Equal(t, []string{diag.ID}, tree.NextReady())
}

func TestNextReady_ParentAndPriority(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{})
	ctx := context.Background()

	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "root", Binding: bind("read_file", nil)})
	low, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "low", ParentID: root, Binding: bind("read_file", nil), Priority: tasktree.PriorityLow})
	high, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "high", ParentID: root, Binding: bind("read_file", nil), Priority: tasktree.PriorityHigh})
	note, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "critical note", ParentID: root, Priority: tasktree.PriorityCritical})

	// Children wait for their pending parent.
	assert.Equal(t, []string{root}, tree.NextReady())

	_, err := tree.ExecuteNode(ctx, root)
	require.NoError(t, err)
	// An unbound sibling does not hold back lower priorities; high outranks low.
	assert.Equal(t, []string{high, note}, tree.NextReady())

	_, err = tree.ExecuteNode(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, []string{low, note}, tree.NextReady())
}

func TestNextReady_NeverReturnsChildOfPendingParent(t *testing.T) {
	f := newFixture(t)
	tree := f.tree(tasktree.Options{MaxDepth: 4})
	ctx := context.Background()

	parent := ""
	for i := 0; i < 4; i++ {
		id, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "step", ParentID: parent, Binding: bind("read_file", nil)})
		require.NoError(t, err)
		parent = id
	}
	for tree.Len() > 0 {
		ready := tree.NextReady()
		if len(ready) == 0 {
			break
		}
		for _, id := range ready {
			n, _ := tree.Get(id)
			if n.ParentID != "" {
				p, _ := tree.Get(n.ParentID)
				assert.NotEqual(t, tasktree.StatusPending, p.Status)
			}
		}
		_, err := tree.ExecuteNode(ctx, ready[0])
		require.NoError(t, err)
	}
	assert.Equal(t, 4, tree.Counts()[tasktree.StatusCompleted])
}

func TestRestore_MarksInterruptedNodesFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tree := f.tree(tasktree.Options{})
	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "root", Binding: bind("read_file", nil)})
	child, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "child", ParentID: root, Binding: bind("read_file", nil)})

	// Simulate a crash mid-execution.
	snap := tree.Snapshot()
	snap.Nodes[0].Status = tasktree.StatusInProgress
	require.NoError(t, f.store.Save(ctx, snap))

	restored, err := tasktree.Restore(ctx, f.ec, tasktree.Options{SessionID: "tree-test", Store: f.store})
	require.NoError(t, err)
	n, _ := restored.Get(root)
	assert.Equal(t, tasktree.StatusFailed, n.Status)
	assert.Equal(t, "interrupted", n.Reason)
	c, _ := restored.Get(child)
	assert.Equal(t, tasktree.StatusBlocked, c.Status)

	// Creation order continues after the restored sequence.
	id, err := restored.CreateNode(ctx, tasktree.NodeSpec{Title: "next"})
	require.NoError(t, err)
	nn, _ := restored.Get(id)
	assert.Equal(t, int64(3), nn.Seq)
}

func TestRestore_RejectsCorruptSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tree := f.tree(tasktree.Options{MaxDepth: 3})
	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "root"})
	_, _ = tree.CreateNode(ctx, tasktree.NodeSpec{Title: "child", ParentID: root})

	tests := map[string]func(s *tasktree.Snapshot){
		"depth mismatch": func(s *tasktree.Snapshot) { s.Nodes[1].Depth = 3 },
		"missing parent": func(s *tasktree.Snapshot) { s.Nodes[1].ParentID = "ghost" },
		"foreign child":  func(s *tasktree.Snapshot) { s.Nodes[0].Children = append(s.Nodes[0].Children, "ghost") },
		"bad status":     func(s *tasktree.Snapshot) { s.Nodes[0].Status = "sleeping" },
	}
	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			snap := tree.Snapshot()
			corrupt(snap)
			require.NoError(t, f.store.Save(ctx, snap))
			_, err := tasktree.Restore(ctx, f.ec, tasktree.Options{SessionID: "tree-test", Store: f.store, MaxDepth: 3})
			assert.True(t, errors.Is(err, tasktree.ErrInvalidSnapshot), "got %v", err)
		})
	}
}

func TestRestore_EmptyWhenNoSnapshot(t *testing.T) {
	f := newFixture(t)
	tree, err := tasktree.Restore(context.Background(), f.ec, tasktree.Options{SessionID: "fresh", Store: f.store})
	require.NoError(t, err)
	assert.Zero(t, tree.Len())
}

func TestSnapshot_Render(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tree := f.tree(tasktree.Options{})
	root, _ := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "find", Binding: bind("find", nil), Priority: tasktree.PriorityHigh})
	_, _ = tree.CreateNode(ctx, tasktree.NodeSpec{Title: "read", ParentID: root, Binding: bind("read_file", nil)})

	out := tree.Snapshot().Render()
	assert.Contains(t, out, "- [pending] find (find) !high id="+root)
	assert.Contains(t, out, "\n  - [pending] read (read_file)")
}

// ctxStore refuses writes through a cancelled context, like the sqlite store.
type ctxStore struct{ *tasktree.FileStore }

func (s ctxStore) Save(ctx context.Context, snap *tasktree.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.FileStore.Save(ctx, snap)
}

// cancellingTool cancels the surrounding run while it executes.
type cancellingTool struct {
	cancel context.CancelFunc
	nodeID string
}

func (c *cancellingTool) Schema() tools.Schema {
	return tools.Schema{Name: "execute", Params: []tools.Param{{Name: "command", Type: tools.TypeString}}}
}

func (c *cancellingTool) Execute(ctx context.Context, _ *tools.ExecContext, _ map[string]any) (tools.Result, error) {
	c.nodeID = shared.NodeID(ctx)
	c.cancel()
	return tools.Result{}, ctx.Err()
}

func TestExecuteNode_CancelledRunStillPersistsOutcome(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tool := &cancellingTool{cancel: cancel}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tool))
	ec, err := tools.NewExecContext(context.Background(), "tree-test", "", nil, reg, f.ec.Policy, nil)
	require.NoError(t, err)
	tree := tasktree.New(ec, tasktree.Options{SessionID: "tree-test", Store: ctxStore{f.store}})

	id, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "long build", Binding: bind("execute", map[string]any{"command": "make"})})
	require.NoError(t, err)

	res, err := tree.ExecuteNode(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, id, tool.nodeID, "tool sees the node it runs for")

	snap, err := f.store.Load(context.Background(), "tree-test")
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, tasktree.StatusFailed, snap.Nodes[0].Status)
	require.NotNil(t, snap.Nodes[0].Result)
}
