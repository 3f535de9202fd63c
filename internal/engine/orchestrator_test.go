package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/engine"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
)

// exitExecutor pretends every command exits with its value.
type exitExecutor int

func (e exitExecutor) Run(_ context.Context, cmd tools.Command) (int, error) {
	fmt.Fprintf(cmd.Stderr, "%s: failed", cmd.Argv[0])
	return int(e), nil
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved []persistence.Checkpoint
	byID  map[string]persistence.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byID: make(map[string]persistence.Checkpoint)}
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, cp persistence.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cp)
	m.byID[cp.SessionID] = cp
	return nil
}

func (m *memCheckpoints) LoadCheckpoint(_ context.Context, sessionID string) (*persistence.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.byID[sessionID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &cp, nil
}

type fixture struct {
	base  string
	enf   *policy.Enforcer
	sink  *audit.MemorySink
	ec    *tools.ExecContext
	store *memCheckpoints
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "a.go"), []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "b.go"), []byte("package b\n"), 0o644))

	cfg := policy.DefaultConfig(base)
	cfg.StrictMode = strict
	sink := &audit.MemorySink{}
	enf, err := policy.New(cfg, audit.NewRecorder(sink, "engine-test", nil), nil)
	require.NoError(t, err)

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, exitExecutor(1)))
	ec, err := tools.NewExecContext(context.Background(), "engine-test", "", nil, reg, enf, nil)
	require.NoError(t, err)
	return &fixture{base: enf.BaseDirectory(), enf: enf, sink: sink, ec: ec, store: newMemCheckpoints()}
}

func (f *fixture) orchestrator(t *testing.T, c engine.Collaborator, opts engine.Options) *engine.Orchestrator {
	t.Helper()
	if opts.Checkpoints == nil {
		opts.Checkpoints = f.store
	}
	o, err := engine.New(f.ec, c, opts)
	require.NoError(t, err)
	return o
}

func call(tool string, params map[string]any) engine.ToolCall {
	return engine.ToolCall{Tool: tool, Params: params}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, false)
	c := engine.NewScriptedCollaborator()

	_, err := engine.New(f.ec, c, engine.Options{MaxIterations: 0})
	assert.Error(t, err)
	_, err = engine.New(f.ec, c, engine.Options{MaxIterations: -1})
	assert.Error(t, err)
	_, err = engine.New(f.ec, nil, engine.Options{MaxIterations: 1})
	assert.Error(t, err)
	_, err = engine.New(nil, c, engine.Options{MaxIterations: 1})
	assert.Error(t, err)
	_, err = engine.New(f.ec, c, engine.Options{MaxIterations: 1, Mode: "swarm"})
	assert.Error(t, err)
	_, err = engine.New(f.ec, c, engine.Options{MaxIterations: 1, Mode: engine.ModeTree, Strategy: tasktree.StrategyTemplate, Template: "missing"})
	assert.Error(t, err)
}

func TestRun_DirectExhaustsBudgetWithExactExecutions(t *testing.T) {
	f := newFixture(t, false)
	proposals := 0
	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		proposals++
		return engine.Proposal{
			Message: fmt.Sprintf("listing %d", proposals),
			Calls:   []engine.ToolCall{call("list_directory", map[string]any{"path": "."})},
		}, nil
	})
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 5})

	rep, err := o.Run(context.Background(), "list the workspace")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBudgetExhausted, rep.Status)
	assert.Equal(t, 5, rep.Iterations)
	assert.Equal(t, 5, rep.ToolExecutions)
	assert.Equal(t, 5, proposals)
	assert.Equal(t, "Completed 5 iterations. Last response: listing 5", rep.Notice)
	assert.False(t, rep.Status.Fatal())
	assert.Equal(t, f.enf.Version(), rep.PolicyVersion)
	assert.Positive(t, rep.Policy.Checks)

	last := f.store.byID["engine-test"]
	assert.Equal(t, string(engine.StatusBudgetExhausted), last.Status)
	assert.Equal(t, 5, last.Iteration)
}

func TestRun_DirectCompletesWhenNoCalls(t *testing.T) {
	f := newFixture(t, false)
	c := engine.NewScriptedCollaborator(
		engine.Proposal{Message: "reading", Calls: []engine.ToolCall{call("read_file", map[string]any{"path": "a.go"})}},
		engine.Proposal{Message: "package a it is"},
	)
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 10})

	rep, err := o.Run(context.Background(), "what package is a.go?")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rep.Status)
	assert.Equal(t, "package a it is", rep.Final)
	assert.Equal(t, 2, rep.Iterations)
	assert.Equal(t, 1, rep.ToolExecutions)
	assert.Empty(t, rep.Notice)

	h := o.State().History
	require.Len(t, h, 4)
	assert.Equal(t, engine.RoleUser, h[0].Role)
	assert.Equal(t, engine.RoleAssistant, h[1].Role)
	require.Len(t, h[1].Calls, 1)
	assert.NotEmpty(t, h[1].Calls[0].ID)
	assert.Equal(t, engine.RoleTool, h[2].Role)
	assert.Equal(t, h[1].Calls[0].ID, h[2].CallID)
	require.NotNil(t, h[2].Result)
	assert.True(t, h[2].Result.Success)

	// The collaborator saw the tool result before answering.
	reqs := c.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].History, 3)
	assert.NotEmpty(t, reqs[0].Tools)
	assert.Nil(t, reqs[0].Tree)
}

func TestRun_StrictViolationAborts(t *testing.T) {
	f := newFixture(t, true)
	c := engine.NewScriptedCollaborator(engine.Proposal{
		Message: "peeking",
		Calls: []engine.ToolCall{
			call("read_file", map[string]any{"path": "../../etc/passwd"}),
			call("list_directory", map[string]any{"path": "."}),
		},
	})
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 5})

	rep, err := o.Run(context.Background(), "read passwd")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPolicyViolation, rep.Status)
	assert.True(t, rep.Status.Fatal())
	assert.Equal(t, 1, rep.ToolExecutions, "calls after the violation must not run")
	require.NotNil(t, rep.Violation)
	assert.Equal(t, policy.KindPath, rep.Violation.Kind)
	assert.Equal(t, "read_file", rep.Violation.Tool)
	assert.Equal(t, 1, rep.Violation.Iteration)
	assert.NotEmpty(t, rep.Violation.CallID)
	assert.Equal(t, f.enf.Version(), rep.Violation.PolicyVersion)

	var denied int
	for _, ev := range f.sink.Events() {
		if ev.Outcome == audit.OutcomeDeny {
			denied++
		}
	}
	assert.Equal(t, 1, denied)
}

func TestRun_NonStrictViolationContinues(t *testing.T) {
	f := newFixture(t, false)
	c := engine.NewScriptedCollaborator(
		engine.Proposal{Calls: []engine.ToolCall{call("execute", map[string]any{"command": "sudo ls"})}},
		engine.Proposal{Message: "ok, giving up on sudo"},
	)
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 5})

	rep, err := o.Run(context.Background(), "list as root")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rep.Status)
	assert.Nil(t, rep.Violation)

	h := o.State().History
	require.Len(t, h, 4)
	require.NotNil(t, h[2].Result)
	assert.Equal(t, policy.KindCommand, h[2].Result.ViolationKind())
}

func TestRun_UnknownToolIsReportedNotFatal(t *testing.T) {
	f := newFixture(t, true)
	c := engine.NewScriptedCollaborator(
		engine.Proposal{Calls: []engine.ToolCall{call("teleport", nil)}},
	)
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 3})

	rep, err := o.Run(context.Background(), "go somewhere")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rep.Status)
	h := o.State().History
	require.NotNil(t, h[2].Result)
	assert.Equal(t, tools.ErrorKindToolNotFound, h[2].Result.ErrorKind())
}

func TestRun_CollaboratorErrorIsClassified(t *testing.T) {
	f := newFixture(t, false)
	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		return engine.Proposal{}, errors.New("status 429: Too Many Requests")
	})
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 3})

	rep, err := o.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCollaboratorError, rep.Status)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, engine.ErrorClassRateLimit, rep.Failure.ErrorClass)
	assert.Equal(t, 1, rep.Iterations)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		cancel()
		return engine.Proposal{Calls: []engine.ToolCall{call("list_directory", nil)}}, nil
	})
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 5})

	rep, err := o.Run(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, rep.Status)
	assert.Equal(t, 1, rep.Iterations)
	assert.Equal(t, string(engine.StatusCancelled), f.store.byID["engine-test"].Status)
}

func TestRun_EmptyGoal(t *testing.T) {
	f := newFixture(t, false)
	o := f.orchestrator(t, engine.NewScriptedCollaborator(), engine.Options{MaxIterations: 1})
	_, err := o.Run(context.Background(), "   ")
	assert.Error(t, err)
}

func TestRun_ResumesRunningCheckpoint(t *testing.T) {
	f := newFixture(t, false)
	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		return engine.Proposal{Message: "again", Calls: []engine.ToolCall{call("list_directory", nil)}}, nil
	})
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 4})

	// Simulate a crash after the second iteration.
	ctx := context.Background()
	_, err := o.Run(ctx, "keep listing")
	require.NoError(t, err)
	cp := f.store.byID["engine-test"]
	var crashed persistence.Checkpoint
	for _, s := range f.store.saved {
		if s.Iteration == 2 && s.Status == string(engine.StatusRunning) {
			crashed = s
		}
	}
	require.Equal(t, 2, crashed.Iteration)
	require.Equal(t, 4, cp.Iteration)
	require.NoError(t, f.store.SaveCheckpoint(ctx, crashed))

	resumed := f.orchestrator(t, c, engine.Options{MaxIterations: 4, Resume: true})
	rep, err := resumed.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBudgetExhausted, rep.Status)
	assert.Equal(t, 4, rep.Iterations)
	assert.Equal(t, 2, rep.ToolExecutions)
	assert.Equal(t, "keep listing", resumed.State().History[0].Content)
}

func TestRun_FinishedCheckpointIsNotResumed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o := f.orchestrator(t, engine.NewScriptedCollaborator(engine.Proposal{Message: "done"}), engine.Options{MaxIterations: 2})
	_, err := o.Run(ctx, "first")
	require.NoError(t, err)

	again := f.orchestrator(t, engine.NewScriptedCollaborator(engine.Proposal{Message: "done again"}), engine.Options{MaxIterations: 2, Resume: true})
	rep, err := again.Run(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Iterations)
	assert.Equal(t, "second", again.State().History[0].Content)
}

func TestRun_PublishesProgress(t *testing.T) {
	f := newFixture(t, false)
	b := bus.New()
	sub := b.Subscribe("engine.")
	defer b.Unsubscribe(sub)

	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		return engine.Proposal{Calls: []engine.ToolCall{call("list_directory", nil)}}, nil
	})
	o := f.orchestrator(t, c, engine.Options{MaxIterations: 3, Bus: b})
	_, err := o.Run(context.Background(), "list")
	require.NoError(t, err)

	counts := map[string]int{}
	var stopped bus.StoppedEvent
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		counts[ev.Topic]++
		if s, ok := ev.Payload.(bus.StoppedEvent); ok {
			stopped = s
		}
	}
	assert.Equal(t, 1, counts[bus.TopicLoopStarted])
	assert.Equal(t, 3, counts[bus.TopicLoopIteration])
	assert.Equal(t, 3, counts[bus.TopicToolExecuted])
	assert.Equal(t, 1, counts[bus.TopicLoopStopped])
	assert.Equal(t, string(engine.StatusBudgetExhausted), stopped.Status)
}

func TestRun_TreeTemplateSeedsAndExpands(t *testing.T) {
	f := newFixture(t, false)
	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		t.Error("template strategy must not consult the collaborator")
		return engine.Proposal{}, nil
	})
	o := f.orchestrator(t, c, engine.Options{
		Mode:          engine.ModeTree,
		MaxIterations: 10,
		Strategy:      tasktree.StrategyTemplate,
		Template:      "scan",
		Templates: map[string][]tasktree.Step{
			"scan": {{Title: "find go files", Tool: "find", Params: map[string]any{"operation": "find_files", "pattern": "*.go"}}},
		},
	})

	rep, err := o.Run(context.Background(), "inspect go files")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rep.Status)
	assert.Equal(t, 3, rep.ToolExecutions)
	assert.Equal(t, 4, rep.Iterations)
	require.NotNil(t, rep.Tree)
	require.Len(t, rep.Tree.Nodes, 3)
	for _, n := range rep.Tree.Nodes {
		assert.Equal(t, tasktree.StatusCompleted, n.Status, n.Title)
	}
	assert.Equal(t, 3, o.Tree().Counts()[tasktree.StatusCompleted])
}

func TestRun_TreeModelPlansUnderCompletedNode(t *testing.T) {
	f := newFixture(t, false)
	c := engine.NewScriptedCollaborator(
		engine.Proposal{Message: "look first", Calls: []engine.ToolCall{{Tool: "list_directory", Title: "look around", Params: map[string]any{"path": "."}}}},
		engine.Proposal{Message: "now read", Calls: []engine.ToolCall{call("read_file", map[string]any{"path": "b.go"})}},
		engine.Proposal{Message: "finished"},
	)
	o := f.orchestrator(t, c, engine.Options{Mode: engine.ModeTree, MaxIterations: 10, Strategy: tasktree.StrategyModel})

	rep, err := o.Run(context.Background(), "read b.go")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rep.Status)
	assert.Equal(t, "finished", rep.Final)
	assert.Equal(t, 2, rep.ToolExecutions)
	assert.Equal(t, 3, rep.Iterations)

	require.Len(t, rep.Tree.Nodes, 2)
	root, child := rep.Tree.Nodes[0], rep.Tree.Nodes[1]
	assert.Equal(t, "look around", root.Title)
	assert.Equal(t, root.ID, child.ParentID)
	assert.Equal(t, "read_file", child.Title)
	assert.Equal(t, 1, child.Depth)

	reqs := c.Requests()
	require.Len(t, reqs, 3)
	assert.NotNil(t, reqs[1].Tree)
	assert.Len(t, reqs[1].Tree.Nodes, 1)
}

func TestRun_TreeDepthExceeded(t *testing.T) {
	f := newFixture(t, false)
	tree := tasktree.New(f.ec, tasktree.Options{SessionID: "engine-test", MaxDepth: 1})
	c := engine.NewScriptedCollaborator(
		engine.Proposal{Calls: []engine.ToolCall{call("list_directory", nil)}},
		engine.Proposal{Calls: []engine.ToolCall{{Tool: "execute", Title: "run tests", Params: map[string]any{"command": "go test ./..."}}}},
	)
	o := f.orchestrator(t, c, engine.Options{Mode: engine.ModeTree, MaxIterations: 10, Tree: tree})

	rep, err := o.Run(context.Background(), "run the tests")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTreeDepthExceeded, rep.Status)
	assert.True(t, rep.Status.Fatal())
	require.NotNil(t, rep.Failure)
	assert.Equal(t, "run tests", rep.Failure.NodeTitle)
	assert.Equal(t, 1, rep.Failure.Counts[tasktree.StatusFailed])
	assert.Equal(t, 1, rep.Failure.Counts[tasktree.StatusCompleted])
	assert.Equal(t, 2, rep.ToolExecutions)
}

func TestRun_TreeCompletesGroupingNodes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	tree := tasktree.New(f.ec, tasktree.Options{SessionID: "engine-test"})
	group, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "survey"})
	require.NoError(t, err)
	_, err = tree.CreateNode(ctx, tasktree.NodeSpec{
		Title:    "list",
		ParentID: group,
		Binding:  &tasktree.Binding{Tool: "list_directory", Params: map[string]any{"path": "."}},
	})
	require.NoError(t, err)

	o := f.orchestrator(t, engine.NewScriptedCollaborator(), engine.Options{Mode: engine.ModeTree, MaxIterations: 5, Tree: tree})
	rep, err := o.Run(ctx, "survey the workspace")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, rep.Status)
	assert.Equal(t, 1, rep.ToolExecutions)
	assert.Equal(t, 2, tree.Counts()[tasktree.StatusCompleted])
}

func TestRun_TreeStrictViolationNamesNode(t *testing.T) {
	f := newFixture(t, true)
	c := engine.NewScriptedCollaborator(
		engine.Proposal{Calls: []engine.ToolCall{{Tool: "write_file", Title: "escape", Params: map[string]any{"path": "/tmp/escape.txt", "content": "x"}}}},
	)
	o := f.orchestrator(t, c, engine.Options{Mode: engine.ModeTree, MaxIterations: 5})

	rep, err := o.Run(context.Background(), "write outside")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPolicyViolation, rep.Status)
	require.NotNil(t, rep.Violation)
	assert.NotEmpty(t, rep.Violation.NodeID)
	n, ok := o.Tree().Get(rep.Violation.NodeID)
	require.True(t, ok)
	assert.Equal(t, tasktree.StatusFailed, n.Status)
	_, err = os.Stat("/tmp/escape.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestRun_TreeBudgetExhausted(t *testing.T) {
	f := newFixture(t, false)
	c := engine.CollaboratorFunc(func(context.Context, engine.Request) (engine.Proposal, error) {
		return engine.Proposal{Message: "more", Calls: []engine.ToolCall{call("list_directory", nil)}}, nil
	})
	o := f.orchestrator(t, c, engine.Options{Mode: engine.ModeTree, MaxIterations: 3})

	rep, err := o.Run(context.Background(), "list forever")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusBudgetExhausted, rep.Status)
	assert.Equal(t, 3, rep.ToolExecutions)
	assert.Equal(t, "Completed 3 iterations. Last response: more", rep.Notice)
}

// cancelExecutor cancels the run while a command is executing.
type cancelExecutor struct{ cancel context.CancelFunc }

func (e cancelExecutor) Run(ctx context.Context, _ tools.Command) (int, error) {
	e.cancel()
	<-ctx.Done()
	return -1, ctx.Err()
}

// strictSnapshots refuses writes through a cancelled context.
type strictSnapshots struct{ *tasktree.FileStore }

func (s strictSnapshots) Save(ctx context.Context, snap *tasktree.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.FileStore.Save(ctx, snap)
}

func TestRun_TreeCancelledMidNode(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, cancelExecutor{cancel: cancel}))
	ec, err := tools.NewExecContext(context.Background(), "engine-test", "", nil, reg, f.enf, nil)
	require.NoError(t, err)
	files, err := tasktree.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tree := tasktree.New(ec, tasktree.Options{SessionID: "engine-test", Store: strictSnapshots{files}})

	o, err := engine.New(ec, engine.NewScriptedCollaborator(), engine.Options{
		SessionID:     "engine-test",
		Mode:          engine.ModeTree,
		MaxIterations: 5,
		Strategy:      tasktree.StrategyTemplate,
		Template:      "build",
		Templates: map[string][]tasktree.Step{
			"build": {{Title: "build", Tool: "execute", Params: map[string]any{"command": "go build ./..."}}},
		},
		Checkpoints: f.store,
		Tree:        tree,
	})
	require.NoError(t, err)

	rep, err := o.Run(ctx, "build it")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, rep.Status)
	assert.Equal(t, 1, rep.ToolExecutions)
	assert.Equal(t, string(engine.StatusCancelled), f.store.byID["engine-test"].Status)

	snap, err := files.Load(context.Background(), "engine-test")
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, tasktree.StatusFailed, snap.Nodes[0].Status, "interrupted node must not stay in_progress")
	require.NotNil(t, snap.Nodes[0].Result)

	// Audit events from the node carry the run's correlation ids.
	require.NotEmpty(t, rep.TraceID)
	var correlated bool
	for _, ev := range f.sink.Events() {
		if ev.Operation == policy.OpValidateCommand {
			assert.Equal(t, snap.Nodes[0].ID, ev.NodeID)
			assert.Equal(t, rep.TraceID, ev.TraceID)
			correlated = true
		}
	}
	assert.True(t, correlated, "expected an audited command decision")
}
