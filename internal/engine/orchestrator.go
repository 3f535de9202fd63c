package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/shared"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
)

const (
	ModeDirect = "direct"
	ModeTree   = "tree"
)

// CheckpointStore persists conversation state between iterations.
// *persistence.Store satisfies it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp persistence.Checkpoint) error
	LoadCheckpoint(ctx context.Context, sessionID string) (*persistence.Checkpoint, error)
}

// Options configures an Orchestrator. MaxIterations must be positive.
type Options struct {
	SessionID     string
	Mode          string
	MaxIterations int
	// HistoryTokenBudget bounds the history sent per request; 0 sends all.
	HistoryTokenBudget int

	// Tree mode only. A nil Tree starts an unpersisted empty tree.
	Tree      *tasktree.Tree
	Strategy  string
	Templates map[string][]tasktree.Step
	Template  string

	Checkpoints CheckpointStore
	// Resume continues a session whose last checkpoint is still running.
	Resume bool

	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

// Orchestrator drives one session. It is not safe for concurrent Runs.
type Orchestrator struct {
	ec      *tools.ExecContext
	collab  Collaborator
	opts    Options
	tree    *tasktree.Tree
	planner tasktree.Planner
	tracer  trace.Tracer
	metrics *otel.Metrics
	logger  *slog.Logger

	state      ConversationState
	goal       string
	executions int
	lastReply  string
}

func New(ec *tools.ExecContext, collab Collaborator, opts Options) (*Orchestrator, error) {
	if ec == nil || ec.Registry == nil || ec.Policy == nil {
		return nil, errors.New("orchestrator: execution context with registry and policy required")
	}
	if collab == nil {
		return nil, errors.New("orchestrator: collaborator required")
	}
	if opts.MaxIterations <= 0 {
		return nil, fmt.Errorf("orchestrator: max iterations must be positive, got %d", opts.MaxIterations)
	}
	if opts.SessionID == "" {
		opts.SessionID = ec.SessionID
	}
	if opts.Mode == "" {
		opts.Mode = ModeDirect
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Noop().Tracer
	}
	if opts.Metrics == nil {
		opts.Metrics = otel.NoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	o := &Orchestrator{
		ec:      ec,
		collab:  collab,
		opts:    opts,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("session_id", opts.SessionID, "mode", opts.Mode),
	}
	switch opts.Mode {
	case ModeDirect:
	case ModeTree:
		o.tree = opts.Tree
		if o.tree == nil {
			o.tree = tasktree.New(ec, tasktree.Options{SessionID: opts.SessionID, Bus: opts.Bus, Metrics: opts.Metrics, Logger: opts.Logger})
		}
		p, err := tasktree.NewPlanner(opts.Strategy, opts.Templates, opts.Template, treeProposer{o})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		o.planner = p
	default:
		return nil, fmt.Errorf("orchestrator: unknown mode %q", opts.Mode)
	}
	return o, nil
}

// Tree returns the task tree driven in tree mode, or nil.
func (o *Orchestrator) Tree() *tasktree.Tree { return o.tree }

// State returns a copy of the conversation state.
func (o *Orchestrator) State() ConversationState {
	s := o.state
	s.History = append([]Message(nil), o.state.History...)
	return s
}

// Run drives the session to one of the terminal statuses. The returned
// error reports infrastructure failures only; policy, depth and
// collaborator aborts are described by the Report.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Report, error) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "engine.run",
		otel.AttrSessionID.String(o.opts.SessionID), otel.AttrMode.String(o.opts.Mode))
	ctx = withCorrelation(ctx, o.opts.SessionID)
	rep, err := o.run(ctx, goal)
	if rep != nil {
		rep.TraceID = shared.TraceID(ctx)
	}
	otel.EndSpan(span, err)
	return rep, err
}

// withCorrelation tags ctx with the session and a trace id so audit events
// and log lines from every layer can be joined. An active span's trace id
// is reused.
func withCorrelation(ctx context.Context, sessionID string) context.Context {
	ctx = shared.WithSessionID(ctx, sessionID)
	if shared.TraceID(ctx) != "-" {
		return ctx
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return shared.WithTraceID(ctx, sc.TraceID().String())
	}
	return shared.WithTraceID(ctx, shared.NewTraceID())
}

func (o *Orchestrator) run(ctx context.Context, goal string) (*Report, error) {
	o.state = ConversationState{MaxIterations: o.opts.MaxIterations}
	o.executions = 0
	if !o.resume(ctx) {
		goal = strings.TrimSpace(goal)
		if goal == "" {
			return nil, errors.New("goal is required")
		}
		o.state.History = []Message{{Role: RoleUser, Content: goal}}
	}
	o.goal = o.state.History[0].Content

	o.opts.Bus.Publish(bus.TopicLoopStarted, bus.IterationEvent{
		SessionID:     o.opts.SessionID,
		Mode:          o.opts.Mode,
		Iteration:     o.state.Iteration,
		MaxIterations: o.state.MaxIterations,
	})
	o.logger.InfoContext(ctx, "session started", "max_iterations", o.state.MaxIterations, "policy_version", o.ec.Policy.Version())

	var (
		rep *Report
		err error
	)
	if o.opts.Mode == ModeTree {
		rep, err = o.runTree(ctx)
	} else {
		rep, err = o.runDirect(ctx)
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "session failed", "error", err, "iteration", o.state.Iteration)
		return nil, err
	}

	rep.SessionID = o.opts.SessionID
	rep.Mode = o.opts.Mode
	rep.Iterations = o.state.Iteration
	rep.ToolExecutions = o.executions
	rep.PolicyVersion = o.ec.Policy.Version()
	rep.Policy = o.ec.Policy.Summary()
	if o.tree != nil {
		rep.Tree = o.tree.Snapshot()
	}

	// The final checkpoint must land even if ctx was cancelled.
	o.checkpoint(context.WithoutCancel(ctx), rep.Status)
	o.opts.Bus.Publish(bus.TopicLoopStopped, bus.StoppedEvent{
		SessionID:  o.opts.SessionID,
		Status:     string(rep.Status),
		Iterations: rep.Iterations,
	})
	o.logger.InfoContext(ctx, "session finished", "status", string(rep.Status), "iterations", rep.Iterations, "tool_executions", rep.ToolExecutions)
	return rep, nil
}

func (o *Orchestrator) runDirect(ctx context.Context) (*Report, error) {
	for o.state.Iteration < o.state.MaxIterations {
		if ctx.Err() != nil {
			return &Report{Status: StatusCancelled, Final: o.lastReply}, nil
		}
		o.beginIteration(ctx)

		prop, err := o.propose(ctx, nil)
		if err != nil {
			return o.collaboratorFailure(ctx, err), nil
		}
		o.record(prop)
		if len(prop.Calls) == 0 {
			return &Report{Status: StatusCompleted, Final: prop.Message}, nil
		}
		for _, call := range prop.Calls {
			res := o.ec.Registry.Dispatch(ctx, o.ec, call.Tool, call.Params)
			o.afterExecution(ctx, call, "", res)
			if v := o.strictViolation(res, call, ""); v != nil {
				return &Report{Status: StatusPolicyViolation, Violation: v, Final: o.lastReply}, nil
			}
			if ctx.Err() != nil {
				return &Report{Status: StatusCancelled, Final: o.lastReply}, nil
			}
		}
		o.checkpoint(ctx, StatusRunning)
	}
	return o.exhausted(), nil
}

func (o *Orchestrator) runTree(ctx context.Context) (*Report, error) {
	var deadEnd *tasktree.Node
	for o.state.Iteration < o.state.MaxIterations {
		if ctx.Err() != nil {
			return &Report{Status: StatusCancelled, Final: o.lastReply}, nil
		}
		o.beginIteration(ctx)

		id, err := o.nextBound(ctx)
		if err != nil {
			return nil, err
		}
		if id == "" {
			proposed, err := o.plan(ctx)
			if err != nil {
				if isInfraError(err) {
					return nil, err
				}
				return o.collaboratorFailure(ctx, err), nil
			}
			if id, err = o.nextBound(ctx); err != nil {
				return nil, err
			}
			if id == "" {
				if proposed > 0 {
					// Every proposed step was rejected; the rejections are in
					// the history for the next request.
					o.checkpoint(ctx, StatusRunning)
					continue
				}
				if deadEnd != nil {
					return &Report{
						Status: StatusTreeDepthExceeded,
						Final:  o.lastReply,
						Failure: &FailureSummary{
							Reason:    fmt.Sprintf("node failed at depth %d and cannot be expanded within max depth %d", deadEnd.Depth, o.tree.MaxDepth()),
							NodeID:    deadEnd.ID,
							NodeTitle: deadEnd.Title,
							Counts:    o.tree.Counts(),
						},
					}, nil
				}
				return &Report{Status: StatusCompleted, Final: o.lastReply}, nil
			}
		}

		node, _ := o.tree.Get(id)
		o.state.ActiveNodeID = id
		res, err := o.tree.ExecuteNode(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return &Report{Status: StatusCancelled, Final: o.lastReply}, nil
			}
			return nil, fmt.Errorf("execute node %s: %w", id, err)
		}
		call := ToolCall{ID: id, Tool: node.Tool(), Params: node.Binding.Params, Title: node.Title}
		o.afterExecution(ctx, call, id, res)
		if v := o.strictViolation(res, call, id); v != nil {
			return &Report{Status: StatusPolicyViolation, Violation: v, Final: o.lastReply}, nil
		}
		if ctx.Err() != nil {
			// The node outcome is already saved; a cancelled run does not expand it.
			return &Report{Status: StatusCancelled, Final: o.lastReply}, nil
		}

		if res.Success {
			deadEnd = nil
		}
		if _, err := o.tree.AutoExpand(ctx, id); err != nil {
			if !errors.Is(err, tasktree.ErrTreeDepthExceeded) {
				return nil, fmt.Errorf("expand node %s: %w", id, err)
			}
			o.logger.Warn("expansion blocked by max depth", "node_id", id, "depth", node.Depth)
			if !res.Success {
				n, _ := o.tree.Get(id)
				deadEnd = &n
			}
		}
		o.checkpoint(ctx, StatusRunning)
	}
	return o.exhausted(), nil
}

// nextBound returns the first ready node with a binding, completing ready
// grouping nodes on the way. "" means nothing is runnable.
func (o *Orchestrator) nextBound(ctx context.Context) (string, error) {
	for {
		settled := false
		for _, id := range o.tree.NextReady() {
			n, ok := o.tree.Get(id)
			if !ok {
				continue
			}
			if n.Binding != nil {
				return id, nil
			}
			if err := o.tree.CompleteGroup(ctx, id); err != nil {
				return "", fmt.Errorf("complete group %s: %w", id, err)
			}
			settled = true
		}
		if !settled {
			return "", nil
		}
	}
}

// plan asks the planner for steps and seeds them under the active node
// when it completed, or as roots. It returns the number of steps proposed.
func (o *Orchestrator) plan(ctx context.Context) (int, error) {
	snap := o.tree.Snapshot()
	if o.opts.Strategy == tasktree.StrategyTemplate && snap != nil && len(snap.Nodes) > 0 {
		// A template seeds the tree once.
		return 0, nil
	}
	steps, err := o.planner.Plan(ctx, tasktree.PlanRequest{
		Goal:  o.goal,
		Tree:  snap,
		Tools: o.ec.Registry.Schemas(),
	})
	if err != nil {
		return 0, err
	}
	if len(steps) == 0 {
		return 0, nil
	}
	parent := ""
	if n, ok := o.tree.Get(o.state.ActiveNodeID); ok && n.Status == tasktree.StatusCompleted && n.Depth < o.tree.MaxDepth() {
		parent = n.ID
	}
	ids, err := o.tree.Seed(ctx, steps, parent)
	if err != nil {
		if !errors.Is(err, tasktree.ErrTreeDepthExceeded) && !errors.Is(err, tasktree.ErrUnknownTool) {
			return 0, &infraError{fmt.Errorf("seed plan: %w", err)}
		}
		o.logger.Warn("plan steps rejected", "error", err, "accepted", len(ids), "proposed", len(steps))
		o.state.History = append(o.state.History, Message{
			Role:    RoleTool,
			Content: fmt.Sprintf("plan rejected in part: %v (%d of %d steps accepted)", err, len(ids), len(steps)),
		})
	}
	o.logger.Debug("plan seeded", "parent_id", parent, "nodes", len(ids))
	return len(steps), nil
}

// treeProposer lets the model planner ask the collaborator for steps.
type treeProposer struct{ o *Orchestrator }

func (p treeProposer) ProposeSteps(ctx context.Context, req tasktree.PlanRequest) ([]tasktree.Step, error) {
	prop, err := p.o.propose(ctx, req.Tree)
	if err != nil {
		return nil, err
	}
	p.o.record(prop)
	steps := make([]tasktree.Step, 0, len(prop.Calls))
	for _, c := range prop.Calls {
		title := c.Title
		if title == "" {
			title = c.Tool
		}
		steps = append(steps, tasktree.Step{Title: title, Tool: c.Tool, Params: c.Params})
	}
	return steps, nil
}

func (o *Orchestrator) propose(ctx context.Context, snap *tasktree.Snapshot) (Proposal, error) {
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "collaborator.propose",
		otel.AttrSessionID.String(o.opts.SessionID), otel.AttrIteration.Int(o.state.Iteration))
	start := time.Now()
	prop, err := o.collab.Propose(ctx, Request{
		SessionID: o.opts.SessionID,
		History:   o.state.Window(o.opts.HistoryTokenBudget),
		Tools:     o.ec.Registry.Schemas(),
		Tree:      snap,
	})
	o.metrics.CollaboratorDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrMode.String(o.opts.Mode)))
	otel.EndSpan(span, err)
	if err != nil {
		return Proposal{}, err
	}
	for i := range prop.Calls {
		if prop.Calls[i].ID == "" {
			prop.Calls[i].ID = uuid.NewString()
		}
	}
	return prop, nil
}

func (o *Orchestrator) record(prop Proposal) {
	o.state.History = append(o.state.History, Message{Role: RoleAssistant, Content: prop.Message, Calls: prop.Calls})
	if prop.Message != "" {
		o.lastReply = prop.Message
	}
}

func (o *Orchestrator) beginIteration(ctx context.Context) {
	o.state.Iteration++
	o.metrics.LoopIterations.Add(ctx, 1, metric.WithAttributes(otel.AttrMode.String(o.opts.Mode)))
	o.opts.Bus.Publish(bus.TopicLoopIteration, bus.IterationEvent{
		SessionID:     o.opts.SessionID,
		Mode:          o.opts.Mode,
		Iteration:     o.state.Iteration,
		MaxIterations: o.state.MaxIterations,
	})
	o.logger.Debug("iteration started", "iteration", o.state.Iteration)
}

func (o *Orchestrator) afterExecution(_ context.Context, call ToolCall, nodeID string, res tools.Result) {
	o.executions++
	o.state.History = append(o.state.History, toolMessage(call, res))
	o.opts.Bus.Publish(bus.TopicToolExecuted, bus.ToolExecutedEvent{
		SessionID: o.opts.SessionID,
		CallID:    call.ID,
		NodeID:    nodeID,
		Tool:      call.Tool,
		Success:   res.Success,
		ErrorKind: string(res.ErrorKind()),
	})
}

func (o *Orchestrator) strictViolation(res tools.Result, call ToolCall, nodeID string) *ViolationReport {
	if !o.ec.Policy.Strict() || !res.IsViolation() {
		return nil
	}
	o.logger.Warn("strict mode violation; aborting session", "tool", call.Tool, "violation_kind", string(res.ViolationKind()))
	return &ViolationReport{
		Iteration:     o.state.Iteration,
		CallID:        call.ID,
		NodeID:        nodeID,
		Tool:          call.Tool,
		Kind:          res.ViolationKind(),
		Error:         res.Error,
		PolicyVersion: o.ec.Policy.Version(),
	}
}

func (o *Orchestrator) collaboratorFailure(ctx context.Context, err error) *Report {
	if ctx.Err() != nil {
		return &Report{Status: StatusCancelled, Final: o.lastReply}
	}
	class := ClassifyError(err)
	o.logger.Error("collaborator failed", "error", err, "error_class", string(class), "iteration", o.state.Iteration)
	return &Report{
		Status:  StatusCollaboratorError,
		Final:   o.lastReply,
		Failure: &FailureSummary{Reason: err.Error(), ErrorClass: class},
	}
}

func (o *Orchestrator) exhausted() *Report {
	notice := fmt.Sprintf("Completed %d iterations", o.state.Iteration)
	if o.lastReply != "" {
		notice += ". Last response: " + o.lastReply
	}
	o.logger.Warn("iteration budget exhausted", "max_iterations", o.state.MaxIterations)
	return &Report{Status: StatusBudgetExhausted, Final: o.lastReply, Notice: notice}
}

func (o *Orchestrator) checkpoint(ctx context.Context, status Status) {
	if o.opts.Checkpoints == nil {
		return
	}
	history, err := json.Marshal(o.state.History)
	if err != nil {
		o.logger.Error("failed to encode checkpoint history", "error", err)
		return
	}
	cp := persistence.Checkpoint{
		SessionID:     o.opts.SessionID,
		Mode:          o.opts.Mode,
		Iteration:     o.state.Iteration,
		MaxIterations: o.state.MaxIterations,
		Status:        string(status),
		ActiveNodeID:  o.state.ActiveNodeID,
		History:       string(history),
	}
	if err := o.opts.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		o.logger.Error("failed to save checkpoint", "iteration", o.state.Iteration, "error", err)
	}
}

// resume restores history and iteration count from a running checkpoint.
func (o *Orchestrator) resume(ctx context.Context) bool {
	if !o.opts.Resume || o.opts.Checkpoints == nil {
		return false
	}
	cp, err := o.opts.Checkpoints.LoadCheckpoint(ctx, o.opts.SessionID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			o.logger.Warn("cannot load checkpoint; starting fresh", "error", err)
		}
		return false
	}
	if cp.Status != string(StatusRunning) || cp.Mode != o.opts.Mode {
		o.logger.Info("checkpoint not resumable", "status", cp.Status, "checkpoint_mode", cp.Mode)
		return false
	}
	var history []Message
	if err := json.Unmarshal([]byte(cp.History), &history); err != nil || len(history) == 0 {
		o.logger.Warn("checkpoint history unreadable; starting fresh", "error", err)
		return false
	}
	o.state.History = history
	o.state.Iteration = cp.Iteration
	o.state.ActiveNodeID = cp.ActiveNodeID
	o.logger.Info("resuming from checkpoint", "iteration", cp.Iteration)
	return true
}

// infraError marks failures of the runtime itself rather than the
// collaborator.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func isInfraError(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}
