package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/engine"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
)

type runFlags struct {
	mode          string
	maxIterations int
	strategy      string
	template      string
	script        string
	session       string
	resume        bool
	workdir       string
	strict        bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run an agent session toward a goal",
		Example: `  warden run "make the tests in ./pkg pass"
  warden run --mode tree --strategy hybrid --template triage "fix the build"
  warden run --script session.jsonl "replay a recorded session"
  warden run --session 0b6e... --resume`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := strings.TrimSpace(strings.Join(args, " "))
			if goal == "" && !f.resume {
				return &exitError{code: exitUsage, err: errors.New("a goal is required unless --resume is set")}
			}
			if f.resume && f.session == "" {
				return &exitError{code: exitUsage, err: errors.New("--resume requires --session")}
			}
			rep, err := a.runSession(cmd.Context(), goal, f, cmd.Flags().Changed("strict"))
			if err != nil {
				return err
			}
			if err := a.printReport(rep); err != nil {
				return err
			}
			switch {
			case rep.Status == engine.StatusCancelled:
				return &exitError{code: exitCancelled}
			case rep.Status.Fatal():
				return &exitError{code: exitAborted}
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.mode, "mode", "", "orchestration mode: direct or tree")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "iteration budget (overrides config)")
	fl.StringVar(&f.strategy, "strategy", "", "tree planning strategy: template, model or hybrid")
	fl.StringVar(&f.template, "template", "", "plan template name for template/hybrid strategies")
	fl.StringVar(&f.script, "script", "", "replay proposals from a JSONL script instead of a model")
	fl.StringVar(&f.session, "session", "", "session ID (default: new random ID)")
	fl.BoolVar(&f.resume, "resume", false, "continue the session's last running checkpoint")
	fl.StringVar(&f.workdir, "workdir", "", "working directory inside the policy base directory")
	fl.BoolVar(&f.strict, "strict", false, "abort the session on the first policy violation")
	return cmd
}

func (f runFlags) apply(cfg *config.Config) error {
	if f.mode != "" {
		cfg.Session.Mode = strings.ToLower(f.mode)
	}
	if f.maxIterations != 0 {
		cfg.Session.MaxIterations = f.maxIterations
	}
	if f.strategy != "" {
		cfg.Tree.Strategy = strings.ToLower(f.strategy)
	}
	if f.template != "" {
		cfg.Tree.Template = f.template
	}
	if f.script != "" {
		cfg.LLM.Provider = "scripted"
		cfg.LLM.Script = f.script
	}
	return cfg.Validate()
}

func (a *app) runSession(ctx context.Context, goal string, f runFlags, strictSet bool) (*engine.Report, error) {
	cfg := a.cfg
	if err := f.apply(&cfg); err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	logger := a.logger

	prov, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = prov.Shutdown(context.WithoutCancel(ctx)) }()
	metrics, err := otel.NewMetrics(prov.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	sessionID := f.session
	if sessionID == "" {
		sessionID = shared.NewSessionID()
	}
	logger = logger.With("session_id", sessionID)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	polCfg, err := policy.Load(cfg.PolicyPath(), cwd)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if strictSet {
		polCfg.StrictMode = f.strict
	}

	jsonl, err := audit.OpenJSONL(audit.DefaultPath(cfg.HomeDir))
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.closers = append(a.closers, jsonl.Close)
	recorder := audit.NewRecorder(audit.MultiSink{store.AuditSink(), jsonl}, sessionID, logger)
	enf, err := policy.New(polCfg, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	frozen, _ := json.Marshal(enf.Config())
	if err := store.RecordPolicyVersion(ctx, enf.Version(), string(frozen), cfg.PolicyPath()); err != nil {
		return nil, err
	}
	if err := store.EnsureSession(ctx, persistence.Session{
		ID:               sessionID,
		WorkingDirectory: enf.BaseDirectory(),
		Mode:             cfg.Session.Mode,
		PolicyVersion:    enf.Version(),
		Goal:             goal,
	}); err != nil {
		return nil, err
	}

	reg := tools.NewRegistry(tools.WithTracer(prov.Tracer), tools.WithMetrics(metrics), tools.WithLogger(logger))
	var exe tools.Executor
	if cfg.Sandbox.Enabled {
		sb, err := tools.NewDockerSandbox(cfg.Sandbox.Docker, enf.BaseDirectory())
		if err != nil {
			return nil, fmt.Errorf("sandbox: %w", err)
		}
		exe = sb
		logger.Info("execute tool sandboxed in docker", "image", cfg.Sandbox.Docker.Image)
	}
	if err := tools.RegisterBuiltins(reg, exe); err != nil {
		return nil, err
	}
	ec, err := tools.NewExecContext(ctx, sessionID, f.workdir, nil, reg, enf, logger)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	if a.interactive() && !a.jsonOut {
		stopProgress := startProgress(ctx, b, a.stderr)
		defer stopProgress()
	}

	// Tree mode plans in the tree; direct mode hands it to the model as
	// its task list.
	tree, err := tasktree.Restore(ctx, ec, tasktree.Options{
		SessionID:   sessionID,
		MaxDepth:    cfg.Tree.MaxDepth,
		MaxChildren: cfg.Tree.MaxChildren,
		Store:       store.Snapshots(),
		Bus:         b,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("restore task tree: %w", err)
	}
	var planTree *tasktree.Tree
	if cfg.Session.Mode == config.ModeTree {
		planTree = tree
	} else if err := reg.Register(tasktree.TaskTool{Tree: tree}); err != nil {
		return nil, err
	}

	collab, err := a.collaborator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	w := config.NewWatcher(cfg, logger)
	if err := w.Start(watchCtx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range w.Events() {
				if a.interactive() {
					fmt.Fprintf(a.stderr, "note: %s changed; it applies to the next session\n", ev.Path)
				}
			}
		}()
	}

	orch, err := engine.New(ec, collab, engine.Options{
		SessionID:          sessionID,
		Mode:               cfg.Session.Mode,
		MaxIterations:      cfg.Session.MaxIterations,
		HistoryTokenBudget: cfg.Session.HistoryTokenBudget,
		Tree:               planTree,
		Strategy:           cfg.Tree.Strategy,
		Templates:          cfg.Tree.Templates,
		Template:           cfg.Tree.Template,
		Checkpoints:        store,
		Resume:             f.resume,
		Bus:                b,
		Tracer:             prov.Tracer,
		Metrics:            metrics,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx, goal)
}

func (a *app) collaborator(ctx context.Context, cfg config.Config) (engine.Collaborator, error) {
	if cfg.LLM.Provider == "scripted" {
		sc, err := engine.LoadScript(cfg.LLM.Script)
		if err != nil {
			return nil, err
		}
		a.logger.Info("replaying scripted collaborator", "script", cfg.LLM.Script, "proposals", sc.Remaining())
		return sc, nil
	}
	p := cfg.LLM.Provider
	return engine.NewGenkitCollaborator(ctx, engine.GenkitConfig{
		Provider:       p,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.ProviderAPIKey(p),
		BaseURL:        cfg.ProviderBaseURL(p),
		CompatibleName: cfg.LLM.CompatibleName,
		Logger:         a.logger,
	})
}
