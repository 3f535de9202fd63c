package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/doctor"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
)

// checkSessionID tags audit events written by `warden check`.
const checkSessionID = "cli-check"

func newCheckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the policy whether a path or command would be allowed",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path <path>...",
			Short: "Validate filesystem paths against the policy",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				enf, err := a.checkEnforcer(cmd.Context())
				if err != nil {
					return err
				}
				return a.printChecks(args, func(p string) (string, error) {
					return enf.ValidatePath(cmd.Context(), p)
				})
			},
		},
		&cobra.Command{
			Use:   "command <command line>",
			Short: "Validate a command line against the policy",
			// The command line's own flags (rm -rf) belong to it, not to warden.
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
					return cmd.Help()
				}
				if len(args) == 0 {
					return &exitError{code: exitUsage, err: errors.New("a command line is required")}
				}
				enf, err := a.checkEnforcer(cmd.Context())
				if err != nil {
					return err
				}
				line := strings.Join(args, " ")
				return a.printChecks([]string{line}, func(l string) (string, error) {
					return "", enf.ValidateCommand(cmd.Context(), l)
				})
			},
		},
	)
	return cmd
}

func (a *app) checkEnforcer(ctx context.Context) (*policy.Enforcer, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := policy.Load(a.cfg.PolicyPath(), cwd)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return policy.New(cfg, audit.NewRecorder(store.AuditSink(), checkSessionID, a.logger), a.logger)
}

type checkResult struct {
	Subject   string               `json:"subject"`
	Allowed   bool                 `json:"allowed"`
	Canonical string               `json:"canonical,omitempty"`
	Kind      policy.ViolationKind `json:"violation_kind,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

func (a *app) printChecks(subjects []string, check func(string) (string, error)) error {
	results := make([]checkResult, 0, len(subjects))
	denied := false
	for _, s := range subjects {
		canonical, err := check(s)
		r := checkResult{Subject: s, Allowed: err == nil, Canonical: canonical}
		if err != nil {
			denied = true
			r.Reason = err.Error()
			if v, ok := policy.AsViolation(err); ok {
				r.Kind = v.Kind
				r.Reason = v.Reason
			}
		}
		results = append(results, r)
	}

	if a.jsonOut {
		if err := writeJSON(a.stdout, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Allowed {
				detail := ""
				if r.Canonical != "" && r.Canonical != r.Subject {
					detail = " -> " + r.Canonical
				}
				fmt.Fprintf(a.stdout, "%s %s%s\n", styleOK.Render("allow"), r.Subject, detail)
				continue
			}
			fmt.Fprintf(a.stdout, "%s %s: %s\n", styleBad.Render("deny "), r.Subject, r.Reason)
		}
	}
	if denied {
		return &exitError{code: exitDenied}
	}
	return nil
}

func newTreeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Inspect persisted task trees",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's task tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			snap, err := store.Snapshots().Load(cmd.Context(), args[0])
			if errors.Is(err, tasktree.ErrNoSnapshot) {
				return fmt.Errorf("no task tree for session %s", args[0])
			}
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.stdout, snap)
			}
			fmt.Fprint(a.stdout, renderTree(snap, a.interactive()))
			return nil
		},
	})
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	var (
		session string
		outcome string
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List audited policy decisions, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			f := persistence.AuditFilter{SessionID: session, Limit: limit}
			switch strings.ToLower(outcome) {
			case "":
			case string(audit.OutcomeAllow), string(audit.OutcomeDeny):
				f.Outcome = audit.Outcome(strings.ToLower(outcome))
			default:
				return fmt.Errorf("--outcome must be allow or deny, got %q", outcome)
			}
			events, err := store.ListAuditEvents(cmd.Context(), f)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.stdout, events)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSESSION\tOPERATION\tOUTCOME\tKIND\tSUBJECT\tREASON")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.Timestamp.Local().Format(time.DateTime), ev.SessionID, ev.Operation,
					ev.Outcome, ev.ViolationKind, ev.Subject, ev.Reason)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&session, "session", "", "only this session")
	list.Flags().StringVar(&outcome, "outcome", "", "only allow or deny decisions")
	list.Flags().IntVar(&limit, "limit", 100, "maximum events")

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the append-only audit trail",
	}
	cmd.AddCommand(list)
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(a.stdout, sessions)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tMODE\tPOLICY\tGOAL")
			for _, s := range sessions {
				status := ""
				if cp, err := store.LoadCheckpoint(cmd.Context(), s.ID); err == nil {
					status = fmt.Sprintf(" [%s %d/%d]", cp.Status, cp.Iteration, cp.MaxIterations)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s%s\n", s.ID, s.CreatedAt.Local().Format(time.DateTime),
					s.Mode, s.PolicyVersion, truncate(s.Goal, 60), status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions (1-100)")
	return cmd
}

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Describe the built-in tools and their parameters",
		RunE: func(*cobra.Command, []string) error {
			reg := tools.NewRegistry(tools.WithLogger(a.logger))
			if err := tools.RegisterBuiltins(reg, nil); err != nil {
				return err
			}
			if err := reg.Register(tasktree.TaskTool{}); err != nil {
				return err
			}
			schemas := reg.Schemas()
			if a.jsonOut {
				out := make(map[string]any, len(schemas))
				for _, s := range schemas {
					out[s.Name] = map[string]any{"description": s.Description, "parameters": s.JSONSchema()}
				}
				return writeJSON(a.stdout, out)
			}
			for _, s := range schemas {
				fmt.Fprintf(a.stdout, "%s\n  %s\n", styleTitle.Render(s.Name), s.Summary())
			}
			return nil
		},
	}
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if err := store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "backup written to %s\n", args[0])
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func newDoctorCmd(a *app) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, policy, database and provider access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			d := doctor.Run(cmd.Context(), &a.cfg, doctor.Options{Version: Version, WorkDir: cwd, Offline: offline})
			if a.jsonOut {
				if err := writeJSON(a.stdout, d); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(a.stdout, "warden %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				for _, r := range d.Results {
					st := styleOK
					switch r.Status {
					case doctor.StatusFail:
						st = styleBad
					case doctor.StatusWarn:
						st = styleWarn
					case doctor.StatusSkip:
						st = styleDim
					}
					fmt.Fprintf(a.stdout, "%s %-12s %s\n", st.Render(fmt.Sprintf("[%s]", r.Status)), r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(a.stdout, "%s\n", styleDim.Render("       "+r.Detail))
					}
				}
			}
			if d.Failed() {
				return &exitError{code: exitFailure}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the provider DNS check")
	return cmd
}
