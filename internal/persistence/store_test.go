package persistence_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tools"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.db")
	store, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestOpen_ConfiguresPragmasAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow(`PRAGMA journal_mode;`).Scan(&journal); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected wal journal mode, got %q", journal)
	}
	var sync int
	if err := db.QueryRow(`PRAGMA synchronous;`).Scan(&sync); err != nil {
		t.Fatalf("synchronous: %v", err)
	}
	if sync != 2 {
		t.Fatalf("expected synchronous=FULL (2), got %d", sync)
	}

	for _, table := range []string{"schema_migrations", "sessions", "audit_events", "tree_snapshots", "conversation_checkpoints", "policy_versions"} {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}

	var version int
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("max version: %v", err)
	}
	if version != 3 {
		t.Fatalf("expected schema version 3, got %d", version)
	}
}

func TestOpen_Reopen(t *testing.T) {
	store, path := openTestStore(t)
	if err := store.EnsureSession(context.Background(), persistence.Session{ID: "s1", WorkingDirectory: "/w", Mode: "direct", PolicyVersion: "v"}); err != nil {
		t.Fatalf("ensure session: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	sessions, err := again.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Fatalf("unexpected sessions after reopen: %+v", sessions)
	}
}

func TestOpen_ChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(path)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(path)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer schema error, got %v", err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := persistence.Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAuditSink_AppendOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	sink := store.AuditSink()

	events := []audit.Event{
		{Timestamp: time.Now(), SessionID: "s1", Operation: policy.OpValidatePath, Outcome: audit.OutcomeAllow, Subject: "/w/a", Reason: "inside base directory", PolicyVersion: "v1"},
		{Timestamp: time.Now(), SessionID: "s1", NodeID: "n1", TraceID: "t1", Operation: policy.OpValidateCommand, Outcome: audit.OutcomeDeny, ViolationKind: "command", Subject: "rm -rf /", Reason: "blocked", PolicyVersion: "v1"},
		{Timestamp: time.Now(), SessionID: "s2", Operation: policy.OpValidatePath, Outcome: audit.OutcomeDeny, ViolationKind: "path", Subject: "/etc", Reason: "outside base directory", PolicyVersion: "v1"},
	}
	for _, ev := range events {
		if err := sink.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := store.ListAuditEvents(ctx, persistence.AuditFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Subject != "/w/a" {
		t.Fatalf("unexpected events: %+v", all)
	}

	denied, err := store.ListAuditEvents(ctx, persistence.AuditFilter{SessionID: "s1", Outcome: audit.OutcomeDeny})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(denied) != 1 || denied[0].ViolationKind != "command" || denied[0].NodeID != "n1" || denied[0].TraceID != "t1" {
		t.Fatalf("unexpected filtered events: %+v", denied)
	}

	limited, err := store.ListAuditEvents(ctx, persistence.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 events, got %d", len(limited))
	}

	if _, err := store.DB().Exec(`UPDATE audit_events SET reason = 'edited';`); err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected update to be rejected, got %v", err)
	}
	if _, err := store.DB().Exec(`DELETE FROM audit_events;`); err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("expected delete to be rejected, got %v", err)
	}
	if err := sink.Append(ctx, audit.Event{Timestamp: time.Now(), Operation: "x", Outcome: "maybe"}); err == nil {
		t.Fatal("expected CHECK constraint to reject unknown outcome")
	}
}

func TestAuditSink_ThroughEnforcer(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := t.TempDir()

	rec := audit.NewRecorder(store.AuditSink(), "sess", nil)
	enf, err := policy.New(policy.DefaultConfig(base), rec, nil)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	if _, err := enf.ValidatePath(ctx, "notes.txt"); err != nil {
		t.Fatalf("validate path: %v", err)
	}
	if err := enf.ValidateCommand(ctx, "sudo ls"); err == nil {
		t.Fatal("expected sudo to be blocked")
	}

	events, err := store.ListAuditEvents(ctx, persistence.AuditFilter{SessionID: "sess"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audited decisions, got %d", len(events))
	}
	if events[1].Outcome != audit.OutcomeDeny || events[1].PolicyVersion != enf.Version() {
		t.Fatalf("unexpected deny event: %+v", events[1])
	}
	if rec.Stats().SinkFailures != 0 {
		t.Fatalf("unexpected sink failures: %+v", rec.Stats())
	}
}

func TestPolicyVersions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.PolicyConfig(ctx, "v1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RecordPolicyVersion(ctx, "v1", `{"strict_mode":true}`, "policy.yaml"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordPolicyVersion(ctx, "v1", `{"strict_mode":true}`, "defaults"); err != nil {
		t.Fatalf("record again: %v", err)
	}
	cfg, err := store.PolicyConfig(ctx, "v1")
	if err != nil {
		t.Fatalf("policy config: %v", err)
	}
	if cfg != `{"strict_mode":true}` {
		t.Fatalf("unexpected config %q", cfg)
	}
}

func TestSnapshots_SaveLoad(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	snaps := store.Snapshots()

	if _, err := snaps.Load(ctx, "none"); !errors.Is(err, tasktree.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	snap := &tasktree.Snapshot{
		SessionID: "s1",
		MaxDepth:  3,
		Nodes: []tasktree.Node{
			{ID: "n1", Title: "root", Status: tasktree.StatusCompleted, Priority: tasktree.PriorityHigh},
		},
	}
	if err := snaps.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap.Nodes = append(snap.Nodes, tasktree.Node{ID: "n2", Title: "child", ParentID: "n1", Depth: 1, Status: tasktree.StatusPending})
	snap.Nodes[0].Children = []string{"n2"}
	if err := snaps.Save(ctx, snap); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := snaps.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Nodes) != 2 || got.Nodes[0].Priority != tasktree.PriorityHigh || got.Nodes[1].ParentID != "n1" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestSnapshots_RestoreTree(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := t.TempDir()

	enf, err := policy.New(policy.DefaultConfig(base), nil, nil)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, nil); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	ec, err := tools.NewExecContext(ctx, "restore", "", nil, reg, enf, nil)
	if err != nil {
		t.Fatalf("exec context: %v", err)
	}

	opts := tasktree.Options{SessionID: "restore", Store: store.Snapshots()}
	tree := tasktree.New(ec, opts)
	root, err := tree.CreateNode(ctx, tasktree.NodeSpec{Title: "list", Binding: &tasktree.Binding{Tool: "list_directory"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tree.ExecuteNode(ctx, root); err != nil {
		t.Fatalf("execute: %v", err)
	}

	restored, err := tasktree.Restore(ctx, ec, opts)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	n, ok := restored.Get(root)
	if !ok || n.Status != tasktree.StatusCompleted {
		t.Fatalf("unexpected restored node: %+v", n)
	}
}

func TestCheckpoints(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.LoadCheckpoint(ctx, "s1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cp := persistence.Checkpoint{SessionID: "s1", Mode: "tree", Iteration: 1, MaxIterations: 5, Status: "running"}
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.Iteration = 2
	cp.ActiveNodeID = "n1"
	cp.History = `[{"role":"user","content":"hi"}]`
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := store.LoadCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Iteration != 2 || got.ActiveNodeID != "n1" || got.History != cp.History || got.Mode != "tree" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
}

func TestSessions_EnsureIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := persistence.Session{ID: "s1", WorkingDirectory: "/w", Mode: "direct", PolicyVersion: "v1", Goal: "first"}
	if err := store.EnsureSession(ctx, first); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second := first
	second.Goal = "second"
	if err := store.EnsureSession(ctx, second); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if err := store.EnsureSession(ctx, persistence.Session{ID: "s2", WorkingDirectory: "/w", Mode: "tree", PolicyVersion: "v1"}); err != nil {
		t.Fatalf("ensure s2: %v", err)
	}

	sessions, err := store.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	for _, s := range sessions {
		if s.ID == "s1" && s.Goal != "first" {
			t.Fatalf("session s1 was overwritten: %+v", s)
		}
	}
}

func TestBackup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if err := store.EnsureSession(ctx, persistence.Session{ID: "s1", WorkingDirectory: "/w", Mode: "direct", PolicyVersion: "v1"}); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatal("expected error when backup destination exists")
	}

	copyStore, err := persistence.Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	sessions, err := copyStore.ListSessions(ctx, 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("backup contents: %v %+v", err, sessions)
	}
}
