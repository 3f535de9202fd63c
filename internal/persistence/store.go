// Package persistence is the sqlite store behind the audit trail, task tree
// snapshots, conversation checkpoints and session records.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type migration struct {
	version  int
	checksum string
	stmts    []string
}

// migrations are applied in order; an applied migration's checksum must
// never change.
var migrations = []migration{
	{
		version:  1,
		checksum: "warden-v1-sessions-audit-tree-checkpoints",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				working_directory TEXT NOT NULL,
				mode TEXT NOT NULL,
				policy_version TEXT NOT NULL,
				goal TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS audit_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME NOT NULL,
				session_id TEXT NOT NULL,
				operation TEXT NOT NULL,
				outcome TEXT NOT NULL CHECK(outcome IN ('allow', 'deny')),
				violation_kind TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				policy_version TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TRIGGER IF NOT EXISTS audit_events_no_update
				BEFORE UPDATE ON audit_events
				BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
				BEFORE DELETE ON audit_events
				BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;`,
			`CREATE INDEX IF NOT EXISTS idx_audit_session_time ON audit_events(session_id, id);`,
			`CREATE TABLE IF NOT EXISTS tree_snapshots (
				session_id TEXT PRIMARY KEY,
				max_depth INTEGER NOT NULL,
				node_count INTEGER NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS conversation_checkpoints (
				session_id TEXT PRIMARY KEY,
				mode TEXT NOT NULL,
				iteration INTEGER NOT NULL,
				max_iterations INTEGER NOT NULL,
				status TEXT NOT NULL,
				active_node_id TEXT NOT NULL DEFAULT '',
				history TEXT NOT NULL DEFAULT '[]',
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
	},
	{
		version:  2,
		checksum: "warden-v2-policy-versions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS policy_versions (
				policy_version TEXT PRIMARY KEY,
				config TEXT NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
		},
	},
	{
		version:  3,
		checksum: "warden-v3-audit-correlation",
		stmts: []string{
			`ALTER TABLE audit_events ADD COLUMN node_id TEXT NOT NULL DEFAULT '';`,
			`ALTER TABLE audit_events ADD COLUMN trace_id TEXT NOT NULL DEFAULT '';`,
		},
	},
}

func latestVersion() int { return migrations[len(migrations)-1].version }

type Store struct {
	db *sql.DB
}

// DefaultDBPath is the database location under the warden home directory.
func DefaultDBPath(home string) string {
	return filepath.Join(home, "warden.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter. maxRetries=5 gives ~3s total
// wait on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches BUSY (5) and LOCKED (6) by message so callers need
// not import the driver package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// migrate verifies the ledger checksums of applied migrations and applies
// the rest in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > latestVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latestVersion())
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing)
			if err != nil {
				return fmt.Errorf("read schema migration checksum v%d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Backup writes an online-consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}
