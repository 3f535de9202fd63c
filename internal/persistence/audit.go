package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/warden/internal/audit"
)

// AuditSink appends audit events to the audit_events table. Triggers
// reject any UPDATE or DELETE on that table.
type AuditSink struct {
	s *Store
}

func (s *Store) AuditSink() *AuditSink { return &AuditSink{s: s} }

func (a *AuditSink) Append(ctx context.Context, ev audit.Event) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := a.s.db.ExecContext(ctx, `
			INSERT INTO audit_events
				(timestamp, session_id, node_id, trace_id, operation, outcome, violation_kind, subject, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			ev.Timestamp.UTC(), ev.SessionID, ev.NodeID, ev.TraceID, ev.Operation, string(ev.Outcome),
			ev.ViolationKind, ev.Subject, ev.Reason, ev.PolicyVersion,
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

// AuditFilter narrows ListAuditEvents. Zero fields match everything.
type AuditFilter struct {
	SessionID string
	Outcome   audit.Outcome
	Limit     int
}

// ListAuditEvents returns matching events, oldest first.
func (s *Store) ListAuditEvents(ctx context.Context, f AuditFilter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	q := `SELECT timestamp, session_id, node_id, trace_id, operation, outcome, violation_kind, subject, reason, policy_version FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			outcome string
		)
		if err := rows.Scan(&ev.Timestamp, &ev.SessionID, &ev.NodeID, &ev.TraceID, &ev.Operation, &outcome,
			&ev.ViolationKind, &ev.Subject, &ev.Reason, &ev.PolicyVersion); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Outcome = audit.Outcome(outcome)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit event rows: %w", err)
	}
	return out, nil
}

// RecordPolicyVersion remembers the config behind a policy fingerprint so
// audit decisions can be replayed against it.
func (s *Store) RecordPolicyVersion(ctx context.Context, version, configJSON, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (policy_version, config, source)
		VALUES (?, ?, ?)
		ON CONFLICT(policy_version) DO UPDATE SET last_seen = CURRENT_TIMESTAMP, source = excluded.source;
	`, version, configJSON, source)
	if err != nil {
		return fmt.Errorf("record policy version: %w", err)
	}
	return nil
}

// PolicyConfig returns the config JSON recorded for version.
func (s *Store) PolicyConfig(ctx context.Context, version string) (string, error) {
	var cfg string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM policy_versions WHERE policy_version = ?;`, version).Scan(&cfg)
	if err != nil {
		if isNoRows(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("policy config: %w", err)
	}
	return cfg, nil
}
