// Package audit records every policy decision in an append-only trail.
// Sinks only ever append; nothing in this package edits or removes an event.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/shared"
)

// Outcome of a policy decision.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// Event is one audited policy decision.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Operation     string    `json:"operation"`
	Outcome       Outcome   `json:"outcome"`
	ViolationKind string    `json:"violation_kind,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
}

// Sink persists audit events. Implementations must only append.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// JSONLSink appends events as JSON lines to a file opened with O_APPEND.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// DefaultPath returns the audit log location under a warden home directory.
func DefaultPath(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

// OpenJSONL opens (or creates) an append-only JSONL audit file.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &JSONLSink{file: f, path: path}, nil
}

func (s *JSONLSink) Append(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("audit log closed")
	}
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Path returns the file backing the sink.
func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadJSONL loads every event from a JSONL audit file in write order.
func ReadJSONL(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("audit line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// MemorySink keeps events in memory. Err, when set, is returned from Append
// after the event has been dropped, which lets tests simulate a broken sink.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (m *MemorySink) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// MultiSink appends to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) Append(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes what a Recorder has seen.
type Stats struct {
	Allowed      int64 `json:"allowed"`
	Denied       int64 `json:"denied"`
	SinkFailures int64 `json:"sink_failures"`
}

// Recorder stamps, redacts and forwards events to a Sink. A failing sink is
// reported on the fallback logger and never propagated to the caller.
type Recorder struct {
	sink      Sink
	sessionID string
	logger    *slog.Logger
	now       func() time.Time

	allowed  atomic.Int64
	denied   atomic.Int64
	failures atomic.Int64
}

func NewRecorder(sink Sink, sessionID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:      sink,
		sessionID: sessionID,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Record appends ev. Session, node and trace IDs missing from ev are taken
// from ctx. Safe on a nil Recorder.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	if ev.SessionID == "" {
		ev.SessionID = shared.SessionID(ctx)
	}
	if ev.SessionID == "" {
		ev.SessionID = r.sessionID
	}
	if ev.NodeID == "" {
		ev.NodeID = shared.NodeID(ctx)
	}
	if ev.TraceID == "" {
		if id := shared.TraceID(ctx); id != "-" {
			ev.TraceID = id
		}
	}
	ev.Subject = shared.Redact(ev.Subject)
	ev.Reason = shared.Redact(ev.Reason)

	if ev.Outcome == OutcomeDeny {
		r.denied.Add(1)
	} else {
		r.allowed.Add(1)
	}
	if r.sink == nil {
		return
	}
	if err := r.sink.Append(ctx, ev); err != nil {
		r.failures.Add(1)
		r.logger.Error("audit sink write failed",
			"error", err,
			"operation", ev.Operation,
			"node_id", ev.NodeID,
			"outcome", string(ev.Outcome),
			"violation_kind", ev.ViolationKind,
			"subject", ev.Subject,
			"reason", ev.Reason,
			"policy_version", ev.PolicyVersion,
		)
	}
}

func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		Allowed:      r.allowed.Load(),
		Denied:       r.denied.Load(),
		SinkFailures: r.failures.Load(),
	}
}
