// Package tools defines the typed tool contract, the registry that
// dispatches calls through it, and the built-in filesystem and command
// tools. Every built-in resolves paths and commands through the session's
// policy.Enforcer before touching the host.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/policy"
)

// ErrDuplicateTool is returned by Register when the name is taken.
var ErrDuplicateTool = errors.New("duplicate tool")

// Tool is a named, schema-described operation.
type Tool interface {
	Schema() Schema
	// Execute runs the tool with parameters already validated against
	// Schema. A returned error becomes a failed Result classified by
	// Dispatch; tools may also return a failed Result directly.
	Execute(ctx context.Context, ec *ExecContext, params map[string]any) (Result, error)
}

type registered struct {
	tool     Tool
	schema   Schema
	compiled *jsonschema.Schema
}

// Registry maps tool names to tools. Registration happens at session
// construction; dispatch never mutates it.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
	order []string

	tracer  trace.Tracer
	metrics *otel.Metrics
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithTracer(t trace.Tracer) Option   { return func(r *Registry) { r.tracer = t } }
func WithMetrics(m *otel.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option   { return func(r *Registry) { r.logger = l } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]*registered)}
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Noop().Tracer
	}
	if r.metrics == nil {
		r.metrics = otel.NoopMetrics()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds t. Names are unique and the schema must compile.
func (r *Registry) Register(t Tool) error {
	s := t.Schema()
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("register tool: empty name")
	}
	compiled, err := s.compile()
	if err != nil {
		return fmt.Errorf("register tool %q: %w", s.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[s.Name]; exists {
		return fmt.Errorf("register tool %q: %w", s.Name, ErrDuplicateTool)
	}
	r.tools[s.Name] = &registered{tool: t, schema: s.clone(), compiled: compiled}
	r.order = append(r.order, s.Name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// Schemas lists registered schemas in registration order.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].schema.clone())
	}
	return out
}

// Dispatch validates params and invokes the named tool exactly once. It
// never returns an error: every failure, including a panic inside the
// tool, is folded into a failed Result.
func (r *Registry) Dispatch(ctx context.Context, ec *ExecContext, name string, params map[string]any) (res Result) {
	ctx, span := otel.StartSpan(ctx, r.tracer, "tool.dispatch", otel.AttrToolName.String(name))
	start := time.Now()
	defer func() {
		attrs := []attribute.KeyValue{otel.AttrToolName.String(name)}
		r.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if !res.Success {
			kind := res.ErrorKind()
			span.SetAttributes(otel.AttrErrorKind.String(string(kind)))
			r.metrics.ToolErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, otel.AttrErrorKind.String(string(kind)))...))
			if vk := res.ViolationKind(); vk != "" {
				span.SetAttributes(otel.AttrViolationKind.String(string(vk)))
				r.metrics.PolicyViolations.Add(ctx, 1, metric.WithAttributes(otel.AttrViolationKind.String(string(vk))))
			}
			otel.EndSpan(span, errors.New(res.Error))
			return
		}
		otel.EndSpan(span, nil)
	}()

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return refuse(ctx, ec, name, Fail(ErrorKindToolNotFound, fmt.Sprintf("tool %q is not registered", name), nil))
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := validateParams(reg.compiled, params); err != nil {
		return refuse(ctx, ec, name, Fail(ErrorKindParameterValidation, err.Error(), map[string]any{"tool": name}))
	}
	if ec == nil {
		return Fail(ErrorKindInternal, "missing execution context", nil)
	}

	res = r.invoke(ctx, ec, reg.tool, name, params)
	if res.Success {
		r.logger.DebugContext(ctx, "tool executed", "tool", name, "session_id", ec.SessionID)
	} else {
		r.logger.InfoContext(ctx, "tool failed", "tool", name, "session_id", ec.SessionID, "error_kind", string(res.ErrorKind()), "error", res.Error)
	}
	return res
}

// refuse audits a call rejected before the tool ran.
func refuse(ctx context.Context, ec *ExecContext, name string, res Result) Result {
	if ec != nil && ec.Policy != nil {
		ec.Policy.RecordRefusal(ctx, policy.OpDispatch, name, string(res.ErrorKind())+": "+res.Error)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, ec *ExecContext, t Tool, name string, params map[string]any) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "tool panicked", "tool", name, "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			res = Fail(ErrorKindInternal, fmt.Sprintf("tool %q panicked: %v", name, p), nil)
		}
	}()
	out, err := t.Execute(ctx, ec, params)
	if err != nil {
		return FromError(err)
	}
	return out
}

// validateParams checks params against the compiled schema. The JSON round
// trip normalizes Go values (ints, structs) to the JSON model the
// validator expects.
func validateParams(schema *jsonschema.Schema, params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("parameters are not JSON-encodable: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid parameters: %s", flattenValidationError(err))
	}
	return nil
}

var schemaPrinter = message.NewPrinter(language.English)

func flattenValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		var leaves []string
		collectLeaves(ve, &leaves)
		if len(leaves) > 0 {
			return strings.Join(leaves, "; ")
		}
	}
	return err.Error()
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(schemaPrinter)))
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
