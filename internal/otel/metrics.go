package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the warden instruments.
type Metrics struct {
	ToolDuration         metric.Float64Histogram
	ToolErrors           metric.Int64Counter
	PolicyViolations     metric.Int64Counter
	TreeNodesCreated     metric.Int64Counter
	LoopIterations       metric.Int64Counter
	CollaboratorDuration metric.Float64Histogram
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ToolDuration, err = meter.Float64Histogram("warden.tool.duration",
		metric.WithDescription("Tool dispatch duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolErrors, err = meter.Int64Counter("warden.tool.errors",
		metric.WithDescription("Failed tool dispatches by error kind"),
	); err != nil {
		return nil, err
	}
	if m.PolicyViolations, err = meter.Int64Counter("warden.policy.violations",
		metric.WithDescription("Policy violations by kind"),
	); err != nil {
		return nil, err
	}
	if m.TreeNodesCreated, err = meter.Int64Counter("warden.tree.nodes",
		metric.WithDescription("Task tree nodes created"),
	); err != nil {
		return nil, err
	}
	if m.LoopIterations, err = meter.Int64Counter("warden.loop.iterations",
		metric.WithDescription("Orchestrator iterations executed"),
	); err != nil {
		return nil, err
	}
	if m.CollaboratorDuration, err = meter.Float64Histogram("warden.collaborator.duration",
		metric.WithDescription("Collaborator proposal latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Noop().Meter)
	return m
}
