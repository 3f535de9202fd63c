package tasktree

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/basket/warden/internal/tools"
)

// Planning strategies selectable by configuration.
const (
	StrategyTemplate = "template"
	StrategyModel    = "model"
	StrategyHybrid   = "hybrid"
)

// Step is one planned unit of work. Nested Steps become children.
type Step struct {
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Tool        string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Priority    Priority       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Steps       []Step         `json:"steps,omitempty" yaml:"steps,omitempty"`
}

func (s Step) spec(parentID string) NodeSpec {
	spec := NodeSpec{
		Title:       s.Title,
		Description: s.Description,
		ParentID:    parentID,
		Priority:    s.Priority,
	}
	if s.Tool != "" {
		spec.Binding = &Binding{Tool: s.Tool, Params: maps.Clone(s.Params)}
	}
	return spec
}

// PlanRequest is what a planner sees: the goal, the current tree (nil when
// empty) and the tools steps may bind to.
type PlanRequest struct {
	Goal  string
	Tree  *Snapshot
	Tools []tools.Schema
}

// Planner turns a request into steps to seed into the tree.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) ([]Step, error)
}

// StepProposer is the model side of model-driven planning.
type StepProposer interface {
	ProposeSteps(ctx context.Context, req PlanRequest) ([]Step, error)
}

// TemplatePlanner returns a fixed, named step list.
type TemplatePlanner struct {
	Templates map[string][]Step
	Name      string
}

func (p TemplatePlanner) Plan(_ context.Context, _ PlanRequest) ([]Step, error) {
	steps, ok := p.Templates[p.Name]
	if !ok {
		names := make([]string, 0, len(p.Templates))
		for n := range p.Templates {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown plan template %q (have %v)", p.Name, names)
	}
	return append([]Step(nil), steps...), nil
}

// ModelPlanner asks the collaborator for steps against the tree snapshot.
type ModelPlanner struct {
	Proposer StepProposer
}

func (p ModelPlanner) Plan(ctx context.Context, req PlanRequest) ([]Step, error) {
	if p.Proposer == nil {
		return nil, errors.New("model planner has no proposer")
	}
	return p.Proposer.ProposeSteps(ctx, req)
}

// HybridPlanner seeds an empty tree from the template and defers to the
// model once the tree has content.
type HybridPlanner struct {
	Template TemplatePlanner
	Model    ModelPlanner
}

func (p HybridPlanner) Plan(ctx context.Context, req PlanRequest) ([]Step, error) {
	if req.Tree == nil || len(req.Tree.Nodes) == 0 {
		steps, err := p.Template.Plan(ctx, req)
		if err == nil && len(steps) > 0 {
			return steps, nil
		}
	}
	return p.Model.Plan(ctx, req)
}

// NewPlanner builds the planner for strategy.
func NewPlanner(strategy string, templates map[string][]Step, template string, proposer StepProposer) (Planner, error) {
	tp := TemplatePlanner{Templates: templates, Name: template}
	mp := ModelPlanner{Proposer: proposer}
	switch strategy {
	case StrategyTemplate:
		if _, ok := templates[template]; !ok {
			return nil, fmt.Errorf("template strategy: unknown template %q", template)
		}
		return tp, nil
	case StrategyModel, "":
		return mp, nil
	case StrategyHybrid:
		return HybridPlanner{Template: tp, Model: mp}, nil
	}
	return nil, fmt.Errorf("unknown planning strategy %q", strategy)
}

// Seed materializes steps under parentID ("" for roots) and returns the
// IDs created, parents before children. Steps that cannot be placed are
// skipped together with their sub-steps; the first such error is returned
// alongside the IDs that were created.
func (t *Tree) Seed(ctx context.Context, steps []Step, parentID string) ([]string, error) {
	var (
		created  []string
		firstErr error
	)
	var seed func(steps []Step, parent string)
	seed = func(steps []Step, parent string) {
		for _, s := range steps {
			id, err := t.CreateNode(ctx, s.spec(parent))
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("seed %q: %w", s.Title, err)
				}
				if id == "" {
					continue
				}
			}
			created = append(created, id)
			seed(s.Steps, id)
		}
	}
	seed(steps, parentID)
	return created, firstErr
}
