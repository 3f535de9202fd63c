package tasktree

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/tools"
)

// Outcome selects which execution results a rule reacts to.
type Outcome int

const (
	OnAny Outcome = iota
	OnSuccess
	OnFailure
)

func (o Outcome) matches(r *tools.Result) bool {
	switch o {
	case OnSuccess:
		return r.Success
	case OnFailure:
		return !r.Success
	}
	return true
}

// Rule proposes children for executed nodes bound to Tool. Expand must not
// return more than limit specs.
type Rule struct {
	Name   string
	Tool   string
	When   Outcome
	Expand func(n Node, limit int) []NodeSpec
}

// RuleTable is an ordered set of expansion rules; the first rule matching
// a node's tool and outcome decides its children.
type RuleTable struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewRuleTable(rules ...Rule) *RuleTable {
	return &RuleTable{rules: append([]Rule(nil), rules...)}
}

// Add appends r; earlier rules take precedence.
func (t *RuleTable) Add(r Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, r)
}

// Expand returns child specs for n, at most limit of them.
func (t *RuleTable) Expand(n Node, limit int) []NodeSpec {
	if n.Result == nil || limit <= 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		if r.Tool != n.Tool() || !r.When.matches(n.Result) || r.Expand == nil {
			continue
		}
		specs := r.Expand(n, limit)
		if len(specs) > limit {
			specs = specs[:limit]
		}
		return specs
	}
	return nil
}

// DefaultRules reads files a successful find matched and diagnoses failed
// command executions.
func DefaultRules() *RuleTable {
	return NewRuleTable(ReadMatchesRule(), DiagnoseFailureRule())
}

// ReadMatchesRule spawns one read_file child per find match.
func ReadMatchesRule() Rule {
	return Rule{
		Name: "read-matches",
		Tool: "find",
		When: OnSuccess,
		Expand: func(n Node, limit int) []NodeSpec {
			var specs []NodeSpec
			for _, p := range metaStrings(n.Result.Metadata[tools.MetaMatches]) {
				if len(specs) == limit {
					break
				}
				specs = append(specs, NodeSpec{
					Title:       "Read " + filepath.Base(p),
					Description: "Inspect " + p + " matched by " + n.Title,
					Binding:     &Binding{Tool: "read_file", Params: map[string]any{"path": p}},
					Priority:    n.Priority,
				})
			}
			return specs
		},
	}
}

// DiagnoseFailureRule lists the working directory of a command that failed
// for reasons other than a command policy violation.
func DiagnoseFailureRule() Rule {
	return Rule{
		Name: "diagnose-failure",
		Tool: "execute",
		When: OnFailure,
		Expand: func(n Node, _ int) []NodeSpec {
			if n.Result.ViolationKind() == policy.KindCommand {
				return nil
			}
			dir, _ := n.Result.Metadata[tools.MetaWorkDir].(string)
			if dir == "" && n.Binding != nil {
				dir, _ = n.Binding.Params["working_directory"].(string)
			}
			if dir == "" {
				dir = "."
			}
			cmd := ""
			if n.Binding != nil {
				cmd, _ = n.Binding.Params["command"].(string)
			}
			return []NodeSpec{{
				Title:       fmt.Sprintf("Diagnose: %s", cmd),
				Description: n.Result.Error,
				Binding:     &Binding{Tool: "list_directory", Params: map[string]any{"path": dir}},
				Priority:    n.Priority,
			}}
		},
	}
}

// metaStrings accepts a string slice before or after a JSON round trip.
func metaStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
