package engine

import (
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/tasktree"
)

// Status is how a run ended.
type Status string

const (
	StatusRunning           Status = "running"
	StatusCompleted         Status = "completed"
	StatusBudgetExhausted   Status = "iteration_budget_exhausted"
	StatusPolicyViolation   Status = "policy_violation"
	StatusTreeDepthExceeded Status = "tree_depth_exceeded"
	StatusCollaboratorError Status = "collaborator_error"
	StatusCancelled         Status = "cancelled"
)

// Fatal reports whether the status aborted the session.
func (s Status) Fatal() bool {
	switch s {
	case StatusPolicyViolation, StatusTreeDepthExceeded, StatusCollaboratorError:
		return true
	}
	return false
}

// ViolationReport describes the policy violation that aborted a strict
// session.
type ViolationReport struct {
	Iteration     int                  `json:"iteration"`
	CallID        string               `json:"call_id,omitempty"`
	NodeID        string               `json:"node_id,omitempty"`
	Tool          string               `json:"tool"`
	Kind          policy.ViolationKind `json:"violation_kind"`
	Error         string               `json:"error"`
	PolicyVersion string               `json:"policy_version"`
}

// FailureSummary describes a non-violation abort.
type FailureSummary struct {
	Reason     string                  `json:"reason"`
	NodeID     string                  `json:"node_id,omitempty"`
	NodeTitle  string                  `json:"node_title,omitempty"`
	ErrorClass ErrorClass              `json:"error_class,omitempty"`
	Counts     map[tasktree.Status]int `json:"counts,omitempty"`
}

// Report is the outcome of Orchestrator.Run.
type Report struct {
	SessionID      string             `json:"session_id"`
	TraceID        string             `json:"trace_id,omitempty"`
	Mode           string             `json:"mode"`
	Status         Status             `json:"status"`
	Iterations     int                `json:"iterations"`
	ToolExecutions int                `json:"tool_executions"`
	Final          string             `json:"final,omitempty"`
	Notice         string             `json:"notice,omitempty"`
	Violation      *ViolationReport   `json:"violation,omitempty"`
	Failure        *FailureSummary    `json:"failure,omitempty"`
	PolicyVersion  string             `json:"policy_version"`
	Policy         policy.Summary     `json:"policy"`
	Tree           *tasktree.Snapshot `json:"tree,omitempty"`
}
