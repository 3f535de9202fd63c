// Package engine runs the conversation loop: it asks a collaborator for
// tool calls (direct mode) or drives the task tree (tree mode), bounded by
// an iteration budget.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/warden/internal/tasktree"
	"github.com/basket/warden/internal/tokenutil"
	"github.com/basket/warden/internal/tools"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one proposed tool invocation.
type ToolCall struct {
	ID     string         `json:"id,omitempty"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
	// Title optionally names the step when the call becomes a tree node.
	Title string `json:"title,omitempty"`
}

// Message is one entry of the conversation history. Tool messages carry
// the call they answer and its result.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Calls   []ToolCall    `json:"tool_calls,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Tool    string        `json:"tool,omitempty"`
	Result  *tools.Result `json:"result,omitempty"`
}

func toolMessage(call ToolCall, res tools.Result) Message {
	return Message{
		Role:    RoleTool,
		Content: fmt.Sprintf("%s %s", call.Tool, res.String()),
		CallID:  call.ID,
		Tool:    call.Tool,
		Result:  &res,
	}
}

// ConversationState is the loop state checkpointed after every iteration.
type ConversationState struct {
	History       []Message `json:"history"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	ActiveNodeID  string    `json:"active_node_id,omitempty"`
}

// Window returns the history to send to the collaborator: the goal message
// plus the newest messages that fit budget estimated tokens.
func (s *ConversationState) Window(budget int) []Message {
	if budget <= 0 || len(s.History) <= 1 {
		return append([]Message(nil), s.History...)
	}
	counts := make([]int, len(s.History))
	for i, m := range s.History {
		counts[i] = estimateMessage(m)
	}
	start := tokenutil.WindowStart(counts, 1, budget)
	out := make([]Message, 0, 1+len(s.History)-start)
	out = append(out, s.History[0])
	return append(out, s.History[start:]...)
}

func estimateMessage(m Message) int {
	n := tokenutil.EstimateTokens(m.Content)
	for _, c := range m.Calls {
		b, _ := json.Marshal(c.Params)
		n += tokenutil.EstimateTokens(c.Tool) + tokenutil.EstimateTokens(string(b))
	}
	return n
}

// Request is what the collaborator sees each iteration. Tree is set in
// tree mode when the orchestrator needs new steps.
type Request struct {
	SessionID string
	History   []Message
	Tools     []tools.Schema
	Tree      *tasktree.Snapshot
}

// Proposal is the collaborator's answer: zero or more calls plus an
// optional message. No calls means the collaborator is done.
type Proposal struct {
	Calls   []ToolCall `json:"calls,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Collaborator proposes the next tool calls. It never executes them.
type Collaborator interface {
	Propose(ctx context.Context, req Request) (Proposal, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, req Request) (Proposal, error)

func (f CollaboratorFunc) Propose(ctx context.Context, req Request) (Proposal, error) {
	return f(ctx, req)
}
