package tasktree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/warden/internal/tools"
)

// Task tool operations.
const (
	TaskCreate = "create"
	TaskList   = "list"
	TaskGet    = "get"
	TaskUpdate = "update"
	TaskSearch = "search"
	TaskStats  = "stats"
)

// TaskTool lets the model keep its own plan in a tree: unbound nodes it
// creates, nests and marks done by hand.
type TaskTool struct {
	Tree *Tree
}

func (TaskTool) Schema() tools.Schema {
	return tools.Schema{
		Name: "task",
		Description: "Track your own plan as a task list. create adds a task (parent_id nests it), " +
			"update changes its status, list/get/search/stats read it back.",
		Params: []tools.Param{
			{Name: "operation", Type: tools.TypeString, Required: true,
				Enum: []string{TaskCreate, TaskList, TaskGet, TaskUpdate, TaskSearch, TaskStats}},
			{Name: "title", Type: tools.TypeString, Description: "Task title (create)."},
			{Name: "description", Type: tools.TypeString, Description: "Details (create)."},
			{Name: "parent_id", Type: tools.TypeString, Description: "Nest under this task (create)."},
			{Name: "priority", Type: tools.TypeString, Enum: priorityNames[:], Description: "Task priority (create, default low)."},
			{Name: "id", Type: tools.TypeString, Description: "Task ID (get, update)."},
			{Name: "status", Type: tools.TypeString, Enum: []string{string(StatusInProgress), string(StatusCompleted), string(StatusFailed)},
				Description: "New status (update)."},
			{Name: "reason", Type: tools.TypeString, Description: "Why the status changed (update)."},
			{Name: "query", Type: tools.TypeString, Description: "Case-insensitive text to look for (search)."},
		},
	}
}

type taskView struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	ParentID    string   `json:"parent_id,omitempty"`
	Depth       int      `json:"depth"`
	Tool        string   `json:"tool,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

func viewOf(n Node) taskView {
	return taskView{
		ID:          n.ID,
		Title:       n.Title,
		Description: n.Description,
		Status:      n.Status,
		Priority:    n.Priority,
		ParentID:    n.ParentID,
		Depth:       n.Depth,
		Tool:        n.Tool(),
		Reason:      n.Reason,
	}
}

func views(nodes []Node) []taskView {
	out := make([]taskView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, viewOf(n))
	}
	return out
}

func param(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}

func (t TaskTool) Execute(ctx context.Context, _ *tools.ExecContext, params map[string]any) (tools.Result, error) {
	if t.Tree == nil {
		return tools.Fail(tools.ErrorKindInternal, "no task list for this session", nil), nil
	}
	op := param(params, "operation")
	switch op {
	case TaskCreate:
		prio, err := ParsePriority(param(params, "priority"))
		if err != nil {
			return tools.Fail(tools.ErrorKindParameterValidation, err.Error(), nil), nil
		}
		id, err := t.Tree.CreateNode(ctx, NodeSpec{
			Title:       param(params, "title"),
			Description: param(params, "description"),
			ParentID:    param(params, "parent_id"),
			Priority:    prio,
		})
		if err != nil {
			return taskFailure(err)
		}
		n, _ := t.Tree.Get(id)
		return tools.OK(viewOf(n), map[string]any{"task_id": id}), nil

	case TaskList:
		snap := t.Tree.Snapshot()
		return tools.OK(map[string]any{
			"tasks":   views(snap.Nodes),
			"outline": snap.Render(),
			"count":   len(snap.Nodes),
		}, nil), nil

	case TaskGet:
		id := param(params, "id")
		n, ok := t.Tree.Get(id)
		if !ok {
			return tools.Fail(tools.ErrorKindNotFound, fmt.Sprintf("task %q not found", id), nil), nil
		}
		v := map[string]any{"task": viewOf(n), "children": n.Children}
		return tools.OK(v, map[string]any{"task_id": id}), nil

	case TaskUpdate:
		id := param(params, "id")
		status := Status(param(params, "status"))
		if status == "" {
			return tools.Fail(tools.ErrorKindParameterValidation, "status is required", nil), nil
		}
		if err := t.Tree.UpdateStatus(ctx, id, status, param(params, "reason")); err != nil {
			return taskFailure(err)
		}
		n, _ := t.Tree.Get(id)
		return tools.OK(viewOf(n), map[string]any{"task_id": id}), nil

	case TaskSearch:
		q := param(params, "query")
		if q == "" {
			return tools.Fail(tools.ErrorKindParameterValidation, "query must not be empty", nil), nil
		}
		found := t.Tree.Search(q)
		return tools.OK(map[string]any{"query": q, "tasks": views(found), "count": len(found)}, nil), nil

	case TaskStats:
		counts := t.Tree.Counts()
		total := 0
		out := make(map[string]int, len(counts))
		for s, n := range counts {
			out[string(s)] = n
			total += n
		}
		return tools.OK(map[string]any{"total": total, "by_status": out}, nil), nil
	}
	return tools.Fail(tools.ErrorKindParameterValidation, "unknown operation "+op, nil), nil
}

// taskFailure maps tree errors to results; persistence errors stay errors.
func taskFailure(err error) (tools.Result, error) {
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return tools.Fail(tools.ErrorKindNotFound, err.Error(), nil), nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTreeDepthExceeded), errors.Is(err, errTitleRequired):
		return tools.Fail(tools.ErrorKindParameterValidation, err.Error(), nil), nil
	}
	return tools.Result{}, err
}
