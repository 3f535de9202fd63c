package bus

// Task tree topics.
const (
	TopicNodeCreated      = "tree.node.created"
	TopicNodeStateChanged = "tree.node.state_changed"
	TopicNodeExpanded     = "tree.node.expanded"
)

// Orchestrator topics.
const (
	TopicLoopStarted   = "engine.started"
	TopicLoopIteration = "engine.iteration"
	TopicToolExecuted  = "engine.tool_executed"
	TopicLoopStopped   = "engine.stopped"
)

// NodeCreatedEvent is published when a node joins the tree.
type NodeCreatedEvent struct {
	SessionID string
	NodeID    string
	ParentID  string
	Title     string
	Depth     int
}

// NodeStateChangedEvent is published on every node status transition.
type NodeStateChangedEvent struct {
	SessionID string
	NodeID    string
	OldStatus string
	NewStatus string
}

// NodeExpandedEvent is published after auto-expansion of a node.
type NodeExpandedEvent struct {
	SessionID string
	NodeID    string
	Children  []string
}

// IterationEvent is published at the start of each orchestrator iteration.
type IterationEvent struct {
	SessionID     string
	Mode          string
	Iteration     int
	MaxIterations int
}

// ToolExecutedEvent is published after each tool dispatch.
type ToolExecutedEvent struct {
	SessionID string
	CallID    string
	NodeID    string
	Tool      string
	Success   bool
	ErrorKind string
}

// StoppedEvent is published once when an orchestrator run ends.
type StoppedEvent struct {
	SessionID  string
	Status     string
	Iterations int
}
