// Package model defines the decision-engine data shapes: goals, observations,
// actions, execution nodes, and the task aggregate. Models are plain values;
// equality is structural and every mutation path goes through the graph.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskGoal is the immutable record of one submitted task.
type TaskGoal struct {
	TaskUUID                string            `json:"task_uuid"`
	StepID                  string            `json:"step_id,omitempty"`
	TargetDescription       string            `json:"target_description"`
	TaskDeadlineUTC         string            `json:"task_deadline_utc,omitempty"`
	MaxExecutionTimeSeconds int               `json:"max_execution_time_seconds"`
	RequiredData            map[string]string `json:"required_data,omitempty"`
	CurrentAgentPersona     string            `json:"current_agent_persona"`
	ExecutionEnvironment    string            `json:"execution_environment"`
	AllowedActions          []string          `json:"allowed_actions"`
	PriorityLevel           int               `json:"priority_level"`
}

func (g *TaskGoal) ApplyDefaults() {
	if g.MaxExecutionTimeSeconds <= 0 {
		g.MaxExecutionTimeSeconds = 60
	}
	if g.CurrentAgentPersona == "" {
		g.CurrentAgentPersona = "standard_user"
	}
	if g.ExecutionEnvironment == "" {
		g.ExecutionEnvironment = "desktop_chrome"
	}
	if g.PriorityLevel <= 0 {
		g.PriorityLevel = 5
	}
}

// AllowsTool reports whether the goal's allow-list contains the tool name.
func (g *TaskGoal) AllowsTool(name string) bool {
	for _, a := range g.AllowedActions {
		if a == name {
			return true
		}
	}
	return false
}

func (g *TaskGoal) Clone() *TaskGoal {
	if g == nil {
		return nil
	}
	out := *g
	if g.RequiredData != nil {
		out.RequiredData = make(map[string]string, len(g.RequiredData))
		for k, v := range g.RequiredData {
			out.RequiredData[k] = v
		}
	}
	out.AllowedActions = append([]string(nil), g.AllowedActions...)
	return &out
}

// BoundingBox is an axis-aligned element box in page coordinates.
type BoundingBox struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// KeyElement is a snapshot of one actionable page element, produced by the
// tool layer and read-only inside the core.
type KeyElement struct {
	ElementID   string      `json:"element_id"`
	TagName     string      `json:"tag_name"`
	XPath       string      `json:"xpath"`
	InnerText   string      `json:"inner_text"`
	IsVisible   bool        `json:"is_visible"`
	IsClickable bool        `json:"is_clickable"`
	BBox        BoundingBox `json:"bbox"`
	PurposeHint string      `json:"purpose_hint,omitempty"`
}

// ActionFeedback describes the outcome of the last tool attempt.
type ActionFeedback struct {
	Status    FeedbackStatus `json:"status"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
}

// WebObservation is the most recent environment snapshot.
type WebObservation struct {
	ObservationTimestampUTC string          `json:"observation_timestamp_utc"`
	CurrentURL              string          `json:"current_url"`
	HTTPStatusCode          int             `json:"http_status_code"`
	PageLoadTimeMS          int             `json:"page_load_time_ms"`
	IsAuthenticated         bool            `json:"is_authenticated"`
	KeyElements             []KeyElement    `json:"key_elements"`
	ScreenshotAvailable     bool            `json:"screenshot_available"`
	LastActionFeedback      *ActionFeedback `json:"last_action_feedback,omitempty"`
	MemoryContext           string          `json:"memory_context"`
	BrowserHealthStatus     string          `json:"browser_health_status"`
}

func (o *WebObservation) ApplyDefaults() {
	if o.ObservationTimestampUTC == "" {
		o.ObservationTimestampUTC = time.Now().UTC().Format(time.RFC3339)
	}
	if o.BrowserHealthStatus == "" {
		o.BrowserHealthStatus = "healthy"
	}
}

func (o *WebObservation) Clone() *WebObservation {
	if o == nil {
		return nil
	}
	out := *o
	out.KeyElements = append([]KeyElement(nil), o.KeyElements...)
	if o.LastActionFeedback != nil {
		fb := *o.LastActionFeedback
		out.LastActionFeedback = &fb
	}
	return &out
}

// DecisionAction is a single tool invocation directive planned by the LM.
type DecisionAction struct {
	ToolName                string         `json:"tool_name"`
	ToolArgs                map[string]any `json:"tool_args"`
	MaxAttempts             int            `json:"max_attempts"`
	ExecutionTimeoutSeconds int            `json:"execution_timeout_seconds"`
	WaitForConditionAfter   string         `json:"wait_for_condition_after,omitempty"`
	Reasoning               string         `json:"reasoning"`
	ConfidenceScore         float64        `json:"confidence_score"`
	ExpectedOutcome         string         `json:"expected_outcome"`
	OnFailureAction         FailurePolicy  `json:"on_failure_action"`
}

func (a *DecisionAction) ApplyDefaults() {
	if a.ToolArgs == nil {
		a.ToolArgs = map[string]any{}
	}
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = 1
	}
	if a.ExecutionTimeoutSeconds <= 0 {
		a.ExecutionTimeoutSeconds = 10
	}
	if a.OnFailureAction == "" {
		a.OnFailureAction = PolicyReEvaluate
	}
}

// Timeout is the per-attempt execution ceiling.
func (a *DecisionAction) Timeout() time.Duration {
	return time.Duration(a.ExecutionTimeoutSeconds) * time.Second
}

func (a *DecisionAction) Clone() *DecisionAction {
	if a == nil {
		return nil
	}
	out := *a
	out.ToolArgs = cloneArgs(a.ToolArgs)
	return &out
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ExecutionNode is one vertex of the dynamic execution graph.
type ExecutionNode struct {
	NodeID                 string          `json:"node_id"`
	ParentID               string          `json:"parent_id,omitempty"`
	ChildIDs               []string        `json:"child_ids"`
	ExecutionOrderPriority int             `json:"execution_order_priority"`
	Action                 DecisionAction  `json:"action"`
	CurrentStatus          NodeStatus      `json:"current_status"`
	FailureReason          string          `json:"failure_reason,omitempty"`
	RequiredPrecondition   string          `json:"required_precondition"`
	ExpectedCostUnits      int             `json:"expected_cost_units"`
	LastObservation        *WebObservation `json:"last_observation,omitempty"`
	ResolvedOutput         string          `json:"resolved_output,omitempty"`
}

func (n *ExecutionNode) ApplyDefaults() {
	if n.NodeID == "" {
		n.NodeID = "n_" + uuid.NewString()[:8]
	}
	if n.ChildIDs == nil {
		n.ChildIDs = []string{}
	}
	if n.ExecutionOrderPriority == 0 {
		n.ExecutionOrderPriority = 1
	}
	if n.CurrentStatus == "" {
		n.CurrentStatus = NodePending
	}
	if n.RequiredPrecondition == "" {
		n.RequiredPrecondition = "True"
	}
	if n.ExpectedCostUnits <= 0 {
		n.ExpectedCostUnits = 1
	}
	n.Action.ApplyDefaults()
}

func (n *ExecutionNode) Clone() *ExecutionNode {
	if n == nil {
		return nil
	}
	out := *n
	out.ChildIDs = append([]string(nil), n.ChildIDs...)
	out.Action = *n.Action.Clone()
	out.LastObservation = n.LastObservation.Clone()
	return &out
}

// TaskExecution is the aggregate snapshot of one task: goal, graph, status.
type TaskExecution struct {
	TaskUUID   string                    `json:"task_uuid"`
	Goal       TaskGoal                  `json:"goal"`
	Nodes      map[string]*ExecutionNode `json:"nodes"`
	RootNodeID string                    `json:"root_node_id,omitempty"`
	Status     TaskStatus                `json:"status"`
	StartTime  string                    `json:"start_time,omitempty"`
	EndTime    string                    `json:"end_time,omitempty"`
}

func (t *TaskExecution) Clone() *TaskExecution {
	if t == nil {
		return nil
	}
	out := *t
	out.Goal = *t.Goal.Clone()
	out.Nodes = make(map[string]*ExecutionNode, len(t.Nodes))
	for id, n := range t.Nodes {
		out.Nodes[id] = n.Clone()
	}
	return &out
}

// LogEntry is one ordered trace record of a task's execution.
type LogEntry struct {
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
	NodeID    string   `json:"node_id,omitempty"`
}

func NewLogEntry(level LogLevel, message, nodeID string) LogEntry {
	return LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
		NodeID:    nodeID,
	}
}
