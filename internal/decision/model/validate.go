package model

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports the first field that failed validation and why.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (g *TaskGoal) Validate() error {
	if strings.TrimSpace(g.TaskUUID) == "" {
		return invalid("task_uuid", "must be non-empty")
	}
	if strings.TrimSpace(g.TargetDescription) == "" {
		return invalid("target_description", "must be non-empty")
	}
	if g.MaxExecutionTimeSeconds <= 0 {
		return invalid("max_execution_time_seconds", "must be positive, got %d", g.MaxExecutionTimeSeconds)
	}
	if g.TaskDeadlineUTC != "" {
		if _, err := time.Parse(time.RFC3339, g.TaskDeadlineUTC); err != nil {
			return invalid("task_deadline_utc", "not an ISO-8601 timestamp: %v", err)
		}
	}
	if len(g.AllowedActions) == 0 {
		return invalid("allowed_actions", "must list at least one tool")
	}
	seen := make(map[string]bool, len(g.AllowedActions))
	for i, a := range g.AllowedActions {
		if strings.TrimSpace(a) == "" {
			return invalid(fmt.Sprintf("allowed_actions[%d]", i), "must be non-empty")
		}
		if seen[a] {
			return invalid(fmt.Sprintf("allowed_actions[%d]", i), "duplicate tool %q", a)
		}
		seen[a] = true
	}
	if g.PriorityLevel < 1 || g.PriorityLevel > 10 {
		return invalid("priority_level", "must be in 1..10, got %d", g.PriorityLevel)
	}
	return nil
}

func (a *DecisionAction) Validate() error {
	return a.validateAt("")
}

func (a *DecisionAction) validateAt(prefix string) error {
	at := func(field string) string {
		if prefix == "" {
			return field
		}
		return prefix + "." + field
	}
	if strings.TrimSpace(a.ToolName) == "" {
		return invalid(at("tool_name"), "must be non-empty")
	}
	if a.MaxAttempts < 1 || a.MaxAttempts > 5 {
		return invalid(at("max_attempts"), "must be in 1..5, got %d", a.MaxAttempts)
	}
	if a.ExecutionTimeoutSeconds <= 0 {
		return invalid(at("execution_timeout_seconds"), "must be positive, got %d", a.ExecutionTimeoutSeconds)
	}
	if a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
		return invalid(at("confidence_score"), "must be in [0,1], got %v", a.ConfidenceScore)
	}
	if !a.OnFailureAction.Valid() {
		return invalid(at("on_failure_action"), "invalid policy %q", a.OnFailureAction)
	}
	return nil
}

func (n *ExecutionNode) Validate() error {
	if strings.TrimSpace(n.NodeID) == "" {
		return invalid("node_id", "must be non-empty")
	}
	if !n.CurrentStatus.Valid() {
		return invalid("current_status", "invalid status %q", n.CurrentStatus)
	}
	if n.ExpectedCostUnits < 0 {
		return invalid("expected_cost_units", "must be non-negative, got %d", n.ExpectedCostUnits)
	}
	return n.Action.validateAt("action")
}

// ValidateNode checks a node against its own rules and the goal's tool
// allow-list.
func ValidateNode(n *ExecutionNode, goal *TaskGoal) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if goal != nil && !goal.AllowsTool(n.Action.ToolName) {
		return invalid("action.tool_name", "tool %q is not in allowed_actions", n.Action.ToolName)
	}
	return nil
}

func (f *ActionFeedback) Validate() error {
	if !f.Status.Valid() {
		return invalid("status", "invalid feedback status %q", f.Status)
	}
	return nil
}
