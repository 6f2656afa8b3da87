package model

import (
	"fmt"
	"strings"
)

// NodeStatus is the lifecycle state of one ExecutionNode in the graph.
type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeSuccess NodeStatus = "SUCCESS"
	NodeFailed  NodeStatus = "FAILED"
	NodePruned  NodeStatus = "PRUNED"
	NodeSkipped NodeStatus = "SKIPPED"
)

func ParseNodeStatus(s string) (NodeStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "":
		return NodePending, nil
	case "RUNNING":
		return NodeRunning, nil
	case "SUCCESS", "OK":
		return NodeSuccess, nil
	case "FAILED", "FAIL", "FAILURE":
		return NodeFailed, nil
	case "PRUNED":
		return NodePruned, nil
	case "SKIPPED", "SKIP":
		return NodeSkipped, nil
	default:
		return "", fmt.Errorf("invalid node status %q", s)
	}
}

func (s NodeStatus) Valid() bool {
	switch s {
	case NodePending, NodeRunning, NodeSuccess, NodeFailed, NodePruned, NodeSkipped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the node can no longer change state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodePruned, NodeSkipped:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of one TaskExecution.
type TaskStatus string

const (
	TaskIdle      TaskStatus = "idle"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// FeedbackStatus describes how the last tool attempt went.
type FeedbackStatus string

const (
	FeedbackSuccess FeedbackStatus = "SUCCESS"
	FeedbackFailed  FeedbackStatus = "FAILED"
	FeedbackTimeout FeedbackStatus = "TIMEOUT"
	FeedbackPartial FeedbackStatus = "PARTIAL"
)

func (s FeedbackStatus) Valid() bool {
	switch s {
	case FeedbackSuccess, FeedbackFailed, FeedbackTimeout, FeedbackPartial:
		return true
	default:
		return false
	}
}

// FailurePolicy tells the loop what to do when a node fails after retries.
type FailurePolicy string

const (
	PolicyReEvaluate FailurePolicy = "RE_EVALUATE"
	PolicyAbort      FailurePolicy = "ABORT"
	PolicySkip       FailurePolicy = "SKIP"
	PolicyRetryOnly  FailurePolicy = "RETRY_ONLY"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "RE_EVALUATE", "RE-EVALUATE", "REEVALUATE":
		return PolicyReEvaluate, nil
	case "ABORT":
		return PolicyAbort, nil
	case "SKIP":
		return PolicySkip, nil
	case "RETRY_ONLY", "RETRY-ONLY", "RETRYONLY":
		return PolicyRetryOnly, nil
	default:
		return "", fmt.Errorf("invalid on_failure_action %q", s)
	}
}

func (p FailurePolicy) Valid() bool {
	switch p {
	case PolicyReEvaluate, PolicyAbort, PolicySkip, PolicyRetryOnly:
		return true
	default:
		return false
	}
}

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

// Feedback error codes. Transient codes are retried by the dispatcher up to
// the action's max_attempts; permanent codes fail the attempt immediately.
const (
	ErrCodeNet           = "E_NET"
	ErrCodeStaleDOM      = "E_STALE_DOM"
	ErrCodeTimeout       = "E_TIMEOUT"
	ErrCodeUnresolvedRef = "E_UNRESOLVED_REF"
	ErrCodeBadArg        = "E_BAD_ARG"
	ErrCodeToolUnknown   = "E_TOOL_UNKNOWN"
	ErrCodeWallClock     = "E_WALL_CLOCK"
	ErrCodeCorrection    = "E_CORRECTION_BUDGET"
)

func IsTransientCode(code string) bool {
	switch code {
	case ErrCodeNet, ErrCodeStaleDOM, ErrCodeTimeout:
		return true
	default:
		return false
	}
}
