// Package dispatch executes one planned node at a time: it resolves
// ${node.field} templates in tool arguments, runs the tool with a
// per-attempt timeout, and retries transient failures with exponential
// backoff. Permanent failures and exhausted budgets return immediately.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/decision/graph"
	"github.com/jtarasov/wayfarer/internal/decision/model"
	"github.com/jtarasov/wayfarer/internal/tools"
)

// Context carries the per-task resources a dispatch runs against.
type Context struct {
	Session   browser.Session
	Store     *artifacts.Store
	TaskTopic string
	// Outputs resolves a prior node's output by id; ok is false when the
	// node is unknown or has not produced output.
	Outputs func(nodeID string) (string, bool)
}

// Outcome is the result of dispatching one node. Observations holds the
// fresh observation taken on each tool attempt, oldest first; Observation
// is the final one. Outcomes that never reach a tool attempt (unresolved
// reference, exhausted budget) leave Observations empty.
type Outcome struct {
	Observation  *model.WebObservation
	Observations []*model.WebObservation
	Feedback     model.ActionFeedback
	Output       string
	Attempts     int
}

// Dispatcher runs tool calls with retry.
type Dispatcher struct {
	reg     *tools.Registry
	backoff BackoffConfig
	log     zerolog.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(reg *tools.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:     reg,
		backoff: DefaultBackoffConfig(),
		log:     log.With().Str("component", "dispatch").Logger(),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs the node's action. remaining caps the total time the node
// may consume, attempts and backoff included; each attempt additionally
// respects the action's own execution timeout. A fresh observation is
// taken on every attempt so the caller always sees current page state.
func (d *Dispatcher) Execute(ctx context.Context, node *model.ExecutionNode, dc *Context, remaining time.Duration) Outcome {
	args, err := resolveArgs(node.Action.ToolArgs, dc.Outputs)
	if err != nil {
		fb := model.ActionFeedback{
			Status:    model.FeedbackFailed,
			ErrorCode: model.ErrCodeUnresolvedRef,
			Message:   err.Error(),
		}
		obs := &model.WebObservation{LastActionFeedback: &fb}
		obs.ApplyDefaults()
		return Outcome{Observation: obs, Feedback: fb, Attempts: 0}
	}

	deadline := time.Now().Add(remaining)
	maxAttempts := node.Action.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		left := time.Until(deadline)
		if left <= 0 {
			if out.Attempts == 0 {
				fb := model.ActionFeedback{
					Status:    model.FeedbackTimeout,
					ErrorCode: model.ErrCodeTimeout,
					Message:   "no time left to dispatch the action",
				}
				obs := &model.WebObservation{LastActionFeedback: &fb}
				obs.ApplyDefaults()
				out = Outcome{Observation: obs, Feedback: fb}
			}
			return out
		}
		attemptTimeout := node.Action.Timeout()
		if left < attemptTimeout {
			attemptTimeout = left
		}

		obs, fb, output := d.attempt(ctx, node, args, dc, attemptTimeout)
		out = Outcome{
			Observation:  obs,
			Observations: append(out.Observations, obs),
			Feedback:     fb,
			Output:       output,
			Attempts:     attempt,
		}
		if fb.Status == model.FeedbackSuccess {
			return out
		}

		d.log.Debug().
			Str("node", node.NodeID).
			Str("tool", node.Action.ToolName).
			Int("attempt", attempt).
			Str("error_code", fb.ErrorCode).
			Msg("attempt failed")

		if !model.IsTransientCode(fb.ErrorCode) || attempt == maxAttempts {
			return out
		}
		delay := DelayForAttempt(attempt, d.backoff, node.NodeID+":"+fmt.Sprint(attempt))
		if time.Until(deadline) < delay {
			return out
		}
		if err := d.sleep(ctx, delay); err != nil {
			return out
		}
	}
	return out
}

// attempt runs one tool call under its timeout, recovering panics into a
// failed feedback so a broken tool cannot take the loop down.
func (d *Dispatcher) attempt(ctx context.Context, node *model.ExecutionNode, args map[string]any, dc *Context, timeout time.Duration) (obs *model.WebObservation, fb model.ActionFeedback, output string) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			fb = model.ActionFeedback{
				Status:    model.FeedbackFailed,
				ErrorCode: "E_EXEC",
				Message:   fmt.Sprintf("tool panicked: %v", r),
			}
			obs = &model.WebObservation{LastActionFeedback: &fb}
			obs.ApplyDefaults()
			output = ""
		}
	}()

	inv := &tools.Invocation{
		Args:      args,
		Session:   dc.Session,
		Store:     dc.Store,
		TaskTopic: dc.TaskTopic,
	}
	obs, fb, output = d.reg.Invoke(actx, node.Action.ToolName, inv)
	if fb.Status != model.FeedbackSuccess || node.Action.WaitForConditionAfter == "" {
		return obs, fb, output
	}

	// The action landed; now hold for the post-condition before declaring
	// success.
	if err := dc.Session.WaitFor(actx, node.Action.WaitForConditionAfter); err != nil {
		wfb := waitFeedback(node.Action.WaitForConditionAfter, err)
		wobs := &model.WebObservation{LastActionFeedback: &wfb}
		wobs.ApplyDefaults()
		if dc.Session != nil {
			wobs.CurrentURL = dc.Session.CurrentURL()
			wobs.HTTPStatusCode = dc.Session.LastHTTPStatus()
			wobs.KeyElements = dc.Session.KeyElements()
			wobs.BrowserHealthStatus = dc.Session.HealthStatus()
		}
		return wobs, wfb, ""
	}
	return obs, fb, output
}

func waitFeedback(condition string, err error) model.ActionFeedback {
	var oe *browser.OpError
	if errors.As(err, &oe) {
		return model.ActionFeedback{Status: model.FeedbackFailed, ErrorCode: oe.Code,
			Message: fmt.Sprintf("post-condition %q: %s", condition, oe.Msg)}
	}
	return model.ActionFeedback{Status: model.FeedbackTimeout, ErrorCode: model.ErrCodeTimeout,
		Message: fmt.Sprintf("post-condition %q not met: %v", condition, err)}
}

// resolveArgs substitutes ${node.field} templates in string arguments with
// prior node outputs. Only output-bearing fields resolve; anything else is
// an unresolved reference.
func resolveArgs(in map[string]any, outputs func(string) (string, bool)) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		rv, err := resolveValue(v, outputs)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", k, err)
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, outputs func(string) (string, bool)) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, outputs)
	case map[string]any:
		return resolveArgs(t, outputs)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			rv, err := resolveValue(e, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, outputs func(string) (string, bool)) (string, error) {
	refs := graph.TemplateRefs(s)
	if len(refs) == 0 {
		return s, nil
	}
	for _, ref := range refs {
		id, field := ref[0], ref[1]
		if field != "resolved_output" && field != "output" {
			return "", fmt.Errorf("reference ${%s.%s}: field is not resolvable", id, field)
		}
		val, ok := outputs(id)
		if !ok {
			return "", fmt.Errorf("reference ${%s.%s}: node has no resolved output", id, field)
		}
		s = strings.ReplaceAll(s, fmt.Sprintf("${%s.%s}", id, field), val)
	}
	return s, nil
}
