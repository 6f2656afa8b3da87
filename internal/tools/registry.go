// Package tools exposes the dispatcher-facing tool registry: each tool is
// named, carries a JSON schema for its argument bag, and runs against the
// browser session and artifact store supplied per invocation. Argument
// validation happens here so malformed plans fail before touching the
// session.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// Invocation carries the per-call context a tool runs against.
type Invocation struct {
	Args      map[string]any
	Session   browser.Session
	Store     *artifacts.Store
	TaskTopic string
}

// Result is what a successful tool run produces. Output is the textual
// projection stored as the node's resolved_output; Message is the
// human-facing feedback line.
type Result struct {
	Output              string
	Message             string
	ScreenshotAvailable bool
}

// Tool is one registered capability.
type Tool struct {
	Name string
	// Guide is the one-line parameter guide surfaced to the planner.
	Guide string
	// Params is the JSON schema for the argument bag.
	Params map[string]any
	Run    func(ctx context.Context, inv *Invocation) (Result, error)
}

type registered struct {
	Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to validated executors.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*registered{}}
}

func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tools: empty tool name")
	}
	if t.Run == nil {
		return fmt.Errorf("tools: %s missing executor", t.Name)
	}
	s, err := compileSchema(t.Params)
	if err != nil {
		return fmt.Errorf("tools: %s schema: %w", t.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &registered{Tool: t, schema: s}
	return nil
}

// Names returns the registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Guide renders the one-line parameter guide for the given tools, one per
// line, in the order given. Unknown names are skipped.
func (r *Registry) Guide(names []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, t.Guide)
	}
	return b.String()
}

// Invoke runs the named tool and always returns a fresh observation built
// from the session state, plus the feedback and the resolved-output
// projection (empty unless the call succeeded).
func (r *Registry) Invoke(ctx context.Context, name string, inv *Invocation) (*model.WebObservation, model.ActionFeedback, string) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		fb := model.ActionFeedback{
			Status:    model.FeedbackFailed,
			ErrorCode: model.ErrCodeToolUnknown,
			Message:   fmt.Sprintf("unknown tool: %s", name),
		}
		return observe(inv.Session, name, fb), fb, ""
	}

	args := inv.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(normalizeArgs(args)); err != nil {
		fb := model.ActionFeedback{
			Status:    model.FeedbackFailed,
			ErrorCode: model.ErrCodeBadArg,
			Message:   fmt.Sprintf("tool args validation failed: %v", err),
		}
		return observe(inv.Session, name, fb), fb, ""
	}

	res, err := t.Run(ctx, inv)
	fb := feedbackFor(res, err)
	obs := observe(inv.Session, name, fb)
	obs.ScreenshotAvailable = res.ScreenshotAvailable
	if fb.Status != model.FeedbackSuccess {
		return obs, fb, ""
	}
	return obs, fb, res.Output
}

func feedbackFor(res Result, err error) model.ActionFeedback {
	if err == nil {
		msg := res.Message
		if msg == "" {
			msg = "Action executed."
		}
		return model.ActionFeedback{Status: model.FeedbackSuccess, ErrorCode: "0", Message: msg}
	}
	var oe *browser.OpError
	switch {
	case errors.As(err, &oe):
		status := model.FeedbackFailed
		if oe.Code == model.ErrCodeTimeout {
			status = model.FeedbackTimeout
		}
		return model.ActionFeedback{Status: status, ErrorCode: oe.Code, Message: oe.Msg}
	case errors.Is(err, context.DeadlineExceeded):
		return model.ActionFeedback{Status: model.FeedbackTimeout, ErrorCode: model.ErrCodeTimeout, Message: "tool did not return before the execution timeout"}
	case errors.Is(err, context.Canceled):
		// Not a timeout: the caller withdrew the call, so retrying it
		// would fight the cancellation. E_CANCELLED is permanent.
		return model.ActionFeedback{Status: model.FeedbackFailed, ErrorCode: "E_CANCELLED", Message: "tool call canceled"}
	default:
		return model.ActionFeedback{Status: model.FeedbackFailed, ErrorCode: "E_EXEC", Message: err.Error()}
	}
}

// observe snapshots the session into a WebObservation. The session may be
// nil for purely local tools in tests.
func observe(s browser.Session, toolName string, fb model.ActionFeedback) *model.WebObservation {
	obs := &model.WebObservation{
		ObservationTimestampUTC: time.Now().UTC().Format(time.RFC3339),
		MemoryContext:           fmt.Sprintf("tool %s -> %s", toolName, fb.Status),
		LastActionFeedback:      &fb,
		BrowserHealthStatus:     browser.HealthHealthy,
	}
	if s != nil {
		obs.CurrentURL = s.CurrentURL()
		obs.HTTPStatusCode = s.LastHTTPStatus()
		obs.PageLoadTimeMS = s.LastLoadTimeMS()
		obs.KeyElements = s.KeyElements()
		obs.BrowserHealthStatus = s.HealthStatus()
	}
	return obs
}

// normalizeArgs round-trips the bag through JSON so integer literals typed
// as int by callers validate against "integer" schemas the same way LM
// output does.
func normalizeArgs(args map[string]any) map[string]any {
	b, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return args
	}
	return out
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("args.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("args.json")
}
