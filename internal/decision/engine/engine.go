// Package engine runs one task's decision loop: plan, schedule, dispatch,
// correct, finalize. The engine is the single writer of its graph; HTTP and
// websocket readers only ever see deep-copied snapshots, and every committed
// transition is mirrored onto the event bus.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/bus"
	"github.com/jtarasov/wayfarer/internal/decision/dispatch"
	"github.com/jtarasov/wayfarer/internal/decision/graph"
	"github.com/jtarasov/wayfarer/internal/decision/model"
	"github.com/jtarasov/wayfarer/internal/decision/planner"
	"github.com/jtarasov/wayfarer/internal/viz"
)

// ErrCancelled is the cancellation cause set by Stop.
var ErrCancelled = errors.New("engine: task cancelled")

// wallClockFloor bounds the budget while the graph is still empty, which
// covers the initial planning round.
const wallClockFloor = 30 * time.Second

// DefaultCorrectionBudget caps correction rounds per task.
const DefaultCorrectionBudget = 3

// DefaultPlannerTimeout bounds one LM call.
const DefaultPlannerTimeout = 60 * time.Second

// memoryWindow is how many recent step lines the rolling memory keeps.
const memoryWindow = 10

// Options wires one engine instance.
type Options struct {
	Goal       *model.TaskGoal
	Planner    *planner.Planner
	Dispatcher *dispatch.Dispatcher
	Session    browser.Session
	Store      *artifacts.Store
	Bus        *bus.Bus
	Viz        *viz.Writer
	Log        zerolog.Logger

	CorrectionBudget int
	PlannerTimeout   time.Duration
}

// Engine executes one task to a terminal status.
type Engine struct {
	goal    *model.TaskGoal
	planner *planner.Planner
	disp    *dispatch.Dispatcher
	session browser.Session
	store   *artifacts.Store
	bus     *bus.Bus
	viz     *viz.Writer
	log     zerolog.Logger

	correctionBudget int
	plannerTimeout   time.Duration

	cancel context.CancelCauseFunc

	mu          sync.Mutex
	g           *graph.Graph
	stopped     bool
	status      model.TaskStatus
	startTime   string
	endTime     string
	started     time.Time
	corrections int
	memory      []string
	stepSeq     int
	lastURL     string
	// digests dedups node_update events: identical consecutive snapshots
	// of a node are published once.
	digests map[string]string
}

func New(opts Options) *Engine {
	if opts.CorrectionBudget <= 0 {
		opts.CorrectionBudget = DefaultCorrectionBudget
	}
	if opts.PlannerTimeout <= 0 {
		opts.PlannerTimeout = DefaultPlannerTimeout
	}
	return &Engine{
		goal:             opts.Goal,
		planner:          opts.Planner,
		disp:             opts.Dispatcher,
		session:          opts.Session,
		store:            opts.Store,
		bus:              opts.Bus,
		viz:              opts.Viz,
		log:              opts.Log.With().Str("component", "engine").Str("task", opts.Goal.TaskUUID).Logger(),
		correctionBudget: opts.CorrectionBudget,
		plannerTimeout:   opts.PlannerTimeout,
		g:                graph.New(),
		status:           model.TaskIdle,
		digests:          map[string]string{},
	}
}

// Session returns the browser session the engine drives. The server uses it
// for live screenshots and the CDP url while the task runs.
func (e *Engine) Session() browser.Session { return e.session }

// Stop requests cooperative cancellation. Safe before and after Run: a
// Stop issued before Run starts is remembered and cancels the task as
// soon as it does.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel(ErrCancelled)
	}
}

// Snapshot returns a deep copy of the task state for readers.
func (e *Engine) Snapshot() *model.TaskExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *model.TaskExecution {
	nodes, root := e.g.Snapshot()
	return &model.TaskExecution{
		TaskUUID:   e.goal.TaskUUID,
		Goal:       *e.goal.Clone(),
		Nodes:      nodes,
		RootNodeID: root,
		Status:     e.status,
		StartTime:  e.startTime,
		EndTime:    e.endTime,
	}
}

// Run drives the task to a terminal status and returns the final snapshot.
// It must be called once.
func (e *Engine) Run(ctx context.Context) *model.TaskExecution {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	e.cancel = cancel
	if e.stopped {
		// Stop ran before us; honor it before any planning happens.
		cancel(ErrCancelled)
	}
	e.status = model.TaskRunning
	e.started = time.Now()
	e.startTime = e.started.UTC().Format(time.RFC3339)
	e.mu.Unlock()

	e.publishTask()
	e.logEvent(model.LevelInfo, fmt.Sprintf("task started: %s", e.goal.TargetDescription), "")

	if cancelled(ctx) {
		e.finalize(model.TaskCancelled)
		return e.Snapshot()
	}
	if ok := e.initialize(ctx); ok {
		e.schedule(ctx)
	}
	return e.Snapshot()
}

// initialize runs the first planning round and seeds the graph. Returns
// false when the task already reached a terminal status.
func (e *Engine) initialize(ctx context.Context) bool {
	nodes, err := e.plan(ctx, func(pctx context.Context) ([]*model.ExecutionNode, error) {
		return e.planner.Plan(pctx, e.goal, nil, e.memoryText())
	})
	if err != nil {
		e.logEvent(model.LevelError, fmt.Sprintf("planning failed: %v", err), "")
		e.finalize(model.TaskFailed)
		return false
	}

	e.mu.Lock()
	for i, n := range nodes {
		parent := n.ParentID
		if i == 0 {
			parent = ""
		} else if _, ok := e.g.Get(parent); !ok {
			// Parentless follow-up nodes anchor at the root.
			parent = e.g.RootID()
		}
		if _, err = e.g.Add(n, parent); err != nil {
			break
		}
	}
	e.mu.Unlock()
	if err != nil {
		e.logEvent(model.LevelError, fmt.Sprintf("plan rejected by graph: %v", err), "")
		e.finalize(model.TaskFailed)
		return false
	}

	e.logEvent(model.LevelInfo, fmt.Sprintf("initial plan accepted: %d nodes", len(nodes)), "")
	e.publishGraph()
	e.snapshotViz("")
	return true
}

// schedule is the SCHEDULING / DISPATCHING cycle.
func (e *Engine) schedule(ctx context.Context) {
	for {
		if cancelled(ctx) {
			e.finalize(model.TaskCancelled)
			return
		}
		if e.expired() {
			e.failWallClock()
			return
		}

		e.mu.Lock()
		next := e.g.NextRunnable()
		var nodeID string
		if next != nil {
			nodeID = next.NodeID
			_ = e.g.Mark(nodeID, model.NodeRunning, graph.MarkUpdate{})
		}
		e.mu.Unlock()

		if next == nil {
			e.finalize(terminalStatus(e.uncorrected(), e.successCount()))
			return
		}
		e.publishGraph()
		e.snapshotViz(nodeID)

		if !e.dispatchNode(ctx, nodeID) {
			return
		}
	}
}

// dispatchNode runs one RUNNING node. Returns false when the loop reached a
// terminal state.
func (e *Engine) dispatchNode(ctx context.Context, nodeID string) bool {
	e.mu.Lock()
	node, _ := e.g.Get(nodeID)
	node = node.Clone()
	remaining := time.Until(e.deadlineLocked())
	e.mu.Unlock()

	dc := &dispatch.Context{
		Session:   e.session,
		Store:     e.store,
		TaskTopic: e.goal.TargetDescription,
		Outputs:   e.resolvedOutput,
	}
	out := e.disp.Execute(ctx, node, dc, remaining)

	e.log.Info().
		Str("node", nodeID).
		Str("tool", node.Action.ToolName).
		Str("status", string(out.Feedback.Status)).
		Int("attempt", out.Attempts).
		Msg("dispatch finished")

	if out.Feedback.Status == model.FeedbackSuccess {
		e.mu.Lock()
		_ = e.g.Mark(nodeID, model.NodeSuccess, graph.MarkUpdate{
			Output:      out.Output,
			Observation: out.Observation,
		})
		e.mu.Unlock()
		e.remember(node.Action.ToolName, "SUCCESS", firstLine(out.Output))
		e.publishGraph()
		e.publishBrowserURL(out.Observation)
		e.snapshotViz(nodeID)
		return true
	}

	reason := fmt.Sprintf("%s: %s", out.Feedback.ErrorCode, out.Feedback.Message)
	e.mu.Lock()
	_ = e.g.Mark(nodeID, model.NodeFailed, graph.MarkUpdate{
		Reason:      reason,
		Observation: out.Observation,
	})
	isRoot := e.g.RootID() == nodeID
	e.mu.Unlock()
	e.remember(node.Action.ToolName, "FAILED", reason)
	e.logEvent(model.LevelWarning, fmt.Sprintf("node %s failed: %s", nodeID, reason), nodeID)
	e.publishGraph()
	e.snapshotViz(nodeID)

	if cancelled(ctx) {
		e.finalize(model.TaskCancelled)
		return false
	}
	if e.expired() {
		e.failWallClock()
		return false
	}

	switch node.Action.OnFailureAction {
	case model.PolicyAbort:
		if isRoot {
			e.finalize(model.TaskFailed)
			return false
		}
		return true
	case model.PolicySkip:
		return true
	case model.PolicyRetryOnly:
		e.finalize(terminalStatus(e.uncorrected(), e.successCount()))
		return false
	default: // RE_EVALUATE
		return e.correct(ctx, nodeID)
	}
}

// correct runs one correction round for a failed node.
func (e *Engine) correct(ctx context.Context, nodeID string) bool {
	e.mu.Lock()
	over := e.corrections >= e.correctionBudget
	if !over {
		e.corrections++
	}
	failed, _ := e.g.Get(nodeID)
	failed = failed.Clone()
	e.mu.Unlock()

	if over {
		// Out of correction rounds: treat the failure as ABORT.
		e.logEvent(model.LevelError,
			fmt.Sprintf("%s: correction budget of %d exhausted at node %s", model.ErrCodeCorrection, e.correctionBudget, nodeID), nodeID)
		e.mu.Lock()
		for _, c := range e.g.Children(nodeID) {
			_ = e.g.Prune(c.NodeID)
		}
		isRoot := e.g.RootID() == nodeID
		e.mu.Unlock()
		e.publishGraph()
		if isRoot {
			e.finalize(model.TaskFailed)
			return false
		}
		return true
	}

	obs := failed.LastObservation
	nodes, err := e.plan(ctx, func(pctx context.Context) ([]*model.ExecutionNode, error) {
		return e.planner.Correct(pctx, e.goal, failed, obs, e.memoryText())
	})
	if err != nil {
		e.logEvent(model.LevelError, fmt.Sprintf("correction planning failed: %v", err), nodeID)
		e.finalize(terminalStatus(e.uncorrected(), e.successCount()))
		return false
	}

	e.mu.Lock()
	ids, err := e.g.InjectCorrection(nodeID, nodes)
	e.mu.Unlock()
	if err != nil {
		e.logEvent(model.LevelError, fmt.Sprintf("correction rejected by graph: %v", err), nodeID)
		e.finalize(terminalStatus(e.uncorrected(), e.successCount()))
		return false
	}
	e.logEvent(model.LevelInfo,
		fmt.Sprintf("correction injected after %s: %s", nodeID, strings.Join(ids, ", ")), nodeID)
	e.publishGraph()
	e.snapshotViz(nodeID)
	return true
}

// plan runs one planner call under the LM budget, additionally capped by
// the remaining wall clock.
func (e *Engine) plan(ctx context.Context, call func(context.Context) ([]*model.ExecutionNode, error)) ([]*model.ExecutionNode, error) {
	e.mu.Lock()
	remaining := time.Until(e.deadlineLocked())
	e.mu.Unlock()
	budget := e.plannerTimeout
	if remaining < budget {
		budget = remaining
	}
	pctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return call(pctx)
}

// failWallClock fails every node that never got to run and finalizes the
// task as failed.
func (e *Engine) failWallClock() {
	e.mu.Lock()
	nodes, _ := e.g.Snapshot()
	for id, n := range nodes {
		if n.CurrentStatus == model.NodePending {
			_ = e.g.Mark(id, model.NodeFailed, graph.MarkUpdate{
				Reason: fmt.Sprintf("%s: task wall clock expired before dispatch", model.ErrCodeWallClock),
			})
		}
	}
	e.mu.Unlock()
	e.logEvent(model.LevelError, fmt.Sprintf("%s: task exceeded its wall-clock budget", model.ErrCodeWallClock), "")
	e.publishGraph()
	e.finalize(model.TaskFailed)
}

// finalize commits the terminal status, logs the execution summary, emits
// the final events, and releases the session.
func (e *Engine) finalize(status model.TaskStatus) {
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return
	}
	e.status = status
	e.endTime = time.Now().UTC().Format(time.RFC3339)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	for id, n := range snap.Nodes {
		e.log.Info().
			Str("node", id).
			Str("tool", n.Action.ToolName).
			Str("status", string(n.CurrentStatus)).
			Str("failure_reason", n.FailureReason).
			Msg("node summary")
	}
	e.log.Info().Str("status", string(status)).Int("nodes", len(snap.Nodes)).Msg("task finished")

	level := model.LevelSuccess
	if status != model.TaskCompleted {
		level = model.LevelError
	}
	e.publishGraph()
	e.logEvent(level, fmt.Sprintf("task %s", status), "")
	e.publishTask()
	e.bus.CloseTask(e.goal.TaskUUID)

	if e.session != nil {
		_ = e.session.Close()
	}
}

// --- helpers ---

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// Cancelled reports whether the context carries the Stop cause.
func Cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrCancelled)
}

func terminalStatus(uncorrected int, successes int) model.TaskStatus {
	if uncorrected == 0 && successes > 0 {
		return model.TaskCompleted
	}
	return model.TaskFailed
}

func (e *Engine) uncorrected() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.g.UncorrectedFailures())
}

func (e *Engine) successCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g.CountByStatus()[model.NodeSuccess]
}

// deadlineLocked computes the wall-clock deadline from the current graph
// size. The budget grows as corrections add nodes; the floor only binds
// before the first plan lands.
func (e *Engine) deadlineLocked() time.Time {
	if e.g.Len() == 0 {
		return e.started.Add(wallClockFloor)
	}
	budget := time.Duration(e.goal.MaxExecutionTimeSeconds) * time.Second * time.Duration(e.g.Len())
	return e.started.Add(budget)
}

func (e *Engine) expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().After(e.deadlineLocked())
}

func (e *Engine) resolvedOutput(id string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.g.Get(id)
	if !ok || n.CurrentStatus != model.NodeSuccess || n.ResolvedOutput == "" {
		return "", false
	}
	return n.ResolvedOutput, true
}

func (e *Engine) remember(tool, status, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	line := fmt.Sprintf("- %s %s", tool, status)
	if detail != "" {
		line += ": " + detail
	}
	e.memory = append(e.memory, line)
	if len(e.memory) > memoryWindow {
		e.memory = e.memory[len(e.memory)-memoryWindow:]
	}
}

func (e *Engine) memoryText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.memory) == 0 {
		return ""
	}
	text := strings.Join(e.memory, "\n")
	if e.corrections > 0 {
		text += fmt.Sprintf("\n(corrections used: %d of %d)", e.corrections, e.correctionBudget)
	}
	return text
}

// publishGraph emits node_update events for every node whose snapshot
// changed since the last publish.
func (e *Engine) publishGraph() {
	e.mu.Lock()
	nodes, _ := e.g.Snapshot()
	changed := make([]*model.ExecutionNode, 0, 2)
	for id, n := range nodes {
		raw, err := json.Marshal(n)
		if err != nil {
			continue
		}
		sum := blake3.Sum256(raw)
		digest := string(sum[:])
		if e.digests[id] != digest {
			e.digests[id] = digest
			changed = append(changed, n)
		}
	}
	taskID := e.goal.TaskUUID
	e.mu.Unlock()

	for _, n := range changed {
		e.bus.Publish(bus.Event{Type: bus.EventNodeUpdate, TaskID: taskID, Node: n})
	}
}

func (e *Engine) publishTask() {
	e.mu.Lock()
	status := e.status
	e.mu.Unlock()
	e.bus.Publish(bus.Event{Type: bus.EventTaskUpdate, TaskID: e.goal.TaskUUID, TaskStatus: status})
}

func (e *Engine) publishBrowserURL(obs *model.WebObservation) {
	if obs == nil || obs.CurrentURL == "" {
		return
	}
	e.mu.Lock()
	changed := obs.CurrentURL != e.lastURL
	e.lastURL = obs.CurrentURL
	e.mu.Unlock()
	if changed {
		e.bus.Publish(bus.Event{Type: bus.EventBrowserURL, TaskID: e.goal.TaskUUID, URL: obs.CurrentURL})
	}
}

func (e *Engine) logEvent(level model.LogLevel, msg, nodeID string) {
	entry := model.NewLogEntry(level, msg, nodeID)
	switch level {
	case model.LevelError:
		e.log.Error().Str("node", nodeID).Msg(msg)
	case model.LevelWarning:
		e.log.Warn().Str("node", nodeID).Msg(msg)
	default:
		e.log.Info().Str("node", nodeID).Msg(msg)
	}
	e.bus.Publish(bus.Event{Type: bus.EventLog, TaskID: e.goal.TaskUUID, Log: &entry})
}

func (e *Engine) snapshotViz(nodeID string) {
	if e.viz == nil {
		return
	}
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.stepSeq++
	step := fmt.Sprintf("step%d", e.stepSeq)
	e.mu.Unlock()
	if nodeID == "" {
		nodeID = "plan"
	}
	if _, err := e.viz.Snapshot(snap, step, nodeID); err != nil {
		e.log.Warn().Err(err).Msg("graph snapshot failed")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
