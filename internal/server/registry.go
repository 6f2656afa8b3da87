package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jtarasov/wayfarer/internal/decision/engine"
	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// TaskState tracks one submitted task: its engine, its start time, and a
// done channel that closes when the run goroutine returns.
type TaskState struct {
	ID        string
	StartedAt time.Time

	eng  *engine.Engine
	done chan struct{}
}

func newTaskState(id string, eng *engine.Engine) *TaskState {
	return &TaskState{
		ID:        id,
		StartedAt: time.Now().UTC(),
		eng:       eng,
		done:      make(chan struct{}),
	}
}

// Engine returns the live engine. The server uses it for screenshots and
// the CDP endpoint while the task runs.
func (t *TaskState) Engine() *engine.Engine { return t.eng }

// Snapshot returns a deep copy of the task state.
func (t *TaskState) Snapshot() *model.TaskExecution { return t.eng.Snapshot() }

// Stop requests cooperative cancellation. Idempotent; a no-op once the
// task reached a terminal status.
func (t *TaskState) Stop() { t.eng.Stop() }

// Done closes when the task's run goroutine has returned.
func (t *TaskState) Done() <-chan struct{} { return t.done }

func (t *TaskState) finish() { close(t.done) }

// TaskRegistry tracks every task managed by this server instance.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*TaskState
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*TaskState)}
}

// Register adds a task. Returns an error if the id already exists.
func (r *TaskRegistry) Register(ts *TaskState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[ts.ID]; exists {
		return fmt.Errorf("task %s already exists", ts.ID)
	}
	r.tasks[ts.ID] = ts
	return nil
}

// Get returns a task by id.
func (r *TaskRegistry) Get(id string) (*TaskState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tasks[id]
	return ts, ok
}

// List returns all tasks, newest first. ULIDs sort by creation time, so
// the id breaks start-time ties deterministically.
func (r *TaskRegistry) List() []*TaskState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TaskState, 0, len(r.tasks))
	for _, ts := range r.tasks {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// StopAll requests cancellation of every task and waits for their run
// goroutines to return, up to the grace period.
func (r *TaskRegistry) StopAll(grace time.Duration) {
	r.mu.RLock()
	tasks := make([]*TaskState, 0, len(r.tasks))
	for _, ts := range r.tasks {
		tasks = append(tasks, ts)
	}
	r.mu.RUnlock()

	for _, ts := range tasks {
		ts.Stop()
	}
	deadline := time.After(grace)
	for _, ts := range tasks {
		select {
		case <-ts.Done():
		case <-deadline:
			return
		}
	}
}
