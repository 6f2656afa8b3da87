// Package bus fans task events out to subscribers (websocket sessions, the
// one-shot CLI, tests). Each subscriber owns a bounded FIFO; when it falls
// behind, superseded node updates are dropped in favor of newer ones, but
// terminal node states, task updates, and log lines are never lost.
package bus

import (
	"sync"
	"time"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// EventType discriminates the payload of an Event.
type EventType string

const (
	EventNodeUpdate EventType = "node_update"
	EventTaskUpdate EventType = "task_update"
	EventLog        EventType = "log"
	EventBrowserURL EventType = "browser_url"
)

// Event is one task-scoped notification.
type Event struct {
	Type       EventType            `json:"type"`
	TaskID     string               `json:"task_id"`
	Timestamp  string               `json:"timestamp"`
	Node       *model.ExecutionNode `json:"node,omitempty"`
	TaskStatus model.TaskStatus     `json:"task_status,omitempty"`
	Log        *model.LogEntry      `json:"log,omitempty"`
	URL        string               `json:"url,omitempty"`
}

// droppable reports whether the event may be discarded under backpressure.
func (e Event) droppable() bool {
	return e.Type == EventNodeUpdate && e.Node != nil && !e.Node.CurrentStatus.Terminal()
}

// DefaultQueueSize is the per-subscriber FIFO bound.
const DefaultQueueSize = 256

// Bus routes events by task id.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: map[string]map[*Subscription]struct{}{}}
}

// Subscription is one consumer's view of a task's event stream. Events
// arrive on C in publish order, minus any superseded node updates dropped
// under backpressure.
type Subscription struct {
	bus    *Bus
	taskID string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	limit  int
	closed bool

	out      chan Event
	done     chan struct{}
	once     sync.Once
	doneOnce sync.Once
}

// Subscribe registers a consumer for taskID. queueSize <= 0 uses the
// default bound.
func (b *Bus) Subscribe(taskID string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Subscription{
		bus:    b,
		taskID: taskID,
		limit:  queueSize,
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.forward()

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[taskID]
	if !ok {
		set = map[*Subscription]struct{}{}
		b.subs[taskID] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber of its task.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs[ev.TaskID]))
	for s := range b.subs[ev.TaskID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// CloseTask closes every subscription of the task after its queued events
// drain.
func (b *Bus) CloseTask(taskID string) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs[taskID]))
	for s := range b.subs[taskID] {
		subs = append(subs, s)
	}
	delete(b.subs, taskID)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// C returns the delivery channel. It closes when the subscription does.
func (s *Subscription) C() <-chan Event { return s.out }

// Close detaches the subscription immediately; queued events are discarded
// and C closes. Use it from the consumer side when it stops reading.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.taskID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.taskID)
		}
	}
	s.bus.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Signal()
		s.mu.Unlock()
	})
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.limit {
		if i := s.oldestDroppable(ev); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
		} else if ev.droppable() {
			return
		}
		// Non-droppable events exceed the bound rather than get lost.
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// oldestDroppable picks the queued event to evict: the oldest superseded
// update for the same node when the incoming event is a node update,
// otherwise the oldest droppable event of any node.
func (s *Subscription) oldestDroppable(incoming Event) int {
	any := -1
	for i, q := range s.queue {
		if !q.droppable() {
			continue
		}
		if any < 0 {
			any = i
		}
		if incoming.Type == EventNodeUpdate && incoming.Node != nil &&
			q.Node.NodeID == incoming.Node.NodeID {
			return i
		}
	}
	return any
}

func (s *Subscription) forward() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
