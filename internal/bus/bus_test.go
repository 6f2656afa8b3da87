package bus

import (
	"testing"
	"time"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

func nodeEvent(taskID, nodeID string, status model.NodeStatus) Event {
	return Event{
		Type:   EventNodeUpdate,
		TaskID: taskID,
		Node:   &model.ExecutionNode{NodeID: nodeID, CurrentStatus: status},
	}
}

func collect(t *testing.T, s *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublish_DeliversInOrder(t *testing.T) {
	b := New()
	s := b.Subscribe("t1", 0)
	defer s.Close()

	b.Publish(Event{Type: EventLog, TaskID: "t1", Log: &model.LogEntry{Message: "one"}})
	b.Publish(Event{Type: EventLog, TaskID: "t1", Log: &model.LogEntry{Message: "two"}})
	b.Publish(Event{Type: EventBrowserURL, TaskID: "t1", URL: "https://example.com"})

	evs := collect(t, s, 3)
	if evs[0].Log.Message != "one" || evs[1].Log.Message != "two" || evs[2].URL != "https://example.com" {
		t.Fatalf("events = %+v", evs)
	}
	if evs[0].Timestamp == "" {
		t.Fatal("publish must stamp events")
	}
}

func TestPublish_IsolatesTasks(t *testing.T) {
	b := New()
	s1 := b.Subscribe("t1", 0)
	defer s1.Close()
	s2 := b.Subscribe("t2", 0)
	defer s2.Close()

	b.Publish(Event{Type: EventLog, TaskID: "t1", Log: &model.LogEntry{Message: "only t1"}})

	if evs := collect(t, s1, 1); evs[0].Log.Message != "only t1" {
		t.Fatalf("s1 events = %+v", evs)
	}
	select {
	case ev := <-s2.C():
		t.Fatalf("t2 subscriber got foreign event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflow_DropsSupersededNodeUpdate(t *testing.T) {
	b := New()
	s := b.Subscribe("t1", 2)
	defer s.Close()

	// No reader yet: fill the queue, then overflow with a newer update for
	// the same node. The oldest PENDING update for n1 must give way.
	b.Publish(nodeEvent("t1", "n1", model.NodePending))
	b.Publish(nodeEvent("t1", "n2", model.NodePending))
	b.Publish(nodeEvent("t1", "n1", model.NodeRunning))

	evs := collect(t, s, 2)
	// The forwarder may have popped the first event before the overflow;
	// either way the RUNNING update for n1 must survive.
	last := evs[len(evs)-1]
	if last.Node.NodeID != "n1" || last.Node.CurrentStatus != model.NodeRunning {
		t.Fatalf("events = %+v", evs)
	}
}

func TestOverflow_NeverDropsTerminal(t *testing.T) {
	b := New()
	s := b.Subscribe("t1", 1)
	defer s.Close()

	b.Publish(nodeEvent("t1", "n1", model.NodeSuccess))
	b.Publish(nodeEvent("t1", "n2", model.NodeFailed))
	b.Publish(nodeEvent("t1", "n3", model.NodePruned))

	evs := collect(t, s, 3)
	seen := map[string]model.NodeStatus{}
	for _, ev := range evs {
		seen[ev.Node.NodeID] = ev.Node.CurrentStatus
	}
	if len(seen) != 3 {
		t.Fatalf("terminal updates lost: %v", seen)
	}
}

func TestOverflow_DropsIncomingWhenNothingElseCan(t *testing.T) {
	b := New()
	s := b.Subscribe("t1", 1)

	// Queue holds a terminal update; a non-terminal newcomer is the only
	// droppable event.
	b.Publish(nodeEvent("t1", "n1", model.NodeSuccess))
	b.Publish(nodeEvent("t1", "n2", model.NodePending))

	evs := collect(t, s, 1)
	if evs[0].Node.NodeID != "n1" {
		t.Fatalf("events = %+v", evs)
	}
	s.Close()
}

func TestCloseTask_DrainsThenCloses(t *testing.T) {
	b := New()
	s := b.Subscribe("t1", 0)

	b.Publish(Event{Type: EventTaskUpdate, TaskID: "t1", TaskStatus: model.TaskCompleted})
	b.CloseTask("t1")

	evs := collect(t, s, 1)
	if evs[0].TaskStatus != model.TaskCompleted {
		t.Fatalf("events = %+v", evs)
	}
	select {
	case _, ok := <-s.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after CloseTask")
	}
}

func TestSubscriberClose_StopsDelivery(t *testing.T) {
	b := New()
	s := b.Subscribe("t1", 0)
	s.Close()
	// Publishing after close must not panic or block.
	b.Publish(Event{Type: EventLog, TaskID: "t1", Log: &model.LogEntry{Message: "late"}})
}
