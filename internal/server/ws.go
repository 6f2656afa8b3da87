package server

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jtarasov/wayfarer/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same cross-origin stance as the POST guard: no Origin (CLI,
	// same-origin pages) or a localhost-family origin.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return localhostOrigin(u.Hostname())
	},
}

// wsInbound is a client frame. Unknown events are ignored.
type wsInbound struct {
	Event    string `json:"event"`
	TaskUUID string `json:"task_uuid"`
}

// wsOutbound is a server frame.
type wsOutbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// wsClient serializes writes to one websocket connection.
type wsClient struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs []*bus.Subscription
}

func (c *wsClient) send(frame wsOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsClient) track(sub *bus.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

func (c *wsClient) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// handleWS upgrades the connection and serves the event protocol: the
// client joins tasks by uuid and receives node_update / task_update / log /
// browser_url pushes until the task closes or the connection drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn}
	// Closing the connection first unblocks any forwarder stuck in a write.
	defer client.closeSubs()
	defer func() { _ = conn.Close() }()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Event {
		case "ping":
			if err := client.send(wsOutbound{Event: "pong"}); err != nil {
				return
			}
		case "join_task":
			s.joinTask(client, in.TaskUUID)
		default:
			// Unknown events are ignored.
		}
	}
}

// joinTask sends the current snapshot and starts streaming the task's
// events to the client.
func (s *Server) joinTask(client *wsClient, taskID string) {
	if !validTaskID.MatchString(taskID) {
		return
	}
	ts, ok := s.registry.Get(taskID)
	if !ok {
		s.log.Warn().Str("task", taskID).Msg("join for unknown task")
		return
	}
	s.log.Info().Str("task", taskID).Msg("websocket join")

	// Snapshot first so the client never starts from a blank graph.
	if err := client.send(wsOutbound{
		Event: "task_update",
		Data:  map[string]any{"task": ts.Snapshot()},
	}); err != nil {
		return
	}

	sub := s.bus.Subscribe(taskID, 0)
	client.track(sub)
	go func() {
		for ev := range sub.C() {
			if err := client.send(outboundFrame(ev, ts)); err != nil {
				sub.Close()
				return
			}
		}
	}()
}

// outboundFrame converts a bus event into the wire shape the UI consumes.
func outboundFrame(ev bus.Event, ts *TaskState) wsOutbound {
	switch ev.Type {
	case bus.EventNodeUpdate:
		return wsOutbound{Event: "node_update", Data: map[string]any{"node": ev.Node}}
	case bus.EventTaskUpdate:
		return wsOutbound{Event: "task_update", Data: map[string]any{"task": ts.Snapshot()}}
	case bus.EventLog:
		return wsOutbound{Event: "log", Data: ev.Log}
	case bus.EventBrowserURL:
		return wsOutbound{Event: "browser_url", Data: map[string]any{"url": ev.URL}}
	default:
		return wsOutbound{Event: string(ev.Type)}
	}
}
