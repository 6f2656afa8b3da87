package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/decision/model"
	"github.com/jtarasov/wayfarer/internal/llm"
	"github.com/jtarasov/wayfarer/internal/tools"
)

// fakeLLM replays scripted completions; once exhausted it returns an empty
// plan so extra correction rounds terminate quickly.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return llm.Response{Content: `{"execution_plan": []}`}, nil
	}
	out := f.responses[0]
	f.responses = f.responses[1:]
	return llm.Response{Content: out}, nil
}

// quickPlan finishes in well under a second and leaves a saved screenshot
// behind for the fallback path.
const quickPlan = `{"execution_plan": [
  {"node_id": "n1", "action": {"tool_name": "navigate_to", "tool_args": {"url": "https://example.com"},
   "reasoning": "open", "confidence_score": 0.9, "expected_outcome": "page open"}},
  {"node_id": "n2", "parent_id": "n1", "action": {"tool_name": "take_screenshot", "tool_args": {},
   "reasoning": "capture", "confidence_score": 0.9, "expected_outcome": "png saved"}}
]}`

// slowPlan keeps the task running long enough to stop it from a test.
const slowPlan = `{"execution_plan": [
  {"node_id": "n1", "action": {"tool_name": "wait", "tool_args": {"seconds": 10},
   "execution_timeout_seconds": 30, "reasoning": "hold", "confidence_score": 0.9, "expected_outcome": "waited"}}
]}`

func newTestServer(t *testing.T, responses ...string) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Options{
		Addr:     ":0",
		Client:   &fakeLLM{responses: responses},
		Model:    "test-model",
		Tools:    tools.NewBuiltinRegistry(),
		Sessions: browser.SimFactory(),
		Store:    artifacts.NewStore(t.TempDir()),
		Log:      zerolog.Nop(),
		Headless: true,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func createTask(t *testing.T, ts *httptest.Server, description string) *model.TaskExecution {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"description": description})
	resp, err := http.Post(ts.URL+"/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /tasks status = %d", resp.StatusCode)
	}
	var snap model.TaskExecution
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TaskUUID == "" {
		t.Fatal("snapshot missing task_uuid")
	}
	return &snap
}

func getTask(t *testing.T, ts *httptest.Server, id string) (*model.TaskExecution, int) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/tasks/" + id)
	if err != nil {
		t.Fatalf("GET /tasks/%s: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode
	}
	var snap model.TaskExecution
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return &snap, resp.StatusCode
}

// waitTerminal polls until the task reaches a terminal status.
func waitTerminal(t *testing.T, ts *httptest.Server, id string) *model.TaskExecution {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		snap, code := getTask(t, ts, id)
		if code != http.StatusOK {
			t.Fatalf("GET /tasks/%s status = %d", id, code)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", id)
	return nil
}
