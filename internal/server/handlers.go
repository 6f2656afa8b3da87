package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// validTaskID matches ULIDs and other safe identifiers. Only alphanumeric,
// dashes, and underscores are allowed.
var validTaskID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// createTaskRequest is the POST /tasks body.
type createTaskRequest struct {
	Description string `json:"description"`
	Headless    *bool  `json:"headless,omitempty"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  len(s.registry.List()),
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	headless := s.opts.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}

	ts, err := s.launchTask(strings.TrimSpace(req.Description), headless)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("task", ts.ID).Msg("task accepted")
	writeJSON(w, http.StatusAccepted, ts.Snapshot())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	states := s.registry.List()
	snapshots := make([]*model.TaskExecution, 0, len(states))
	for _, ts := range states {
		snapshots = append(snapshots, ts.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": snapshots})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.taskFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ts.Snapshot())
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.taskFor(w, r)
	if !ok {
		return
	}
	ts.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleScreenshot serves a live capture while the task runs, falling back
// to the newest saved screenshot once the session is gone.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.taskFor(w, r)
	if !ok {
		return
	}

	if ts.Snapshot().Status == model.TaskRunning {
		if png, err := ts.Engine().Session().Screenshot(r.Context(), false); err == nil {
			writePNG(w, png)
			return
		}
	}

	path, found, err := s.opts.Store.LatestMatch("temp/screenshots/*.png")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no screenshot available")
		return
	}
	png, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePNG(w, png)
}

// handleCDPURL reports the DevTools endpoint for live-view embedding.
func (s *Server) handleCDPURL(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.taskFor(w, r)
	if !ok {
		return
	}

	type cdpResponse struct {
		URL     string `json:"url"`
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}

	if ts.Snapshot().Status.Terminal() {
		writeJSON(w, http.StatusOK, cdpResponse{
			Status:  "completed",
			Message: "task already finished",
		})
		return
	}
	if url := ts.Engine().Session().CDPURL(); url != "" {
		writeJSON(w, http.StatusOK, cdpResponse{URL: url, Status: "ready"})
		return
	}
	writeJSON(w, http.StatusOK, cdpResponse{Status: "waiting"})
}

// taskFor resolves the {id} path value, writing the error response itself
// when the id is malformed or unknown.
func (s *Server) taskFor(w http.ResponseWriter, r *http.Request) (*TaskState, bool) {
	id := r.PathValue("id")
	if !validTaskID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "task id must be alphanumeric with dashes/underscores, 1-128 chars")
		return nil, false
	}
	ts, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
		return nil, false
	}
	return ts, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writePNG serves screenshot bytes with caching disabled so the UI's
// polling always sees the current frame.
func writePNG(w http.ResponseWriter, png []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
