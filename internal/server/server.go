// Package server exposes the task API over HTTP and websocket: submit,
// inspect, stop, live screenshots, and an event stream per task. One engine
// runs per task; the server only ever reads snapshots.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/bus"
	"github.com/jtarasov/wayfarer/internal/decision/dispatch"
	"github.com/jtarasov/wayfarer/internal/decision/engine"
	"github.com/jtarasov/wayfarer/internal/decision/model"
	"github.com/jtarasov/wayfarer/internal/decision/planner"
	"github.com/jtarasov/wayfarer/internal/llm"
	"github.com/jtarasov/wayfarer/internal/tools"
	"github.com/jtarasov/wayfarer/internal/viz"
)

// shutdownGrace bounds how long Shutdown waits for tasks and connections.
const shutdownGrace = 15 * time.Second

// Options wires one server instance.
type Options struct {
	Addr     string
	Client   llm.Client
	Model    string
	Tools    *tools.Registry
	Sessions browser.Factory
	Store    *artifacts.Store
	Log      zerolog.Logger

	// Headless is the default browser mode when a submission omits it.
	Headless         bool
	CorrectionBudget int
}

// Server is the HTTP/WS front end over the task registry.
type Server struct {
	opts     Options
	bus      *bus.Bus
	registry *TaskRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	log      zerolog.Logger
}

// New creates a Server with the given options.
func New(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		bus:      bus.New(),
		registry: NewTaskRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		log:      opts.Log.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/stop", s.handleStopTask)
	mux.HandleFunc("GET /tasks/{id}/screenshot", s.handleScreenshot)
	mux.HandleFunc("GET /tasks/{id}/cdp-url", s.handleCDPURL)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket pushes require no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the full HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.Info().Str("signal", sig.String()).Msg("shutting down")
		s.Shutdown()
	}()

	s.log.Info().Str("addr", s.opts.Addr).Msg("listening")
	s.httpSrv.Addr = s.opts.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops every running task, then drains HTTP connections.
func (s *Server) Shutdown() {
	s.registry.StopAll(shutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

// launchTask builds the per-task stack (session, planner, dispatcher,
// engine) and starts the run goroutine.
func (s *Server) launchTask(description string, headless bool) (*TaskState, error) {
	id := ulid.Make().String()

	goal := &model.TaskGoal{
		TaskUUID:          id,
		TargetDescription: description,
		AllowedActions:    append([]string(nil), tools.BuiltinNames...),
	}
	goal.ApplyDefaults()

	session, err := s.opts.Sessions(headless)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}

	taskLog := s.opts.Log.With().Str("task", id).Logger()
	eng := engine.New(engine.Options{
		Goal:             goal,
		Planner:          planner.New(s.opts.Client, s.opts.Tools, s.opts.Model, taskLog),
		Dispatcher:       dispatch.New(s.opts.Tools, taskLog),
		Session:          session,
		Store:            s.opts.Store,
		Bus:              s.bus,
		Viz:              viz.NewWriter(s.opts.Store, taskLog),
		Log:              taskLog,
		CorrectionBudget: s.opts.CorrectionBudget,
	})

	ts := newTaskState(id, eng)
	if err := s.registry.Register(ts); err != nil {
		_ = session.Close()
		return nil, err
	}

	go func() {
		defer ts.finish()
		final := eng.Run(s.baseCtx)
		s.log.Info().Str("task", id).Str("status", string(final.Status)).Msg("task finished")
	}()

	return ts, nil
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically
// set the Origin header on cross-origin requests, so checking it blocks
// CSRF from malicious web pages while allowing CLI/programmatic callers
// (which either omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				if !localhostOrigin(u.Hostname()) {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// localhostOrigin allows only localhost-family hosts, blocking
// browser-based CSRF from remote pages while allowing local web UIs.
func localhostOrigin(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
