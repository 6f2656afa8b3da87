package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/bus"
	"github.com/jtarasov/wayfarer/internal/config"
	"github.com/jtarasov/wayfarer/internal/decision/dispatch"
	"github.com/jtarasov/wayfarer/internal/decision/engine"
	"github.com/jtarasov/wayfarer/internal/decision/model"
	"github.com/jtarasov/wayfarer/internal/decision/planner"
	"github.com/jtarasov/wayfarer/internal/llm"
	"github.com/jtarasov/wayfarer/internal/server"
	"github.com/jtarasov/wayfarer/internal/tools"
	"github.com/jtarasov/wayfarer/internal/viz"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A local .env is optional; environment wins over the config file.
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		run(os.Args[2:])
	case "version":
		fmt.Printf("wayfarer %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  wayfarer serve [--config <wayfarer.yaml>] [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  wayfarer run [--config <wayfarer.yaml>] [--headful] <goal>")
	fmt.Fprintln(os.Stderr, "  wayfarer version")
}

func serve(args []string) {
	var configPath string
	var addr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	log := buildLogger(cfg.LogLevel)

	client, err := llm.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv := server.New(server.Options{
		Addr:             cfg.Addr,
		Client:           client,
		Model:            cfg.Model,
		Tools:            tools.NewBuiltinRegistry(),
		Sessions:         browser.SimFactory(),
		Store:            artifacts.NewStore(cfg.DataDir),
		Log:              log,
		Headless:         cfg.Headless,
		CorrectionBudget: cfg.CorrectionBudget,
	})
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) {
	var configPath string
	var headful bool
	var goalText string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--headful":
			headful = true
		default:
			if strings.HasPrefix(args[i], "--") {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				os.Exit(1)
			}
			if goalText != "" {
				goalText += " "
			}
			goalText += args[i]
		}
	}
	if strings.TrimSpace(goalText) == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := buildLogger(cfg.LogLevel)

	client, err := llm.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	session, err := browser.SimFactory()(!headful)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	goal := &model.TaskGoal{
		TaskUUID:          ulid.Make().String(),
		TargetDescription: strings.TrimSpace(goalText),
		AllowedActions:    append([]string(nil), tools.BuiltinNames...),
	}
	goal.ApplyDefaults()

	reg := tools.NewBuiltinRegistry()
	store := artifacts.NewStore(cfg.DataDir)
	b := bus.New()
	eng := engine.New(engine.Options{
		Goal:             goal,
		Planner:          planner.New(client, reg, cfg.Model, log),
		Dispatcher:       dispatch.New(reg, log),
		Session:          session,
		Store:            store,
		Bus:              b,
		Viz:              viz.NewWriter(store, log),
		Log:              log,
		CorrectionBudget: cfg.CorrectionBudget,
	})

	sub := b.Subscribe(goal.TaskUUID, 0)
	done := make(chan *model.TaskExecution, 1)
	go func() { done <- eng.Run(context.Background()) }()

	for ev := range sub.C() {
		printEvent(ev)
	}
	final := <-done

	fmt.Printf("task %s: %s\n", final.TaskUUID, final.Status)
	if final.Status != model.TaskCompleted {
		os.Exit(1)
	}
}

func printEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventNodeUpdate:
		fmt.Printf("[node] %s %s -> %s\n", ev.Node.NodeID, ev.Node.Action.ToolName, ev.Node.CurrentStatus)
	case bus.EventTaskUpdate:
		fmt.Printf("[task] %s\n", ev.TaskStatus)
	case bus.EventLog:
		fmt.Printf("[%s] %s\n", ev.Log.Level, ev.Log.Message)
	case bus.EventBrowserURL:
		fmt.Printf("[url] %s\n", ev.URL)
	}
}

// buildLogger writes human-readable logs on a terminal and JSON otherwise.
func buildLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		out = zerolog.New(os.Stderr)
	}
	return out.Level(lvl).With().Timestamp().Logger()
}
