package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/browser"
	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// Builtin tool names.
const (
	ToolNavigateTo       = "navigate_to"
	ToolClickElement     = "click_element"
	ToolClickNth         = "click_nth"
	ToolTypeText         = "type_text"
	ToolScroll           = "scroll"
	ToolWait             = "wait"
	ToolWaitFor          = "wait_for"
	ToolExtractData      = "extract_data"
	ToolElementAttribute = "get_element_attribute"
	ToolTakeScreenshot   = "take_screenshot"
	ToolFindLinkByText   = "find_link_by_text"
	ToolOpenNotepad      = "open_notepad"
)

// BuiltinNames lists every builtin tool in planner-guide order.
var BuiltinNames = []string{
	ToolNavigateTo, ToolClickElement, ToolClickNth, ToolTypeText, ToolScroll,
	ToolWait, ToolWaitFor, ToolExtractData, ToolElementAttribute,
	ToolTakeScreenshot, ToolFindLinkByText, ToolOpenNotepad,
}

// NewBuiltinRegistry returns a registry with the full builtin tool set.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, t := range builtins() {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

func obj(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func argFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func builtins() []Tool {
	return []Tool{
		{
			Name:  ToolNavigateTo,
			Guide: `{"url": "https://..."} loads a page; output is the post-load URL`,
			Params: obj([]string{"url"}, map[string]any{
				"url": map[string]any{"type": "string", "minLength": 1},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				url := argString(inv.Args, "url", "")
				if err := inv.Session.NavigateTo(ctx, url); err != nil {
					return Result{}, err
				}
				return Result{
					Output:  inv.Session.CurrentURL(),
					Message: fmt.Sprintf("Navigated to %s", url),
				}, nil
			},
		},
		{
			Name:  ToolClickElement,
			Guide: `{"xpath": "//button[...]"} clicks the element; output is the post-click URL`,
			Params: obj([]string{"xpath"}, map[string]any{
				"xpath": map[string]any{"type": "string", "minLength": 1},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				xpath := argString(inv.Args, "xpath", "")
				if err := inv.Session.Click(ctx, xpath); err != nil {
					return Result{}, err
				}
				return Result{
					Output:  inv.Session.CurrentURL(),
					Message: fmt.Sprintf("Clicked element at %s", xpath),
				}, nil
			},
		},
		{
			Name:  ToolClickNth,
			Guide: `{"selector": "h3 a", "index": 0} clicks the index-th match (0-based); output is the post-click URL`,
			Params: obj([]string{"selector"}, map[string]any{
				"selector": map[string]any{"type": "string", "minLength": 1},
				"index":    map[string]any{"type": "integer", "minimum": 0},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				selector := argString(inv.Args, "selector", "")
				index := argInt(inv.Args, "index", 0)
				if err := inv.Session.ClickNth(ctx, selector, index); err != nil {
					return Result{}, err
				}
				return Result{
					Output:  inv.Session.CurrentURL(),
					Message: fmt.Sprintf("Clicked match %d of %q", index, selector),
				}, nil
			},
		},
		{
			Name:  ToolTypeText,
			Guide: `{"xpath": "//input[...]", "text": "...", "press_enter": false} types into a field; output is the post-action URL`,
			Params: obj([]string{"xpath", "text"}, map[string]any{
				"xpath":       map[string]any{"type": "string", "minLength": 1},
				"text":        map[string]any{"type": "string"},
				"press_enter": map[string]any{"type": "boolean"},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				xpath := argString(inv.Args, "xpath", "")
				text := argString(inv.Args, "text", "")
				enter := argBool(inv.Args, "press_enter", false)
				if err := inv.Session.TypeText(ctx, xpath, text, enter); err != nil {
					return Result{}, err
				}
				return Result{
					Output:  inv.Session.CurrentURL(),
					Message: fmt.Sprintf("Typed %d characters into %s", len(text), xpath),
				}, nil
			},
		},
		{
			Name:  ToolScroll,
			Guide: `{"direction": "down", "amount": 500} scrolls the page (up|down|top|bottom); output is the current URL`,
			Params: obj([]string{"direction"}, map[string]any{
				"direction": map[string]any{"type": "string", "enum": []any{"up", "down", "top", "bottom"}},
				"amount":    map[string]any{"type": "integer", "minimum": 0},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				direction := argString(inv.Args, "direction", "down")
				amount := argInt(inv.Args, "amount", 0)
				if err := inv.Session.Scroll(ctx, direction, amount); err != nil {
					return Result{}, err
				}
				return Result{
					Output:  inv.Session.CurrentURL(),
					Message: fmt.Sprintf("Scrolled %s", direction),
				}, nil
			},
		},
		{
			Name:  ToolWait,
			Guide: `{"seconds": 2} pauses execution; output is the wait confirmation`,
			Params: obj([]string{"seconds"}, map[string]any{
				"seconds": map[string]any{"type": "number", "exclusiveMinimum": 0, "maximum": 60},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				seconds := argFloat(inv.Args, "seconds", 1)
				t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
				defer t.Stop()
				select {
				case <-ctx.Done():
					return Result{}, ctx.Err()
				case <-t.C:
				}
				msg := fmt.Sprintf("Waited %gs", seconds)
				return Result{Output: msg, Message: msg}, nil
			},
		},
		{
			Name:  ToolWaitFor,
			Guide: `{"condition": "networkidle" | "selector:..."} waits for a page condition; output is the confirmation`,
			Params: obj([]string{"condition"}, map[string]any{
				"condition": map[string]any{"type": "string", "minLength": 1},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				condition := argString(inv.Args, "condition", "")
				if err := inv.Session.WaitFor(ctx, condition); err != nil {
					return Result{}, err
				}
				msg := fmt.Sprintf("Condition met: %s", condition)
				return Result{Output: msg, Message: msg}, nil
			},
		},
		{
			Name:  ToolExtractData,
			Guide: `{"selector": "h3 a", "attribute": "text", "limit": 10} extracts items; output is one item per line`,
			Params: obj(nil, map[string]any{
				"selector":  map[string]any{"type": "string"},
				"attribute": map[string]any{"type": "string", "enum": []any{"text", "href", "value"}},
				"limit":     map[string]any{"type": "integer", "minimum": 1},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				selector := argString(inv.Args, "selector", "")
				attribute := argString(inv.Args, "attribute", "text")
				limit := argInt(inv.Args, "limit", 0)
				items, err := inv.Session.ExtractData(ctx, selector, attribute, limit)
				if err != nil {
					return Result{}, err
				}
				if len(items) == 0 {
					return Result{}, &browser.OpError{Code: model.ErrCodeStaleDOM, Msg: fmt.Sprintf("no data matched selector %q", selector)}
				}
				return Result{
					Output:  strings.Join(items, "\n"),
					Message: fmt.Sprintf("Extracted %d items", len(items)),
				}, nil
			},
		},
		{
			Name:  ToolElementAttribute,
			Guide: `{"xpath": "//a[1]", "attribute": "href"} reads one attribute; output is the attribute value`,
			Params: obj([]string{"xpath", "attribute"}, map[string]any{
				"xpath":     map[string]any{"type": "string", "minLength": 1},
				"attribute": map[string]any{"type": "string", "minLength": 1},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				xpath := argString(inv.Args, "xpath", "")
				attribute := argString(inv.Args, "attribute", "")
				value, err := inv.Session.ElementAttribute(ctx, xpath, attribute)
				if err != nil {
					return Result{}, err
				}
				return Result{
					Output:  value,
					Message: fmt.Sprintf("Read %s from %s", attribute, xpath),
				}, nil
			},
		},
		{
			Name:  ToolTakeScreenshot,
			Guide: `{"task_topic": "...", "full_page": false} captures the viewport; output is the saved PNG path`,
			Params: obj(nil, map[string]any{
				"task_topic": map[string]any{"type": "string"},
				"full_page":  map[string]any{"type": "boolean"},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				fullPage := argBool(inv.Args, "full_page", false)
				png, err := inv.Session.Screenshot(ctx, fullPage)
				if err != nil {
					return Result{}, err
				}
				topic := argString(inv.Args, "task_topic", inv.TaskTopic)
				path, err := inv.Store.BuildTempFilePath(artifacts.KindScreenshots, topic, ".png")
				if err != nil {
					return Result{}, err
				}
				if err := os.WriteFile(path, png, 0o644); err != nil {
					return Result{}, fmt.Errorf("write screenshot: %w", err)
				}
				return Result{
					Output:              path,
					Message:             fmt.Sprintf("Screenshot saved to: %s (blake3 %.12s)", path, artifacts.DigestBytes(png)),
					ScreenshotAvailable: true,
				}, nil
			},
		},
		{
			Name:  ToolFindLinkByText,
			Guide: `{"keyword": "docs", "limit": 5} finds anchors whose text contains keyword; output is "text<TAB>href" per line`,
			Params: obj([]string{"keyword"}, map[string]any{
				"keyword": map[string]any{"type": "string", "minLength": 1},
				"limit":   map[string]any{"type": "integer", "minimum": 1},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				keyword := argString(inv.Args, "keyword", "")
				limit := argInt(inv.Args, "limit", 0)
				links, err := inv.Session.FindLinksByText(ctx, keyword, limit)
				if err != nil {
					return Result{}, err
				}
				if len(links) == 0 {
					return Result{}, &browser.OpError{Code: model.ErrCodeStaleDOM, Msg: fmt.Sprintf("no links matched %q", keyword)}
				}
				lines := make([]string, len(links))
				for i, l := range links {
					lines[i] = fmt.Sprintf("%s\t%s", l.Text, l.Href)
				}
				return Result{
					Output:  strings.Join(lines, "\n"),
					Message: fmt.Sprintf("Found %d links matching %q", len(links), keyword),
				}, nil
			},
		},
		{
			Name:  ToolOpenNotepad,
			Guide: `{"initial_content": "..."} opens a scratch note file; output is the note path`,
			Params: obj(nil, map[string]any{
				"file_path":       map[string]any{"type": "string"},
				"initial_content": map[string]any{"type": "string"},
			}),
			Run: func(ctx context.Context, inv *Invocation) (Result, error) {
				path := argString(inv.Args, "file_path", "")
				if path == "" {
					var err error
					path, err = inv.Store.BuildTempFilePath(artifacts.KindNotes, inv.TaskTopic, ".txt")
					if err != nil {
						return Result{}, err
					}
				}
				content := argString(inv.Args, "initial_content", "")
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return Result{}, fmt.Errorf("write note: %w", err)
				}
				return Result{
					Output:  path,
					Message: fmt.Sprintf("Notepad opened for file: %s", path),
				}, nil
			},
		},
	}
}
