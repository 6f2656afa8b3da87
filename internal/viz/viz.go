// Package viz renders execution-graph snapshots as standalone Mermaid HTML
// pages and writes them under logs/graphs/. Rendering is a pure function of
// the task snapshot so callers can diff or test output byte-for-byte.
package viz

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtarasov/wayfarer/internal/artifacts"
	"github.com/jtarasov/wayfarer/internal/decision/model"
)

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <title>Agent Execution Graph: %s</title>
    <script src="https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js"></script>
    <style>
        body { font-family: sans-serif; padding: 20px; }
        h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
        .mermaid { width: 100%%; height: auto; border: 1px solid #ddd; padding: 10px; box-sizing: border-box; }

        .node.success rect { fill: #90EE90; stroke: #3C3; stroke-width: 2px; }
        .node.running rect { fill: yellow; stroke: #FF0; stroke-width: 2px; }
        .node.failed rect { fill: #FA8072; stroke: #F00; stroke-width: 2px; }
        .node.pending rect { fill: lightblue; stroke: #39F; stroke-width: 2px; }
        .node.pruned rect { fill: grey; stroke: #666; stroke-width: 2px; }
        .node.skipped rect { fill: #D3D3D3; stroke: #999; stroke-width: 2px; }

        .edgeLabel { background-color: white; padding: 0 5px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>Agent Execution Graph Snapshot: %s</h1>
    <p>Timestamp: %s</p>
    <pre class="mermaid">
%s
    </pre>
    <script>
        mermaid.initialize({ startOnLoad: true, theme: 'default' });
    </script>
</body>
</html>
`

// RenderHTML renders the task's graph as a self-contained HTML page. Node
// order is sorted by id so output is deterministic.
func RenderHTML(task *model.TaskExecution, title string, now time.Time) string {
	return fmt.Sprintf(htmlTemplate, title, title,
		now.Format("2006-01-02 15:04:05"), MermaidSource(task))
}

// MermaidSource renders just the graph TD block.
func MermaidSource(task *model.TaskExecution) string {
	ids := make([]string, 0, len(task.Nodes))
	for id := range task.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("graph TD\n")
	var styles []string
	for _, id := range ids {
		n := task.Nodes[id]
		label := fmt.Sprintf("ID: %s<br/>P: %d<br/>Tool: %s<br/>Status: %s",
			id, n.ExecutionOrderPriority, n.Action.ToolName, n.CurrentStatus)
		fmt.Fprintf(&b, "    %s[%q]\n", id, label)
		styles = append(styles, fmt.Sprintf("    class %s %s;", id, strings.ToLower(string(n.CurrentStatus))))
	}
	for _, id := range ids {
		n := task.Nodes[id]
		if n.ParentID == "" {
			continue
		}
		if _, ok := task.Nodes[n.ParentID]; !ok {
			continue
		}
		fmt.Fprintf(&b, "    %s -->|P%d| %s\n", n.ParentID, n.ExecutionOrderPriority, id)
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(styles, "\n"))
	return strings.TrimSpace(b.String())
}

// Writer persists per-transition snapshots.
type Writer struct {
	store *artifacts.Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewWriter(store *artifacts.Store, log zerolog.Logger) *Writer {
	return &Writer{
		store: store,
		log:   log.With().Str("component", "viz").Logger(),
		now:   time.Now,
	}
}

// Snapshot writes the graph state after a transition of nodeID during
// stepID and returns the file path.
func (w *Writer) Snapshot(task *model.TaskExecution, stepID, nodeID string) (string, error) {
	path, err := w.store.GraphSnapshotPath(artifacts.Slug(task.Goal.TargetDescription), stepID, nodeID)
	if err != nil {
		return "", err
	}
	title := fmt.Sprintf("%s_%s_%s", artifacts.Slug(task.Goal.TargetDescription), stepID, nodeID)
	html := RenderHTML(task, title, w.now())
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", fmt.Errorf("viz: write snapshot: %w", err)
	}
	w.log.Debug().Str("path", path).Str("node", nodeID).Msg("graph snapshot written")
	return path, nil
}
