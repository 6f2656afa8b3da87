package graph

import (
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// refPattern matches ${node_id.field} template references.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\.([A-Za-z0-9_]+)\}`)

// RewriteRefs converts ${id.field} references into refs["id"]["field"]
// index expressions so the condition can be compiled as-is.
func RewriteRefs(s string) string {
	return refPattern.ReplaceAllString(s, `refs["$1"]["$2"]`)
}

// TemplateRefs returns the (node id, field) pairs referenced by s in order
// of appearance.
func TemplateRefs(s string) [][2]string {
	ms := refPattern.FindAllStringSubmatch(s, -1)
	out := make([][2]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, [2]string{m[1], m[2]})
	}
	return out
}

// preconditionHolds reports whether the node's precondition currently
// resolves to true. A reference to a node that has not succeeded yet, or
// an expression that fails to compile, gates the node rather than failing
// it: the scheduler simply moves on.
func (g *Graph) preconditionHolds(n *model.ExecutionNode) bool {
	cond := strings.TrimSpace(n.RequiredPrecondition)
	switch cond {
	case "", "True", "true":
		return true
	}

	refs := map[string]map[string]any{}
	for _, ref := range TemplateRefs(cond) {
		id, field := ref[0], ref[1]
		src, ok := g.nodes[id]
		if !ok || src.CurrentStatus != model.NodeSuccess || src.ResolvedOutput == "" {
			return false
		}
		if _, ok := refs[id]; !ok {
			refs[id] = map[string]any{
				"resolved_output": src.ResolvedOutput,
				"output":          src.ResolvedOutput,
				"status":          string(src.CurrentStatus),
			}
		}
		if _, ok := refs[id][field]; !ok {
			return false
		}
	}

	env := map[string]any{"refs": refs}
	prog, err := expr.Compile(RewriteRefs(cond), expr.Env(env), expr.AsBool())
	if err != nil {
		return false
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}
