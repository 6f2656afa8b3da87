package graph

import (
	"fmt"
	"reflect"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

// applyOps drives a graph through a deterministic pseudo-random operation
// sequence: grow, run nodes to success or failure under varying policies,
// prune, and graft corrections. It records how often each node entered
// RUNNING.
func applyOps(ops []int) (*Graph, map[string]int) {
	g := New()
	seq := 0
	nextNode := func(pri int) *model.ExecutionNode {
		seq++
		return &model.ExecutionNode{
			NodeID:                 fmt.Sprintf("n_%03d", seq),
			ExecutionOrderPriority: pri,
			Action: model.DecisionAction{
				ToolName:        "navigate",
				Reasoning:       "step",
				ConfidenceScore: 0.5,
				ExpectedOutcome: "page",
			},
		}
	}
	policies := []model.FailurePolicy{
		model.PolicyReEvaluate, model.PolicyAbort, model.PolicySkip, model.PolicyRetryOnly,
	}
	running := map[string]int{}
	mark := func(id string, st model.NodeStatus, up MarkUpdate) {
		if err := g.Mark(id, st, up); err == nil && st == model.NodeRunning {
			running[id]++
		}
	}

	if _, err := g.Add(nextNode(1), ""); err != nil {
		panic(err)
	}
	for _, op := range ops {
		ids := sortedIDs(g)
		pick := ids[op%len(ids)]
		switch op % 6 {
		case 0, 1:
			_, _ = g.Add(nextNode(op%5+1), pick)
		case 2:
			if n := g.NextRunnable(); n != nil {
				mark(n.NodeID, model.NodeRunning, MarkUpdate{})
				mark(n.NodeID, model.NodeSuccess, MarkUpdate{Output: "out"})
			}
		case 3:
			if n := g.NextRunnable(); n != nil {
				n.Action.OnFailureAction = policies[op%len(policies)]
				mark(n.NodeID, model.NodeRunning, MarkUpdate{})
				mark(n.NodeID, model.NodeFailed, MarkUpdate{Reason: "boom"})
			}
		case 4:
			_ = g.Prune(pick)
		case 5:
			_, _ = g.InjectCorrection(pick, []*model.ExecutionNode{nextNode(op % 7)})
		}
	}
	return g, running
}

func sortedIDs(g *Graph) []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// checkStructure verifies the structural guarantees the graph promises
// after every mutation.
func checkStructure(g *Graph) error {
	if g.rootID != "" {
		if _, ok := g.nodes[g.rootID]; !ok {
			return fmt.Errorf("root %s missing", g.rootID)
		}
	}
	for id, n := range g.nodes {
		if n.NodeID != id {
			return fmt.Errorf("key %s holds node %s", id, n.NodeID)
		}
		if !n.CurrentStatus.Valid() {
			return fmt.Errorf("%s has invalid status %q", id, n.CurrentStatus)
		}
		if n.ParentID == "" {
			if id != g.rootID {
				return fmt.Errorf("non-root %s has no parent", id)
			}
		} else {
			p, ok := g.nodes[n.ParentID]
			if !ok {
				return fmt.Errorf("%s references missing parent %s", id, n.ParentID)
			}
			found := false
			for _, cid := range p.ChildIDs {
				if cid == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("%s absent from parent %s child list", id, n.ParentID)
			}
		}
		for i, cid := range n.ChildIDs {
			c, ok := g.nodes[cid]
			if !ok {
				return fmt.Errorf("%s lists missing child %s", id, cid)
			}
			if c.ParentID != id {
				return fmt.Errorf("child %s has parent %s, listed under %s", cid, c.ParentID, id)
			}
			if i > 0 && g.nodes[n.ChildIDs[i-1]].ExecutionOrderPriority > c.ExecutionOrderPriority {
				return fmt.Errorf("%s child list out of priority order", id)
			}
		}
		if n.CurrentStatus == model.NodeFailed && n.Action.OnFailureAction == model.PolicyAbort {
			for _, cid := range n.ChildIDs {
				if err := requireAllPruned(g, cid); err != nil {
					return err
				}
			}
		}
		if n.ResolvedOutput != "" && n.CurrentStatus != model.NodeSuccess && n.CurrentStatus != model.NodePruned {
			return fmt.Errorf("%s carries resolved output in status %s", id, n.CurrentStatus)
		}
	}
	// Every node must reach the root by parent links without repeating.
	for id := range g.nodes {
		seen := map[string]bool{}
		cur := id
		for cur != "" {
			if seen[cur] {
				return fmt.Errorf("parent cycle through %s", id)
			}
			seen[cur] = true
			cur = g.nodes[cur].ParentID
		}
	}
	return nil
}

func requireAllPruned(g *Graph, id string) error {
	n := g.nodes[id]
	if n.CurrentStatus != model.NodePruned {
		return fmt.Errorf("%s below an aborted failure is %s", id, n.CurrentStatus)
	}
	for _, cid := range n.ChildIDs {
		if err := requireAllPruned(g, cid); err != nil {
			return err
		}
	}
	return nil
}

func genOps() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 1<<30))
}

func TestGraphStructureProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("random operation sequences keep links and ordering coherent", prop.ForAll(
		func(ops []int) bool {
			g, _ := applyOps(ops)
			return checkStructure(g) == nil
		},
		genOps(),
	))

	properties.Property("a node enters RUNNING at most once", prop.ForAll(
		func(ops []int) bool {
			_, running := applyOps(ops)
			for _, count := range running {
				if count > 1 {
					return false
				}
			}
			return true
		},
		genOps(),
	))

	properties.Property("identical histories choose the same runnable node", prop.ForAll(
		func(ops []int) bool {
			g1, _ := applyOps(ops)
			g2, _ := applyOps(ops)
			s1, r1 := g1.Snapshot()
			s2, r2 := g2.Snapshot()
			if r1 != r2 || !reflect.DeepEqual(s1, s2) {
				return false
			}
			a, b := g1.NextRunnable(), g2.NextRunnable()
			if a == nil || b == nil {
				return a == nil && b == nil
			}
			return a.NodeID == b.NodeID && a.NodeID == g1.NextRunnable().NodeID
		},
		genOps(),
	))

	properties.TestingRun(t)
}

func TestPruneProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("pruning leaves no live node in the subtree", prop.ForAll(
		func(ops []int, sel int) bool {
			g, _ := applyOps(ops)
			ids := sortedIDs(g)
			target := ids[sel%len(ids)]
			if err := g.Prune(target); err != nil {
				return false
			}
			return requireAllPruned(g, target) == nil
		},
		genOps(),
		gen.IntRange(0, 1<<30),
	))

	properties.Property("pruning twice equals pruning once", prop.ForAll(
		func(ops []int, sel int) bool {
			g, _ := applyOps(ops)
			ids := sortedIDs(g)
			target := ids[sel%len(ids)]
			if err := g.Prune(target); err != nil {
				return false
			}
			once, root1 := g.Snapshot()
			if err := g.Prune(target); err != nil {
				return false
			}
			twice, root2 := g.Snapshot()
			return root1 == root2 && reflect.DeepEqual(once, twice)
		},
		genOps(),
		gen.IntRange(0, 1<<30),
	))

	properties.TestingRun(t)
}

func TestInjectCorrectionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("grafted corrections precede every pending sibling", prop.ForAll(
		func(ops []int, width int) bool {
			g, _ := applyOps(ops)

			// Find an eligible anchor that still has pending children.
			var anchorID string
			minPending := 0
			for _, id := range sortedIDs(g) {
				n := g.nodes[id]
				eligible := n.CurrentStatus == model.NodeSuccess ||
					(n.CurrentStatus == model.NodeFailed && n.Action.OnFailureAction == model.PolicyReEvaluate)
				if !eligible {
					continue
				}
				if min, ok := g.minPendingChildPriority(id); ok {
					anchorID, minPending = id, min
					break
				}
			}
			if anchorID == "" {
				return true
			}

			correction := make([]*model.ExecutionNode, width)
			for i := range correction {
				correction[i] = &model.ExecutionNode{
					ExecutionOrderPriority: 50 + i,
					Action: model.DecisionAction{
						ToolName:        "wait",
						Reasoning:       "recover",
						ConfidenceScore: 0.5,
						ExpectedOutcome: "settled",
					},
				}
			}
			ids, err := g.InjectCorrection(anchorID, correction)
			if err != nil {
				return false
			}
			prev := minPending - len(ids) - 1
			for _, id := range ids {
				n := g.nodes[id]
				if n.ExecutionOrderPriority >= minPending {
					return false
				}
				if n.ExecutionOrderPriority <= prev {
					return false
				}
				prev = n.ExecutionOrderPriority
			}
			return checkStructure(g) == nil
		},
		genOps(),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
