package graph

import (
	"errors"
	"testing"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

func testNode(id, tool string, priority int) *model.ExecutionNode {
	return &model.ExecutionNode{
		NodeID:                 id,
		ExecutionOrderPriority: priority,
		Action: model.DecisionAction{
			ToolName:        tool,
			Reasoning:       "step",
			ConfidenceScore: 0.9,
			ExpectedOutcome: "done",
		},
	}
}

func mustAdd(t *testing.T, g *Graph, n *model.ExecutionNode, parentID string) string {
	t.Helper()
	id, err := g.Add(n, parentID)
	if err != nil {
		t.Fatalf("Add(%s): %v", n.NodeID, err)
	}
	return id
}

func runToSuccess(t *testing.T, g *Graph, id, output string) {
	t.Helper()
	if err := g.Mark(id, model.NodeRunning, MarkUpdate{}); err != nil {
		t.Fatalf("Mark(%s, RUNNING): %v", id, err)
	}
	if err := g.Mark(id, model.NodeSuccess, MarkUpdate{Output: output}); err != nil {
		t.Fatalf("Mark(%s, SUCCESS): %v", id, err)
	}
}

func runToFailure(t *testing.T, g *Graph, id, reason string) {
	t.Helper()
	if err := g.Mark(id, model.NodeRunning, MarkUpdate{}); err != nil {
		t.Fatalf("Mark(%s, RUNNING): %v", id, err)
	}
	if err := g.Mark(id, model.NodeFailed, MarkUpdate{Reason: reason}); err != nil {
		t.Fatalf("Mark(%s, FAILED): %v", id, err)
	}
}

func TestAdd_SecondRootRejected(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	if _, err := g.Add(testNode("n_other", "navigate", 1), ""); !errors.Is(err, ErrRootExists) {
		t.Fatalf("expected ErrRootExists, got %v", err)
	}
}

func TestAdd_UnknownParentRejected(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	if _, err := g.Add(testNode("n_a", "wait", 1), "n_missing"); !errors.Is(err, ErrParentMissing) {
		t.Fatalf("expected ErrParentMissing, got %v", err)
	}
}

func TestAdd_DuplicateIDRejected(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	if _, err := g.Add(testNode("n_root", "wait", 1), "n_root"); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestAdd_AssignsMissingID(t *testing.T) {
	g := New()
	n := testNode("", "navigate", 1)
	id := mustAdd(t, g, n, "")
	if id == "" || id != n.NodeID {
		t.Fatalf("id not assigned: %q vs %q", id, n.NodeID)
	}
}

func TestChildren_PriorityOrderWithInsertionTies(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_b", "wait", 5), "n_root")
	mustAdd(t, g, testNode("n_a", "wait", 2), "n_root")
	mustAdd(t, g, testNode("n_c", "wait", 5), "n_root")
	mustAdd(t, g, testNode("n_d", "wait", 1), "n_root")

	got := g.Children("n_root")
	want := []string{"n_d", "n_a", "n_b", "n_c"}
	if len(got) != len(want) {
		t.Fatalf("children count: got %d want %d", len(got), len(want))
	}
	for i, n := range got {
		if n.NodeID != want[i] {
			t.Fatalf("children[%d]: got %s want %s", i, n.NodeID, want[i])
		}
	}
}

func TestNextRunnable_RootFirstThenPriorityOrder(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_low", "wait", 5), "n_root")
	mustAdd(t, g, testNode("n_high", "wait", 1), "n_root")

	if n := g.NextRunnable(); n == nil || n.NodeID != "n_root" {
		t.Fatalf("first runnable: got %v", n)
	}
	runToSuccess(t, g, "n_root", "https://example.com")

	if n := g.NextRunnable(); n == nil || n.NodeID != "n_high" {
		t.Fatalf("after root: got %v, want n_high", n)
	}
	runToSuccess(t, g, "n_high", "ok")

	if n := g.NextRunnable(); n == nil || n.NodeID != "n_low" {
		t.Fatalf("after n_high: got %v, want n_low", n)
	}
}

func TestNextRunnable_DepthBeforeBreadth(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "wait", 1), "n_root")
	mustAdd(t, g, testNode("n_b", "wait", 2), "n_root")
	mustAdd(t, g, testNode("n_a1", "wait", 1), "n_a")
	runToSuccess(t, g, "n_root", "out")
	runToSuccess(t, g, "n_a", "out")

	// n_a succeeded, so its child runs before the lower-priority sibling.
	if n := g.NextRunnable(); n == nil || n.NodeID != "n_a1" {
		t.Fatalf("got %v, want n_a1", n)
	}
}

func TestNextRunnable_SkipsDeadSubtrees(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	a := testNode("n_a", "wait", 1)
	a.Action.OnFailureAction = model.PolicyAbort
	mustAdd(t, g, a, "n_root")
	mustAdd(t, g, testNode("n_a1", "wait", 1), "n_a")
	mustAdd(t, g, testNode("n_b", "wait", 2), "n_root")

	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "boom")

	// The aborted branch is dead; scheduling moves to the sibling.
	if n := g.NextRunnable(); n == nil || n.NodeID != "n_b" {
		t.Fatalf("got %v, want n_b", n)
	}
}

func TestNextRunnable_DescendsIntoReEvaluateFailure(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_next", "wait", 4), "n_root")
	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_next", "stale dom")

	ids, err := g.InjectCorrection("n_next", []*model.ExecutionNode{
		testNode("n_fix", "wait", 1),
	})
	if err != nil {
		t.Fatalf("InjectCorrection: %v", err)
	}
	if n := g.NextRunnable(); n == nil || n.NodeID != ids[0] {
		t.Fatalf("got %v, want correction %s", n, ids[0])
	}
}

func TestNextRunnable_PreconditionGatesUntilResolved(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "extract_data", 1), "")
	gated := testNode("n_gated", "wait", 1)
	gated.RequiredPrecondition = "${n_root.resolved_output} != ''"
	mustAdd(t, g, gated, "n_root")

	if err := g.Mark("n_root", model.NodeRunning, MarkUpdate{}); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	// Success without output keeps the reference unresolved.
	if err := g.Mark("n_root", model.NodeSuccess, MarkUpdate{}); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if n := g.NextRunnable(); n != nil {
		t.Fatalf("gated node ran without resolved output: %v", n.NodeID)
	}

	g2 := New()
	mustAdd(t, g2, testNode("n_root", "extract_data", 1), "")
	gated2 := testNode("n_gated", "wait", 1)
	gated2.RequiredPrecondition = "${n_root.resolved_output} != ''"
	mustAdd(t, g2, gated2, "n_root")
	runToSuccess(t, g2, "n_root", "item1\nitem2")
	if n := g2.NextRunnable(); n == nil || n.NodeID != "n_gated" {
		t.Fatalf("got %v, want n_gated", n)
	}
}

func TestNextRunnable_BadExpressionGatesNode(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	bad := testNode("n_bad", "wait", 1)
	bad.RequiredPrecondition = "((("
	mustAdd(t, g, bad, "n_root")
	ok := testNode("n_ok", "wait", 2)
	mustAdd(t, g, ok, "n_root")
	runToSuccess(t, g, "n_root", "out")

	if n := g.NextRunnable(); n == nil || n.NodeID != "n_ok" {
		t.Fatalf("got %v, want n_ok past the unparseable gate", n)
	}
}

func TestMark_IllegalTransitions(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")

	if err := g.Mark("n_root", model.NodeSuccess, MarkUpdate{}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("PENDING->SUCCESS: got %v", err)
	}
	runToSuccess(t, g, "n_root", "out")
	if err := g.Mark("n_root", model.NodeRunning, MarkUpdate{}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("SUCCESS->RUNNING: got %v", err)
	}
	if err := g.Mark("n_missing", model.NodeRunning, MarkUpdate{}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("unknown node: got %v", err)
	}
}

func TestMark_FailedAbortPrunesDescendants(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	a := testNode("n_a", "click_element", 1)
	a.Action.OnFailureAction = model.PolicyAbort
	mustAdd(t, g, a, "n_root")
	mustAdd(t, g, testNode("n_a1", "wait", 1), "n_a")
	mustAdd(t, g, testNode("n_a2", "wait", 2), "n_a1")

	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "no such element")

	for _, id := range []string{"n_a1", "n_a2"} {
		n, _ := g.Get(id)
		if n.CurrentStatus != model.NodePruned {
			t.Fatalf("%s: got %v want PRUNED", id, n.CurrentStatus)
		}
	}
	if n, _ := g.Get("n_a"); n.CurrentStatus != model.NodeFailed || n.FailureReason != "no such element" {
		t.Fatalf("failed node: %+v", n)
	}
}

func TestMark_FailedSkipMarksDescendantsSkipped(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	a := testNode("n_a", "click_element", 1)
	a.Action.OnFailureAction = model.PolicySkip
	mustAdd(t, g, a, "n_root")
	mustAdd(t, g, testNode("n_a1", "wait", 1), "n_a")

	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "boom")

	if n, _ := g.Get("n_a1"); n.CurrentStatus != model.NodeSkipped {
		t.Fatalf("n_a1: got %v want SKIPPED", n.CurrentStatus)
	}
}

func TestMark_FailedReEvaluateLeavesDescendantsPending(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "extract_data", 1), "n_root")
	mustAdd(t, g, testNode("n_a1", "wait", 1), "n_a")

	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "stale dom")

	if n, _ := g.Get("n_a1"); n.CurrentStatus != model.NodePending {
		t.Fatalf("n_a1: got %v want PENDING", n.CurrentStatus)
	}
}

func TestPrune_SubtreeIdempotentAndKeepsOutputs(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "wait", 1), "n_root")
	mustAdd(t, g, testNode("n_a1", "wait", 1), "n_a")
	runToSuccess(t, g, "n_root", "kept")

	if err := g.Prune("n_root"); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	for _, id := range []string{"n_root", "n_a", "n_a1"} {
		n, _ := g.Get(id)
		if n.CurrentStatus != model.NodePruned {
			t.Fatalf("%s: got %v want PRUNED", id, n.CurrentStatus)
		}
	}
	if n, _ := g.Get("n_root"); n.ResolvedOutput != "kept" {
		t.Fatalf("prune dropped resolved output: %+v", n)
	}

	first, _ := g.Snapshot()
	if err := g.Prune("n_root"); err != nil {
		t.Fatalf("second Prune: %v", err)
	}
	second, _ := g.Snapshot()
	for id := range first {
		if first[id].CurrentStatus != second[id].CurrentStatus {
			t.Fatalf("prune not idempotent at %s", id)
		}
	}

	if err := g.Prune("n_missing"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("unknown prune: got %v", err)
	}
}

func TestMark_PrunedDelegatesToSubtreePrune(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "wait", 1), "n_root")

	if err := g.Mark("n_root", model.NodePruned, MarkUpdate{}); err != nil {
		t.Fatalf("Mark PRUNED: %v", err)
	}
	if n, _ := g.Get("n_a"); n.CurrentStatus != model.NodePruned {
		t.Fatalf("descendant not pruned: %v", n.CurrentStatus)
	}
}

func TestInjectCorrection_PriorityBelowPendingSiblings(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "extract_data", 2), "n_root")
	mustAdd(t, g, testNode("n_cont", "take_screenshot", 3), "n_a")
	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "stale dom")

	ids, err := g.InjectCorrection("n_a", []*model.ExecutionNode{
		testNode("", "wait", 9),
		testNode("", "extract_data", 9),
	})
	if err != nil {
		t.Fatalf("InjectCorrection: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids: %v", ids)
	}

	cont, _ := g.Get("n_cont")
	for _, id := range ids {
		n, _ := g.Get(id)
		if n.CurrentStatus != model.NodePending {
			t.Fatalf("%s: got %v want PENDING", id, n.CurrentStatus)
		}
		if n.ParentID != "n_a" {
			t.Fatalf("%s: parent %q want n_a", id, n.ParentID)
		}
		if n.ExecutionOrderPriority >= cont.ExecutionOrderPriority {
			t.Fatalf("%s priority %d not below sibling %d", id, n.ExecutionOrderPriority, cont.ExecutionOrderPriority)
		}
	}

	// Corrections run before the original continuation, in plan order.
	if n := g.NextRunnable(); n == nil || n.NodeID != ids[0] {
		t.Fatalf("got %v, want %s", n, ids[0])
	}
	runToSuccess(t, g, ids[0], "waited 2.0s")
	if n := g.NextRunnable(); n == nil || n.NodeID != ids[1] {
		t.Fatalf("got %v, want %s", n, ids[1])
	}
}

func TestInjectCorrection_IntraPlanParentsKept(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "extract_data", 1), "n_root")
	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "boom")

	fix1 := testNode("n_fix1", "wait", 1)
	fix2 := testNode("n_fix2", "extract_data", 1)
	fix2.ParentID = "n_fix1"
	if _, err := g.InjectCorrection("n_a", []*model.ExecutionNode{fix1, fix2}); err != nil {
		t.Fatalf("InjectCorrection: %v", err)
	}

	n1, _ := g.Get("n_fix1")
	n2, _ := g.Get("n_fix2")
	if n1.ParentID != "n_a" {
		t.Fatalf("n_fix1 parent: %q", n1.ParentID)
	}
	if n2.ParentID != "n_fix1" {
		t.Fatalf("n_fix2 parent: %q", n2.ParentID)
	}
}

func TestInjectCorrection_AnchorEligibility(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "wait", 1), "n_root")

	if _, err := g.InjectCorrection("n_missing", []*model.ExecutionNode{testNode("", "wait", 1)}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("unknown anchor: got %v", err)
	}
	if _, err := g.InjectCorrection("n_a", []*model.ExecutionNode{testNode("", "wait", 1)}); !errors.Is(err, ErrBadAnchor) {
		t.Fatalf("pending anchor: got %v", err)
	}

	abort := testNode("n_b", "click_element", 2)
	abort.Action.OnFailureAction = model.PolicyAbort
	mustAdd(t, g, abort, "n_root")
	runToSuccess(t, g, "n_root", "out")
	runToSuccess(t, g, "n_a", "out")
	runToFailure(t, g, "n_b", "boom")
	if _, err := g.InjectCorrection("n_b", []*model.ExecutionNode{testNode("", "wait", 1)}); !errors.Is(err, ErrBadAnchor) {
		t.Fatalf("aborted anchor: got %v", err)
	}

	// SUCCESS anchors take follow-up work.
	if _, err := g.InjectCorrection("n_a", []*model.ExecutionNode{testNode("", "wait", 1)}); err != nil {
		t.Fatalf("success anchor: %v", err)
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	snap, rootID := g.Snapshot()
	if rootID != "n_root" {
		t.Fatalf("root id: %q", rootID)
	}
	snap["n_root"].CurrentStatus = model.NodeFailed
	snap["n_root"].Action.ToolArgs["poison"] = true

	live, _ := g.Get("n_root")
	if live.CurrentStatus != model.NodePending {
		t.Fatalf("snapshot mutation leaked status: %v", live.CurrentStatus)
	}
	if _, ok := live.Action.ToolArgs["poison"]; ok {
		t.Fatalf("snapshot mutation leaked args")
	}
}

func TestResolvedOutputs_OnlySuccessfulNodesWithOutput(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "extract_data", 1), "n_root")
	mustAdd(t, g, testNode("n_b", "wait", 2), "n_root")
	runToSuccess(t, g, "n_root", "https://example.com")
	runToFailure(t, g, "n_a", "boom")

	refs := g.ResolvedOutputs()
	if _, ok := refs["n_root"]; !ok {
		t.Fatalf("n_root missing from refs")
	}
	if refs["n_root"]["resolved_output"] != "https://example.com" {
		t.Fatalf("refs value: %v", refs["n_root"])
	}
	if _, ok := refs["n_a"]; ok {
		t.Fatalf("failed node leaked into refs")
	}
	if _, ok := refs["n_b"]; ok {
		t.Fatalf("pending node leaked into refs")
	}
}

func TestUncorrectedFailures(t *testing.T) {
	g := New()
	mustAdd(t, g, testNode("n_root", "navigate", 1), "")
	mustAdd(t, g, testNode("n_a", "extract_data", 1), "n_root")
	runToSuccess(t, g, "n_root", "out")
	runToFailure(t, g, "n_a", "stale dom")

	if got := g.UncorrectedFailures(); len(got) != 1 || got[0].NodeID != "n_a" {
		t.Fatalf("uncorrected: %v", got)
	}

	ids, err := g.InjectCorrection("n_a", []*model.ExecutionNode{testNode("", "wait", 1)})
	if err != nil {
		t.Fatalf("InjectCorrection: %v", err)
	}
	runToSuccess(t, g, ids[0], "waited")
	if got := g.UncorrectedFailures(); len(got) != 0 {
		t.Fatalf("correction not recognized: %v", got)
	}
}
