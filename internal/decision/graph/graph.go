// Package graph owns the dynamic execution graph: a single-writer tree of
// ExecutionNodes with priority-ordered scheduling, failure-policy
// propagation, and correction grafting. Only the decision loop mutates a
// Graph; everyone else reads deep-copied snapshots.
package graph

import (
	"errors"
	"fmt"

	"github.com/jtarasov/wayfarer/internal/decision/model"
)

var (
	ErrRootExists    = errors.New("graph: root already exists")
	ErrParentMissing = errors.New("graph: parent node not found")
	ErrDuplicateNode = errors.New("graph: node id already present")
	ErrUnknownNode   = errors.New("graph: node not found")
	ErrBadTransition = errors.New("graph: illegal status transition")
	ErrBadAnchor     = errors.New("graph: anchor node not eligible for correction")
)

type Graph struct {
	nodes  map[string]*model.ExecutionNode
	rootID string
}

func New() *Graph {
	return &Graph{nodes: map[string]*model.ExecutionNode{}}
}

// Add inserts n under parentID, or as root when parentID is empty. Child
// lists are kept in ascending priority order; equal priorities keep
// insertion order. Parent/child links derive from parent ids only: any
// child_ids on the incoming node are discarded and rebuilt as children
// arrive. Nodes always enter PENDING.
func (g *Graph) Add(n *model.ExecutionNode, parentID string) (string, error) {
	if n == nil {
		return "", fmt.Errorf("graph: nil node")
	}
	n.ApplyDefaults()
	n.ChildIDs = []string{}
	n.CurrentStatus = model.NodePending
	if _, dup := g.nodes[n.NodeID]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateNode, n.NodeID)
	}
	if parentID == "" {
		if g.rootID != "" {
			return "", ErrRootExists
		}
		n.ParentID = ""
		g.nodes[n.NodeID] = n
		g.rootID = n.NodeID
		return n.NodeID, nil
	}
	parent, ok := g.nodes[parentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrParentMissing, parentID)
	}
	n.ParentID = parentID
	g.nodes[n.NodeID] = n
	parent.ChildIDs = g.insertByPriority(parent.ChildIDs, n)
	return n.NodeID, nil
}

func (g *Graph) insertByPriority(ids []string, n *model.ExecutionNode) []string {
	at := len(ids)
	for i, cid := range ids {
		if g.nodes[cid].ExecutionOrderPriority > n.ExecutionOrderPriority {
			at = i
			break
		}
	}
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = n.NodeID
	return ids
}

// Get returns the live node. Callers must not mutate it directly; every
// status change goes through Mark.
func (g *Graph) Get(id string) (*model.ExecutionNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) RootID() string { return g.rootID }

func (g *Graph) Len() int { return len(g.nodes) }

// Children returns the node's children in priority order.
func (g *Graph) Children(id string) []*model.ExecutionNode {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]*model.ExecutionNode, 0, len(n.ChildIDs))
	for _, cid := range n.ChildIDs {
		out = append(out, g.nodes[cid])
	}
	return out
}

// NextRunnable picks the next dispatchable node: a deterministic
// priority-biased depth-first walk from the root that returns the first
// PENDING node whose precondition resolves. The walk descends into
// SUCCESS subtrees, and into FAILED nodes with a RE_EVALUATE policy so
// grafted corrections and the surviving continuation below them can run.
// PRUNED, SKIPPED and RUNNING subtrees are cut off. Returns nil when
// nothing is runnable.
func (g *Graph) NextRunnable() *model.ExecutionNode {
	if g.rootID == "" {
		return nil
	}
	return g.nextRunnableFrom(g.rootID)
}

func (g *Graph) nextRunnableFrom(id string) *model.ExecutionNode {
	n := g.nodes[id]
	switch n.CurrentStatus {
	case model.NodePending:
		if g.preconditionHolds(n) {
			return n
		}
		return nil
	case model.NodeSuccess:
		return g.firstRunnableChild(n)
	case model.NodeFailed:
		if n.Action.OnFailureAction == model.PolicyReEvaluate {
			return g.firstRunnableChild(n)
		}
		return nil
	default:
		return nil
	}
}

func (g *Graph) firstRunnableChild(n *model.ExecutionNode) *model.ExecutionNode {
	for _, cid := range n.ChildIDs {
		if r := g.nextRunnableFrom(cid); r != nil {
			return r
		}
	}
	return nil
}

// MarkUpdate carries the optional fields of a status transition.
type MarkUpdate struct {
	Reason      string
	Output      string
	Observation *model.WebObservation
}

// Mark transitions a node. Legal transitions are PENDING to RUNNING,
// SKIPPED, or FAILED (the loop fails never-dispatched nodes when the task
// wall clock expires) and RUNNING to SUCCESS or FAILED; PRUNED is reachable
// from any status and delegates to Prune, taking the whole subtree with it. On
// FAILED the action's on-failure policy is applied to descendants: ABORT
// prunes them, SKIP marks pending ones SKIPPED, RE_EVALUATE and
// RETRY_ONLY leave them untouched.
func (g *Graph) Mark(id string, status model.NodeStatus, up MarkUpdate) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if status == model.NodePruned {
		return g.Prune(id)
	}
	if !canTransition(n.CurrentStatus, status) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrBadTransition, n.CurrentStatus, status, id)
	}
	n.CurrentStatus = status
	if up.Observation != nil {
		n.LastObservation = up.Observation.Clone()
	}
	switch status {
	case model.NodeSuccess:
		if up.Output != "" {
			n.ResolvedOutput = up.Output
		}
	case model.NodeFailed:
		n.FailureReason = up.Reason
		g.applyFailurePolicy(n)
	case model.NodeSkipped:
		if up.Reason != "" {
			n.FailureReason = up.Reason
		}
	}
	return nil
}

func canTransition(from, to model.NodeStatus) bool {
	switch from {
	case model.NodePending:
		return to == model.NodeRunning || to == model.NodeSkipped || to == model.NodeFailed
	case model.NodeRunning:
		return to == model.NodeSuccess || to == model.NodeFailed
	default:
		return false
	}
}

func (g *Graph) applyFailurePolicy(n *model.ExecutionNode) {
	switch n.Action.OnFailureAction {
	case model.PolicyAbort:
		for _, cid := range n.ChildIDs {
			g.pruneSubtree(cid)
		}
	case model.PolicySkip:
		g.skipPendingBelow(n.NodeID)
	}
}

func (g *Graph) skipPendingBelow(id string) {
	for _, cid := range g.nodes[id].ChildIDs {
		if c := g.nodes[cid]; c.CurrentStatus == model.NodePending {
			c.CurrentStatus = model.NodeSkipped
		}
		g.skipPendingBelow(cid)
	}
}

// Prune sets the node and every descendant to PRUNED regardless of prior
// status. Resolved outputs are retained. Idempotent.
func (g *Graph) Prune(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	g.pruneSubtree(id)
	return nil
}

func (g *Graph) pruneSubtree(id string) {
	n := g.nodes[id]
	n.CurrentStatus = model.NodePruned
	for _, cid := range n.ChildIDs {
		g.pruneSubtree(cid)
	}
}

// InjectCorrection grafts a correction subplan after a FAILED or SUCCESS
// anchor. The first node always becomes a child of the anchor; later nodes
// keep intra-plan or existing parents and fall back to the anchor
// otherwise. Nodes anchored directly at the anchor are assigned priorities
// strictly below the anchor's lowest-priority PENDING child so the
// correction runs before the original continuation. Returns the assigned
// node ids in plan order.
func (g *Graph) InjectCorrection(afterID string, nodes []*model.ExecutionNode) ([]string, error) {
	anchor, ok := g.nodes[afterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, afterID)
	}
	if anchor.CurrentStatus != model.NodeFailed && anchor.CurrentStatus != model.NodeSuccess {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadAnchor, afterID, anchor.CurrentStatus)
	}
	if anchor.CurrentStatus == model.NodeFailed && anchor.Action.OnFailureAction == model.PolicyAbort {
		// An aborted branch keeps its descendants pruned.
		return nil, fmt.Errorf("%w: %s failed with ABORT", ErrBadAnchor, afterID)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty correction plan", ErrBadAnchor)
	}

	// Assign ids up front so intra-plan parent references resolve.
	planIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("graph: nil node in correction plan")
		}
		n.ApplyDefaults()
		if _, dup := g.nodes[n.NodeID]; dup || planIDs[n.NodeID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.NodeID)
		}
		planIDs[n.NodeID] = true
	}

	// Resolve parents and verify plan order before mutating anything.
	added := make(map[string]bool, len(nodes))
	anchored := 0
	for i, n := range nodes {
		p := n.ParentID
		if i == 0 || p == "" || (!planIDs[p] && g.nodes[p] == nil) {
			n.ParentID = afterID
		}
		if planIDs[n.ParentID] && !added[n.ParentID] {
			return nil, fmt.Errorf("%w: %s listed before its parent %s", ErrParentMissing, n.NodeID, n.ParentID)
		}
		if n.ParentID == afterID {
			anchored++
		}
		added[n.NodeID] = true
	}

	if min, ok := g.minPendingChildPriority(afterID); ok {
		next := min - anchored
		for _, n := range nodes {
			if n.ParentID == afterID {
				n.ExecutionOrderPriority = next
				next++
			}
		}
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		id, err := g.Add(n, n.ParentID)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (g *Graph) minPendingChildPriority(id string) (int, bool) {
	min, found := 0, false
	for _, cid := range g.nodes[id].ChildIDs {
		c := g.nodes[cid]
		if c.CurrentStatus != model.NodePending {
			continue
		}
		if !found || c.ExecutionOrderPriority < min {
			min, found = c.ExecutionOrderPriority, true
		}
	}
	return min, found
}

// Snapshot returns deep copies of every node keyed by id plus the root id.
func (g *Graph) Snapshot() (map[string]*model.ExecutionNode, string) {
	out := make(map[string]*model.ExecutionNode, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n.Clone()
	}
	return out, g.rootID
}

// ResolvedOutputs returns the template view of every SUCCESS node that
// produced output, keyed by node id then field name.
func (g *Graph) ResolvedOutputs() map[string]map[string]any {
	out := map[string]map[string]any{}
	for id, n := range g.nodes {
		if n.CurrentStatus != model.NodeSuccess || n.ResolvedOutput == "" {
			continue
		}
		out[id] = map[string]any{
			"resolved_output": n.ResolvedOutput,
			"output":          n.ResolvedOutput,
			"status":          string(n.CurrentStatus),
		}
	}
	return out
}

func (g *Graph) CountByStatus() map[model.NodeStatus]int {
	out := map[model.NodeStatus]int{}
	for _, n := range g.nodes {
		out[n.CurrentStatus]++
	}
	return out
}

// UncorrectedFailures returns FAILED nodes with no SUCCESS child, i.e.
// failures no grafted correction recovered. A task can still finish
// completed when every failure was corrected downstream.
func (g *Graph) UncorrectedFailures() []*model.ExecutionNode {
	var out []*model.ExecutionNode
	for _, n := range g.nodes {
		if n.CurrentStatus != model.NodeFailed {
			continue
		}
		corrected := false
		for _, cid := range n.ChildIDs {
			if g.nodes[cid].CurrentStatus == model.NodeSuccess {
				corrected = true
				break
			}
		}
		if !corrected {
			out = append(out, n)
		}
	}
	return out
}
