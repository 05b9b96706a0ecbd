package state

import (
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// Runnable returns the pending Exec nodes that may be dispatched now.
//
// A Serial container releases its children one at a time, in order: a child
// gates its successors until it is terminal, and an error stops the sequence
// when stop_on_error is set. Skipped children never gate. A Parallel
// container releases all children, failed siblings or not. Skipped subtrees
// and unexpanded lazy placeholders release nothing.
func Runnable(t *tree.Tree) []tree.NodeID {
	var out []tree.NodeID
	var visit func(id tree.NodeID)
	visit = func(id tree.NodeID) {
		n := t.Node(id)
		if n.Params.Skip {
			return
		}
		switch n.Kind {
		case domain.KindExec:
			if n.Status == domain.StatusPending {
				out = append(out, id)
			}
		case domain.KindParallel:
			if n.Lazy && !n.Expanded {
				return
			}
			for _, c := range n.Children {
				visit(c)
			}
		case domain.KindSerial:
			if n.Lazy && !n.Expanded {
				return
			}
			stop := t.ResolveParams(id).StopOnError
			for _, c := range n.Children {
				s := Own(t.Node(c))
				if s == domain.StatusSkipped {
					continue
				}
				visit(c)
				if !s.Terminal() || (s == domain.StatusError && stop) {
					return
				}
			}
		}
	}
	visit(t.Root())
	return out
}

// Active returns the Exec nodes at or below id that are queued or running.
func Active(t *tree.Tree, id tree.NodeID) []tree.NodeID {
	var out []tree.NodeID
	t.Walk(id, func(n *tree.Node) bool {
		if n.IsExec() && n.Status.Active() {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}

// ResetRoot returns the node a reset of id actually applies to. Resetting an
// unexpanded placeholder means running its generator again, and resetting a
// generator discards what it generated, so both cover the whole lazy node.
func ResetRoot(t *tree.Tree, id tree.NodeID) tree.NodeID {
	n := t.Node(id)
	if n.Parent == tree.NoNode {
		return id
	}
	if n.Lazy && !n.Expanded {
		return n.Parent
	}
	if n.Target != tree.NoNode {
		return n.Parent
	}
	return id
}

// Reset returns every node at or below id to pending and re-derives the
// ancestors; results elsewhere in the tree are kept. Generated subtrees whose
// generator is reset are removed. The caller must cancel active work below
// id first. Run timelines and skip flags are kept.
func Reset(t *tree.Tree, id tree.NodeID) {
	id = ResetRoot(t, id)
	t.Walk(id, func(n *tree.Node) bool {
		n.Failure = nil
		n.Started = false
		if n.Lazy && n.Generator != tree.NoNode && t.IsDescendant(n.Generator, id) {
			t.ClearExpansion(n.ID)
			return false
		}
		if n.IsExec() {
			n.Status = domain.StatusPending
		}
		return true
	})
	RefreshAll(t, id)
}

// SetSkip sets or clears the skip flag of a node and re-derives its
// ancestors. It reports whether the flag changed.
func SetSkip(t *tree.Tree, id tree.NodeID, skip bool) bool {
	n := t.Node(id)
	if n.Params.Skip == skip {
		return false
	}
	n.Params.Skip = skip
	if n.Parent != tree.NoNode {
		Refresh(t, n.Parent)
	}
	return true
}

// Errored returns the nodes at or below id that failed on their own: Exec
// nodes in error and placeholders whose expansion failed. Nodes already
// masked by a skip are left out.
func Errored(t *tree.Tree, id tree.NodeID) []tree.NodeID {
	var out []tree.NodeID
	t.Walk(id, func(n *tree.Node) bool {
		if n.Params.Skip {
			return false
		}
		if n.Status == domain.StatusError && (n.IsExec() || (n.Lazy && !n.Expanded)) {
			out = append(out, n.ID)
		}
		return true
	})
	return out
}
