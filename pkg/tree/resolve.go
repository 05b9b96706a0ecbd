package tree

import (
	"maps"
	"slices"
	"time"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// ResolveParams computes the effective parameters of a node. Each field
// takes the value of the nearest node on the path to the root that sets it;
// Env maps are merged with nearer keys winning. The result is never cached,
// so a modification made after the tree was built is seen by every
// descendant resolved afterwards.
func (t *Tree) ResolveParams(id NodeID) domain.Resolved {
	chain := []NodeID{}
	for cur := id; cur != NoNode; cur = t.nodes[cur].Parent {
		chain = append(chain, cur)
	}
	slices.Reverse(chain)

	r := domain.DefaultResolved()
	for _, cur := range chain {
		p := t.nodes[cur].Params
		if p.Image != nil {
			r.Image = p.Image.Clone()
		}
		maps.Copy(r.Env, p.Env)
		if p.CPU != nil {
			r.CPU = *p.CPU
		}
		if p.Mem != nil {
			r.Mem = *p.Mem
		}
		if p.RequiresDocker != nil {
			r.RequiresDocker = *p.RequiresDocker
		}
		if p.SameContainer != nil {
			r.SameContainer = *p.SameContainer
		}
		if p.StopOnError != nil {
			r.StopOnError = *p.StopOnError
		}
		if p.MaxTime != nil {
			r.MaxTime = time.Duration(*p.MaxTime)
		}
	}
	return r
}

// SameContainerScope returns the root of the same-container scope the node
// belongs to: the nearest node at or above it whose mode is NEW. Nodes with
// INHERIT or no mode below it join that scope.
func (t *Tree) SameContainerScope(id NodeID) (NodeID, bool) {
	for cur := id; cur != NoNode; cur = t.nodes[cur].Parent {
		if m := t.nodes[cur].Params.SameContainer; m != nil && *m == domain.SameContainerNew {
			return cur, true
		}
	}
	return NoNode, false
}
