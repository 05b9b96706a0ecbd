package tree

import (
	"fmt"
	"slices"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// State is the serialisable form of a tree: every node in pre-order, with
// its parameters, status and run timeline.
type State struct {
	Nodes []NodeState `json:"nodes"`
}

// NodeState is one node of a State. Links are stored as paths.
type NodeState struct {
	Path      string          `json:"path"`
	Name      string          `json:"name,omitempty"`
	Parent    string          `json:"parent,omitempty"`
	Kind      domain.Kind     `json:"kind"`
	Payload   domain.Payload  `json:"payload,omitzero"`
	Params    domain.Params   `json:"params,omitzero"`
	Status    domain.Status   `json:"status"`
	Lazy      bool            `json:"lazy,omitempty"`
	Expanded  bool            `json:"expanded,omitempty"`
	Generator string          `json:"generator,omitempty"`
	Started   bool            `json:"started,omitempty"`
	Failure   *domain.Failure `json:"failure,omitempty"`
	Runs      []domain.Run    `json:"runs,omitempty"`
}

// Snapshot captures the whole tree.
func (t *Tree) Snapshot() State {
	st := State{Nodes: make([]NodeState, 0, t.live)}
	t.Walk(t.Root(), func(n *Node) bool {
		ns := NodeState{
			Path:     n.Path,
			Name:     n.Name,
			Kind:     n.Kind,
			Payload:  n.Payload,
			Params:   n.Params.Clone(),
			Status:   n.Status,
			Lazy:     n.Lazy,
			Expanded: n.Expanded,
			Started:  n.Started,
			Runs:     slices.Clone(n.Runs),
		}
		if n.Parent != NoNode {
			ns.Parent = t.nodes[n.Parent].Path
		}
		if n.Generator != NoNode {
			ns.Generator = t.nodes[n.Generator].Path
		}
		if n.Failure != nil {
			f := *n.Failure
			ns.Failure = &f
		}
		st.Nodes = append(st.Nodes, ns)
		return true
	})
	return st
}

// Restore rebuilds a tree from a snapshot. Nodes must appear after their
// parent, as Snapshot writes them.
func Restore(st State) (*Tree, error) {
	if len(st.Nodes) == 0 {
		return nil, fmt.Errorf("empty tree state")
	}
	t := &Tree{byPath: make(map[string]NodeID, len(st.Nodes))}
	for i, ns := range st.Nodes {
		parent := NoNode
		if i == 0 {
			if ns.Path != RootPath || ns.Parent != "" {
				return nil, fmt.Errorf("tree state must start with the root, got %q", ns.Path)
			}
		} else {
			p, ok := t.byPath[ns.Parent]
			if !ok {
				return nil, fmt.Errorf("node %q: parent %q not restored yet", ns.Path, ns.Parent)
			}
			parent = p
			if want := childPath(t.nodes[p].Path, ns.Name); want != ns.Path {
				return nil, fmt.Errorf("node %q: path does not match parent and name (%q)", ns.Path, want)
			}
		}
		if _, dup := t.byPath[ns.Path]; dup {
			return nil, &domain.DuplicatePathError{Path: ns.Path}
		}
		if !ns.Kind.Valid() {
			return nil, fmt.Errorf("node %q: unknown kind %q", ns.Path, ns.Kind)
		}

		n := &Node{
			ID:        NodeID(len(t.nodes)),
			Name:      ns.Name,
			Path:      ns.Path,
			Kind:      ns.Kind,
			Payload:   ns.Payload,
			Params:    ns.Params.Clone(),
			Status:    ns.Status,
			Parent:    parent,
			Lazy:      ns.Lazy,
			Expanded:  ns.Expanded,
			Generator: NoNode,
			Target:    NoNode,
			Started:   ns.Started,
			Runs:      slices.Clone(ns.Runs),
		}
		if ns.Failure != nil {
			f := *ns.Failure
			n.Failure = &f
		}
		if n.Status == "" {
			n.Status = domain.StatusPending
		}
		t.nodes = append(t.nodes, n)
		t.byPath[n.Path] = n.ID
		t.live++
		if parent != NoNode {
			t.nodes[parent].Children = append(t.nodes[parent].Children, n.ID)
		}
	}

	for _, ns := range st.Nodes {
		if ns.Generator == "" {
			continue
		}
		gen, ok := t.byPath[ns.Generator]
		if !ok {
			return nil, fmt.Errorf("node %q: generator %q missing", ns.Path, ns.Generator)
		}
		exe := t.byPath[ns.Path]
		t.nodes[exe].Generator = gen
		t.nodes[gen].Target = exe
	}
	return t, nil
}
