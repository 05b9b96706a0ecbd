package tree

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// NodeID indexes a node in its tree's arena.
type NodeID int

// NoNode is the parent of the root and the zero value of optional links.
const NoNode NodeID = -1

// RootPath is the path of the root node.
const RootPath = "/"

// Node is a single step of the pipeline.
type Node struct {
	ID       NodeID
	Name     string
	Path     string
	Kind     domain.Kind
	Payload  domain.Payload
	Params   domain.Params
	Status   domain.Status
	Parent   NodeID
	Children []NodeID

	// Lazy marks an Execute placeholder. Its children are produced by the
	// Generator node and spliced in once it finishes.
	Lazy      bool
	Expanded  bool
	Generator NodeID
	// Target is set on a Generate node and points at its placeholder.
	Target NodeID

	// Started is set once any Exec at or below the node has been dispatched.
	Started bool
	Failure *domain.Failure
	Runs    []domain.Run
}

// IsExec reports whether the node runs a command.
func (n *Node) IsExec() bool {
	return n.Kind == domain.KindExec
}

// LastRun returns the most recent run, if any.
func (n *Node) LastRun() (domain.Run, bool) {
	if len(n.Runs) == 0 {
		return domain.Run{}, false
	}
	return n.Runs[len(n.Runs)-1], true
}

// Tree is an arena of nodes addressed by NodeID and by path.
type Tree struct {
	nodes  []*Node
	byPath map[string]NodeID
	live   int
}

// New returns a tree holding only a root container of the given kind.
func New(kind domain.Kind, params domain.Params) (*Tree, error) {
	if !kind.IsContainer() {
		return nil, fmt.Errorf("root must be serial or parallel, got %q", kind)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	t := &Tree{byPath: make(map[string]NodeID)}
	t.insert(NoNode, "", &NodeSpec{Kind: kind, Params: params.Clone()})
	return t, nil
}

// Root returns the root node id. It is always 0.
func (t *Tree) Root() NodeID {
	return 0
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	return t.live
}

// Node returns the node with the given id, or nil if it was removed.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Lookup finds a node by path. Paths may omit the leading slash.
func (t *Tree) Lookup(path string) (NodeID, error) {
	id, ok := t.byPath[CleanPath(path)]
	if !ok {
		return NoNode, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, path)
	}
	return id, nil
}

// CleanPath normalises a user supplied node path.
func CleanPath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return RootPath
	}
	return RootPath + path
}

// AddChild attaches the subtree described by spec under parentPath with the
// given name. The subtree is validated as a whole before anything is added.
func (t *Tree) AddChild(parentPath, name string, spec *NodeSpec) (NodeID, error) {
	parent, err := t.Lookup(parentPath)
	if err != nil {
		return NoNode, err
	}
	p := t.nodes[parent]
	if !p.Kind.IsContainer() {
		return NoNode, &domain.InvalidParentError{Path: p.Path, Reason: "exec nodes cannot have children"}
	}
	if p.Lazy {
		return NoNode, &domain.InvalidParentError{Path: p.Path, Reason: "children of a lazy node come from its generator"}
	}
	if p.Started {
		return NoNode, &domain.InvalidParentError{Path: p.Path, Reason: "node has already started executing"}
	}
	return t.add(parent, name, spec)
}

func (t *Tree) add(parent NodeID, name string, spec *NodeSpec) (NodeID, error) {
	if spec == nil {
		return NoNode, fmt.Errorf("%w: nil node spec for %q", domain.ErrInvalidParams, name)
	}
	if err := validName(name); err != nil {
		return NoNode, err
	}
	path := childPath(t.nodes[parent].Path, name)
	if _, exists := t.byPath[path]; exists {
		return NoNode, &domain.DuplicatePathError{Path: path}
	}
	if err := spec.validate(path); err != nil {
		return NoNode, err
	}
	return t.insert(parent, name, spec), nil
}

// insert adds a validated spec. Lazy specs become a serial container holding
// a Generate exec and an empty Execute placeholder.
func (t *Tree) insert(parent NodeID, name string, spec *NodeSpec) NodeID {
	path := RootPath
	if parent != NoNode {
		path = childPath(t.nodes[parent].Path, name)
	}
	n := &Node{
		ID:        NodeID(len(t.nodes)),
		Name:      name,
		Path:      path,
		Kind:      spec.kind(),
		Params:    spec.Params.Clone(),
		Status:    domain.StatusPending,
		Parent:    parent,
		Generator: NoNode,
		Target:    NoNode,
	}
	if n.Kind == domain.KindExec {
		n.Payload = spec.Payload
	}
	t.nodes = append(t.nodes, n)
	t.byPath[path] = n.ID
	t.live++
	if parent != NoNode {
		p := t.nodes[parent]
		p.Children = append(p.Children, n.ID)
	}

	if spec.Lazy {
		if n.Params.StopOnError == nil {
			n.Params.StopOnError = domain.Ptr(true)
		}
		gen := t.insert(n.ID, GenerateName, &NodeSpec{Kind: domain.KindExec, Payload: spec.Payload})
		exe := t.insert(n.ID, ExecuteName, &NodeSpec{Kind: domain.KindParallel})
		t.nodes[exe].Lazy = true
		t.nodes[exe].Generator = gen
		t.nodes[gen].Target = exe
		return n.ID
	}
	for i, c := range spec.Children {
		t.insert(n.ID, c.nameOr(i), c)
	}
	return n.ID
}

// Names of the two children of a lazy node.
const (
	GenerateName = "Generate"
	ExecuteName  = "Execute"
)

// Splice fills an Execute placeholder with a generated subtree. A container
// root lends its kind and parameters to the placeholder and its children are
// attached below it; an exec root becomes the placeholder's only child.
func (t *Tree) Splice(placeholder NodeID, spec *NodeSpec) error {
	p := t.Node(placeholder)
	if p == nil || !p.Lazy {
		return fmt.Errorf("%w: %d is not a lazy placeholder", domain.ErrInvalidParent, placeholder)
	}
	if p.Expanded {
		return &domain.InvalidParentError{Path: p.Path, Reason: "already expanded"}
	}
	if spec == nil {
		return fmt.Errorf("generator produced an empty subtree")
	}
	if err := spec.validate(p.Path); err != nil {
		return err
	}

	children := spec.Children
	if spec.kind() == domain.KindExec || spec.Lazy {
		children = []*NodeSpec{spec}
	} else {
		p.Kind = spec.kind()
		params := spec.Params.Clone()
		params.Skip = p.Params.Skip
		p.Params = params
	}
	for i, c := range children {
		t.insert(placeholder, c.nameOr(i), c)
	}
	p.Expanded = true
	p.Failure = nil
	return nil
}

// ClearExpansion removes the generated subtree of a placeholder so that the
// generator can run again.
func (t *Tree) ClearExpansion(placeholder NodeID) {
	p := t.Node(placeholder)
	if p == nil || !p.Lazy {
		return
	}
	for _, c := range p.Children {
		t.remove(c)
	}
	p.Children = nil
	p.Kind = domain.KindParallel
	p.Params = domain.Params{Skip: p.Params.Skip}
	p.Expanded = false
	p.Failure = nil
	p.Status = domain.StatusPending
}

func (t *Tree) remove(id NodeID) {
	n := t.nodes[id]
	for _, c := range n.Children {
		t.remove(c)
	}
	delete(t.byPath, n.Path)
	t.nodes[id] = nil
	t.live--
}

// Walk visits id and its descendants in pre-order. Returning false from fn
// skips the node's children.
func (t *Tree) Walk(id NodeID, fn func(*Node) bool) {
	n := t.Node(id)
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		t.Walk(c, fn)
	}
}

// WalkPost visits id and its descendants children first.
func (t *Tree) WalkPost(id NodeID, fn func(*Node)) {
	n := t.Node(id)
	if n == nil {
		return
	}
	for _, c := range n.Children {
		t.WalkPost(c, fn)
	}
	fn(n)
}

// Ancestors returns the parent chain of id, nearest first.
func (t *Tree) Ancestors(id NodeID) []NodeID {
	var out []NodeID
	for n := t.Node(id); n != nil && n.Parent != NoNode; n = t.nodes[n.Parent] {
		out = append(out, n.Parent)
	}
	return out
}

// IsDescendant reports whether id is ancestor or below it.
func (t *Tree) IsDescendant(id, ancestor NodeID) bool {
	for cur := id; cur != NoNode; cur = t.nodes[cur].Parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// EffectivelySkipped reports whether the node or any ancestor is skipped.
func (t *Tree) EffectivelySkipped(id NodeID) bool {
	for cur := id; cur != NoNode; cur = t.nodes[cur].Parent {
		if t.nodes[cur].Params.Skip {
			return true
		}
	}
	return false
}

// MarkStarted flags the node and its ancestors as started.
func (t *Tree) MarkStarted(id NodeID) {
	for cur := id; cur != NoNode; cur = t.nodes[cur].Parent {
		t.nodes[cur].Started = true
	}
}

// SetParams applies a live modification to a node's own parameters.
func (t *Tree) SetParams(path string, patch domain.ParamsPatch) error {
	id, err := t.Lookup(path)
	if err != nil {
		return err
	}
	n := t.nodes[id]
	params, err := patch.Apply(n.Params)
	if err != nil {
		return fmt.Errorf("modify %s: %w", n.Path, err)
	}
	n.Params = params
	return nil
}

func childPath(parent, name string) string {
	if parent == RootPath {
		return RootPath + name
	}
	return parent + "/" + name
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: node name must not be empty", domain.ErrInvalidParams)
	case name == "." || name == "..":
		return fmt.Errorf("%w: node name %q is reserved", domain.ErrInvalidParams, name)
	case strings.Contains(name, "/"):
		return fmt.Errorf("%w: node name %q must not contain '/'", domain.ErrInvalidParams, name)
	}
	return nil
}
