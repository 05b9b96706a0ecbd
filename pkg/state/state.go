package state

import (
	"errors"
	"fmt"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// ErrInvalidTransition is returned when a status change does not follow the
// node lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// Derive computes a container's status from the statuses of its children,
// each already masked by the child's own skip flag. stop_on_error only ends a
// Serial early: its later children are never dispatched. A Parallel runs
// every child, so it stays running until none is pending.
func Derive(kind domain.Kind, stopOnError bool, children []domain.Status) domain.Status {
	var pending, active, done, failed int
	for _, s := range children {
		switch {
		case s.Active():
			active++
		case s == domain.StatusPending:
			pending++
		case s == domain.StatusDone:
			done++
		case s == domain.StatusError:
			failed++
		}
	}
	switch {
	case active > 0:
		return domain.StatusRunning
	case failed > 0 && stopOnError && kind == domain.KindSerial:
		return domain.StatusError
	case pending == 0 && failed > 0:
		return domain.StatusError
	case pending == 0:
		// every child done or skipped, including the empty container
		return domain.StatusDone
	case done+failed == 0:
		return domain.StatusPending
	default:
		return domain.StatusRunning
	}
}

// Own is the node's status masked by its own skip flag only.
func Own(n *tree.Node) domain.Status {
	if n.Params.Skip {
		return domain.StatusSkipped
	}
	return n.Status
}

// Effective is the status shown for a node: skipped when it or any ancestor
// is skipped, its stored status otherwise.
func Effective(t *tree.Tree, id tree.NodeID) domain.Status {
	if t.EffectivelySkipped(id) {
		return domain.StatusSkipped
	}
	return t.Node(id).Status
}

// refreshNode re-derives a single container node.
func refreshNode(t *tree.Tree, n *tree.Node) {
	if n.IsExec() {
		return
	}
	if n.Lazy && !n.Expanded {
		if n.Failure != nil {
			n.Status = domain.StatusError
		} else {
			n.Status = domain.StatusPending
		}
		return
	}
	statuses := make([]domain.Status, 0, len(n.Children))
	for _, c := range n.Children {
		statuses = append(statuses, Own(t.Node(c)))
	}
	n.Status = Derive(n.Kind, t.ResolveParams(n.ID).StopOnError, statuses)
}

// Refresh re-derives id, when it is a container, and every ancestor.
func Refresh(t *tree.Tree, id tree.NodeID) {
	for cur := id; cur != tree.NoNode; cur = t.Node(cur).Parent {
		refreshNode(t, t.Node(cur))
	}
}

// RefreshAll re-derives every container below id, children first, then the
// ancestors of id. Needed after changes that affect a whole subtree, such as
// a stop_on_error modification.
func RefreshAll(t *tree.Tree, id tree.NodeID) {
	t.WalkPost(id, func(n *tree.Node) { refreshNode(t, n) })
	if n := t.Node(id); n != nil && n.Parent != tree.NoNode {
		Refresh(t, n.Parent)
	}
}

func transition(t *tree.Tree, id tree.NodeID, to domain.Status, from ...domain.Status) error {
	n := t.Node(id)
	if n == nil {
		return fmt.Errorf("%w: id %d", domain.ErrNodeNotFound, id)
	}
	if !n.IsExec() {
		return fmt.Errorf("%w: %s is a %s node", ErrInvalidTransition, n.Path, n.Kind)
	}
	for _, f := range from {
		if n.Status == f {
			n.Status = to
			Refresh(t, n.Parent)
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, n.Path, n.Status, to)
}

// Queue marks a pending Exec as handed to the container pool.
func Queue(t *tree.Tree, id tree.NodeID) error {
	if err := transition(t, id, domain.StatusQueued, domain.StatusPending); err != nil {
		return err
	}
	t.MarkStarted(id)
	return nil
}

// Start marks a queued Exec as running in a container.
func Start(t *tree.Tree, id tree.NodeID) error {
	return transition(t, id, domain.StatusRunning, domain.StatusQueued)
}

// Finish records the outcome of a running Exec. failure must be set when
// status is error.
func Finish(t *tree.Tree, id tree.NodeID, status domain.Status, failure *domain.Failure) error {
	if status != domain.StatusDone && status != domain.StatusError {
		return fmt.Errorf("%w: cannot finish with %s", ErrInvalidTransition, status)
	}
	// launch failures end a node that never reached running
	if err := transition(t, id, status, domain.StatusRunning, domain.StatusQueued); err != nil {
		return err
	}
	t.Node(id).Failure = failure
	return nil
}

// Requeue returns an Exec that was queued or running to pending, for work
// cancelled before it produced an outcome.
func Requeue(t *tree.Tree, id tree.NodeID) error {
	return transition(t, id, domain.StatusPending, domain.StatusQueued, domain.StatusRunning)
}

// FailExpansion marks a lazy placeholder as failed.
func FailExpansion(t *tree.Tree, id tree.NodeID, err error) {
	n := t.Node(id)
	n.Failure = &domain.Failure{Kind: domain.ErrorKindLazyExpansion, Message: err.Error()}
	Refresh(t, id)
}
