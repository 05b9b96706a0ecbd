package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/state"
	"github.com/polisai/polis-pipeline/pkg/storage"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// NodeView is one node as shown to operators.
type NodeView struct {
	Path      string          `json:"path"`
	Kind      domain.Kind     `json:"kind"`
	Status    domain.Status   `json:"status"`
	Own       domain.Status   `json:"own_status"`
	Skip      bool            `json:"skip,omitempty"`
	Lazy      bool            `json:"lazy,omitempty"`
	Expanded  bool            `json:"expanded,omitempty"`
	Command   string          `json:"command,omitempty"`
	Params    domain.Params   `json:"params,omitzero"`
	Resolved  domain.Resolved `json:"resolved"`
	Failure   *domain.Failure `json:"failure,omitempty"`
	Children  []string        `json:"children,omitempty"`
	Runs      []domain.Run    `json:"runs,omitempty"`
	Generator string          `json:"generator,omitempty"`
}

// View is the whole pipeline as shown to operators. Nodes are in pre-order.
type View struct {
	PipelineID string        `json:"pipeline_id"`
	Status     domain.Status `json:"status"`
	Running    bool          `json:"running"`
	Generation int64         `json:"generation"`
	Nodes      []NodeView    `json:"nodes"`
}

// View returns the current state of every node. Statuses are effective:
// skipped subtrees show as skipped.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := View{
		PipelineID: e.id,
		Status:     state.Effective(e.tree, e.tree.Root()),
		Running:    e.run != nil,
		Generation: e.generation,
	}
	e.tree.Walk(e.tree.Root(), func(n *tree.Node) bool {
		nv := NodeView{
			Path:     n.Path,
			Kind:     n.Kind,
			Status:   state.Effective(e.tree, n.ID),
			Own:      state.Own(n),
			Skip:     n.Params.Skip,
			Lazy:     n.Lazy,
			Expanded: n.Expanded,
			Params:   n.Params.Clone(),
			Resolved: e.tree.ResolveParams(n.ID),
			Runs:     slices.Clone(n.Runs),
		}
		if n.IsExec() {
			nv.Command, _ = n.Payload.CommandLine()
		}
		if n.Failure != nil {
			f := *n.Failure
			nv.Failure = &f
		}
		if g := e.tree.Node(n.Generator); g != nil {
			nv.Generator = g.Path
		}
		for _, c := range n.Children {
			nv.Children = append(nv.Children, e.tree.Node(c).Path)
		}
		v.Nodes = append(v.Nodes, nv)
		return true
	})
	return v
}

// Node returns the view of a single node.
func (e *Engine) Node(path string) (NodeView, error) {
	e.mu.Lock()
	id, err := e.tree.Lookup(path)
	if err != nil {
		e.mu.Unlock()
		return NodeView{}, err
	}
	clean := e.tree.Node(id).Path
	e.mu.Unlock()
	for _, nv := range e.View().Nodes {
		if nv.Path == clean {
			return nv, nil
		}
	}
	return NodeView{}, fmt.Errorf("%w: %s", domain.ErrNodeNotFound, path)
}

// Snapshot returns the serialisable state of the tree.
func (e *Engine) Snapshot() tree.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree.Snapshot()
}

// Resume rebuilds the engine of a pipeline from its last snapshot. Runs that
// were in flight when the snapshot was taken are treated as cancelled: their
// nodes go back to pending and run again on Start. Results of finished
// nodes are kept. opts.Snapshots defaults to store.
func Resume(ctx context.Context, store storage.SnapshotStore, pipelineID string, opts Options) (*Engine, error) {
	snap, err := store.Load(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot of pipeline %s: %w", pipelineID, err)
	}
	t, err := tree.Restore(snap.Tree)
	if err != nil {
		return nil, fmt.Errorf("restore pipeline %s: %w", pipelineID, err)
	}
	t.Walk(t.Root(), func(n *tree.Node) bool {
		if !n.IsExec() || !n.Status.Active() {
			return true
		}
		n.Status = domain.StatusPending
		if len(n.Runs) > 0 {
			run := &n.Runs[len(n.Runs)-1]
			if run.FinishedAt.IsZero() {
				run.Status = domain.StatusPending
				run.Error = "interrupted"
			}
		}
		return true
	})
	state.RefreshAll(t, t.Root())

	opts.PipelineID = pipelineID
	if opts.Snapshots == nil {
		opts.Snapshots = store
	}
	e, err := New(t, opts)
	if err != nil {
		return nil, err
	}
	e.generation = snap.Generation
	e.logger.Info("pipeline restored", "generation", snap.Generation, "status", snap.Status)
	return e, nil
}

// Archive removes everything the pipeline left behind: its containers, its
// data store prefix and its snapshot. The engine must be stopped.
func (e *Engine) Archive(ctx context.Context) error {
	e.mu.Lock()
	running := e.run != nil
	e.mu.Unlock()
	if running {
		return ErrRunning
	}

	var errs []error
	for _, scope := range e.allScopes() {
		e.pool.EndScope(ctx, scope)
	}
	if e.ownsPool {
		if err := e.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if err := e.data.Archive(ctx, e.id); err != nil {
		errs = append(errs, err)
	}
	if e.snapshots != nil {
		if err := e.snapshots.Delete(ctx, e.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete snapshot: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	e.logger.Info("pipeline archived")
	return nil
}
