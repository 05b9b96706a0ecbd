package engine

import (
	"context"
	"fmt"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/pool"
	"github.com/polisai/polis-pipeline/pkg/state"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// Live control. Every call may be made while the pipeline runs; changes
// apply to dispatches made afterwards. On an engine whose loop has ended,
// changes are recorded and take effect at the next Start.

// Modify applies a patch to a node's own parameters. Nodes already running
// keep the parameters they were dispatched with.
func (e *Engine) Modify(path string, patch domain.ParamsPatch) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.tree.Lookup(path)
	if err != nil {
		return err
	}
	if err := e.tree.SetParams(path, patch); err != nil {
		return err
	}
	// stop_on_error changes how containers below derive their status
	state.RefreshAll(e.tree, id)
	e.dirty = true
	e.notify()
	e.logger.Info("node modified", "node_path", e.tree.Node(id).Path)
	return nil
}

// AddChild attaches a subtree under a container that has not started yet.
func (e *Engine) AddChild(parentPath, name string, spec *tree.NodeSpec) (string, error) {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.tree.AddChild(parentPath, name, spec)
	if err != nil {
		return "", err
	}
	state.RefreshAll(e.tree, id)
	e.dirty = true
	e.notify()
	return e.tree.Node(id).Path, nil
}

// Reset returns a node and its subtree to pending so that it runs again.
// Running commands below it are stopped first, and same-container scopes
// inside it get fresh containers. Results elsewhere in the tree are kept.
func (e *Engine) Reset(ctx context.Context, path string) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()

	id, err := e.tree.Lookup(path)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	root := state.ResetRoot(e.tree, id)
	e.stopBelowLocked(root, "reset")
	state.Reset(e.tree, root)

	var ended []pool.ScopeID
	for scopeRoot, scope := range e.scopes {
		if e.tree.Node(scopeRoot) == nil || e.tree.IsDescendant(scopeRoot, root) {
			ended = append(ended, scope)
			delete(e.scopes, scopeRoot)
		}
	}
	e.dirty = true
	resetPath := e.tree.Node(root).Path
	e.mu.Unlock()

	for _, scope := range ended {
		e.pool.EndScope(ctx, scope)
	}
	e.notify()
	e.logger.Info("node reset", "node_path", resetPath)
	return nil
}

// Skip marks a node skipped. Work running below it is stopped.
func (e *Engine) Skip(ctx context.Context, path string) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.tree.Lookup(path)
	if err != nil {
		return err
	}
	if e.tree.Node(id).Params.Skip {
		return nil
	}
	e.stopBelowLocked(id, "skipped")
	state.SetSkip(e.tree, id, true)
	e.dirty = true
	e.notify()
	e.logger.Info("node skipped", "node_path", e.tree.Node(id).Path)
	return nil
}

// Unskip clears the skip flag. The node's previous results are shown again;
// nodes that never ran become runnable.
func (e *Engine) Unskip(path string) error {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.tree.Lookup(path)
	if err != nil {
		return err
	}
	if state.SetSkip(e.tree, id, false) {
		e.dirty = true
		e.notify()
		e.logger.Info("node unskipped", "node_path", e.tree.Node(id).Path)
	}
	return nil
}

// SkipErrors skips every failed node at or below path and returns their
// paths, letting the rest of the pipeline proceed.
func (e *Engine) SkipErrors(path string) ([]string, error) {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.tree.Lookup(path)
	if err != nil {
		return nil, err
	}
	ids := state.Errored(e.tree, id)
	paths := make([]string, 0, len(ids))
	for _, eid := range ids {
		state.SetSkip(e.tree, eid, true)
		paths = append(paths, e.tree.Node(eid).Path)
	}
	if len(paths) > 0 {
		e.dirty = true
		e.notify()
		e.logger.Info("failed nodes skipped", "node_path", e.tree.Node(id).Path, "count", len(paths))
	}
	return paths, nil
}

// stopBelowLocked cancels every run at or below id and waits for the
// workers to let go of their containers. Nothing below id is dispatched
// meanwhile. mu is released while waiting and held again on return.
func (e *Engine) stopBelowLocked(id tree.NodeID, reason string) {
	var ids []tree.NodeID
	for nid := range e.jobs {
		if e.tree.IsDescendant(nid, id) {
			ids = append(ids, nid)
		}
	}
	if len(ids) == 0 {
		return
	}
	e.held[id]++
	stopped := e.cancelJobsLocked(ids)
	e.mu.Unlock()
	waitStopped(stopped)
	e.mu.Lock()
	for _, nid := range ids {
		e.requeueLocked(nid, reason)
	}
	if e.held[id]--; e.held[id] == 0 {
		delete(e.held, id)
	}
}

// heldLocked reports whether id is below a subtree being stopped.
func (e *Engine) heldLocked(id tree.NodeID) bool {
	for root := range e.held {
		if e.tree.IsDescendant(id, root) {
			return true
		}
	}
	return false
}

func (e *Engine) lookupExec(path string) (*tree.Node, error) {
	id, err := e.tree.Lookup(path)
	if err != nil {
		return nil, err
	}
	n := e.tree.Node(id)
	if !n.IsExec() {
		return nil, fmt.Errorf("%w: %s is a %s node", ErrNotExec, n.Path, n.Kind)
	}
	return n, nil
}
