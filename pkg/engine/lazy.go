package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/state"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// expandLocked turns the output of a finished Generate node into the
// subtree of its Execute placeholder. Output that does not decode into a
// valid subtree fails the placeholder, and with it the lazy node.
func (e *Engine) expandLocked(gen *tree.Node) {
	target := e.tree.Node(gen.Target)
	if target == nil || target.Expanded {
		return
	}
	run, _ := gen.LastRun()

	before := e.tree.Len()
	err := e.splice(target.ID, run)
	added := e.tree.Len() - before
	telemetry.RecordLazyExpansion(context.Background(), e.id, target.Path, added, err)
	e.dirty = true

	if err != nil {
		lerr := &domain.LazyExpansionError{Path: target.Path, Err: err}
		state.FailExpansion(e.tree, target.ID, lerr)
		e.logger.Warn("lazy expansion failed", "node_path", target.Path, "error", err)
		return
	}
	state.RefreshAll(e.tree, target.ID)
	e.logger.Info("lazy node expanded", "node_path", target.Path, "nodes", added)
}

func (e *Engine) splice(placeholder tree.NodeID, run domain.Run) error {
	if run.StdoutTruncated {
		return fmt.Errorf("generator output was truncated at %d bytes", container.MaxOutputBytes)
	}
	if run.Stdout == "" {
		return errors.New("generator printed nothing")
	}
	spec, err := tree.Decode([]byte(run.Stdout))
	if err != nil {
		return err
	}
	return e.tree.Splice(placeholder, spec)
}

// expandPendingLocked expands placeholders whose generator finished before
// the expansion was recorded, as can happen in a restored snapshot.
func (e *Engine) expandPendingLocked() {
	var gens []*tree.Node
	e.tree.Walk(e.tree.Root(), func(n *tree.Node) bool {
		if n.Target != tree.NoNode && n.Status == domain.StatusDone {
			if t := e.tree.Node(n.Target); t != nil && !t.Expanded && t.Failure == nil {
				gens = append(gens, n)
			}
		}
		return true
	})
	for _, g := range gens {
		e.expandLocked(g)
	}
}
