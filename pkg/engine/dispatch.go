package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/pool"
	"github.com/polisai/polis-pipeline/pkg/state"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// job is one dispatch of an Exec node. It is current while it is the
// entry of its node in Engine.jobs; a worker whose job was cancelled or
// replaced leaves the tree alone.
type job struct {
	node    tree.NodeID
	path    string
	run     int // index into the node's Runs
	req     pool.Request
	exec    container.ExecRequest
	maxTime time.Duration
	lazy    bool

	cancel  context.CancelFunc
	stopped chan struct{}
}

// outcome is what a worker reports back.
type outcome struct {
	result    container.ExecResult
	err       error
	cancelled bool
	attempts  int
	backoffs  int
	container container.ID
}

// scheduleLocked dispatches every runnable node and returns how many runs
// were handed to workers.
func (e *Engine) scheduleLocked(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	started := 0
	tried := make(map[tree.NodeID]bool)
	for {
		progressed := false
		// a node failing before it reaches a worker may release more nodes
		for _, id := range state.Runnable(e.tree) {
			if tried[id] || e.heldLocked(id) {
				continue
			}
			tried[id] = true
			progressed = true
			if e.dispatchLocked(ctx, id) {
				started++
			}
		}
		if !progressed {
			return started
		}
	}
}

// dispatchLocked queues one Exec node. Parameters are resolved now, never
// earlier, so modifications made while the node waited are honoured. It
// reports whether a worker was started; a node whose command cannot be
// rendered fails immediately.
func (e *Engine) dispatchLocked(ctx context.Context, id tree.NodeID) bool {
	n := e.tree.Node(id)
	resolved := e.tree.ResolveParams(id)
	if err := state.Queue(e.tree, id); err != nil {
		e.logger.Error("cannot queue node", "node_path", n.Path, "error", err)
		return false
	}
	e.dirty = true

	run := domain.Run{
		Number:   len(n.Runs) + 1,
		ID:       uuid.NewString(),
		Params:   resolved,
		Status:   domain.StatusQueued,
		QueuedAt: e.now(),
	}
	cmd, err := n.Payload.CommandLine()
	run.Command = cmd
	n.Runs = append(n.Runs, run)
	if err != nil {
		e.finishLocked(id, len(n.Runs)-1, outcome{err: err})
		return false
	}

	req := pool.Request{Profile: pool.ProfileOf(resolved)}
	if root, ok := e.tree.SameContainerScope(id); ok {
		scope, known := e.scopes[root]
		if !known {
			scope = pool.NewScopeID(e.id, e.tree.Node(root).Path)
			e.scopes[root] = scope
		}
		req.Scope = scope
	}

	workdir := ""
	if resolved.Image.CopyDir != "" {
		workdir = container.CodeDir
	}
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		node:    id,
		path:    n.Path,
		run:     len(n.Runs) - 1,
		req:     req,
		exec:    container.ExecRequest{Command: cmd, Env: e.commandEnv(n.Path, resolved.Env), WorkDir: workdir},
		maxTime: resolved.MaxTime,
		lazy:    n.Target != tree.NoNode,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	e.jobs[id] = j
	e.logger.Debug("node queued",
		"node_path", n.Path,
		"run", run.Number,
		"image", resolved.Image.Name,
		"scope", string(req.Scope),
		"env", telemetry.RedactEnv(resolved.Env),
	)
	go e.work(jobCtx, j)
	return true
}

// work acquires a container, runs the command and reports the outcome.
func (e *Engine) work(ctx context.Context, j *job) {
	defer close(j.stopped)
	defer j.cancel()

	ctx, span := e.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("pipeline.id", e.id),
		attribute.String("node.path", j.path),
		attribute.String("node.image", j.req.Profile.Image.Name),
		attribute.Bool("node.lazy", j.lazy),
	))
	defer span.End()

	var out outcome
	h, err := e.acquire(ctx, j, &out)
	if err != nil {
		if ctx.Err() != nil {
			out.cancelled = true
		} else {
			out.err = err
		}
		e.report(ctx, span, j, out)
		return
	}
	out.container = h.ContainerID()

	if !e.markRunning(j, h) {
		e.pool.Release(context.WithoutCancel(ctx), h)
		return
	}

	execCtx := ctx
	if j.maxTime > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, j.maxTime)
		defer cancel()
	}
	res, err := e.pool.Exec(execCtx, h, j.exec)
	switch {
	case ctx.Err() != nil:
		// reset, skip or shutdown: the command is killed, the container stays
		e.giveBack(context.WithoutCancel(ctx), h)
		out.cancelled = true
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		e.giveBack(ctx, h)
		out.err = fmt.Errorf("command exceeded max_time %s", j.maxTime)
	case err != nil:
		// the runtime itself failed: nothing says the container survived
		e.pool.Discard(ctx, h)
		out.err = err
	default:
		e.pool.Release(ctx, h)
		out.result = res
	}
	e.report(ctx, span, j, out)
}

// giveBack returns a container whose command was interrupted. A scoped
// container keeps the files of earlier members, so it stays with its scope;
// an unscoped one may hold leftovers of the killed command and is stopped.
func (e *Engine) giveBack(ctx context.Context, h *pool.Handle) {
	if h.Scope() != "" {
		e.pool.Release(ctx, h)
		return
	}
	e.pool.Discard(ctx, h)
}

// acquire asks the pool for a container until it gets one, backing off
// while the pool answers with backpressure.
func (e *Engine) acquire(ctx context.Context, j *job, out *outcome) (*pool.Handle, error) {
	for attempt := 0; ; attempt++ {
		out.attempts++
		changed := e.pool.Changed()
		h, err := e.pool.Acquire(ctx, j.req)
		if err == nil {
			return h, nil
		}
		if !governance.IsBackpressure(err) {
			return nil, err
		}
		out.backoffs++
		e.logger.Debug("waiting for capacity", "node_path", j.path, "attempt", attempt+1, "reason", err)
		if err := e.backoff.Wait(ctx, attempt, changed); err != nil {
			return nil, err
		}
	}
}

// markRunning records that the job holds a container. It reports false when
// the job is no longer current.
func (e *Engine) markRunning(j *job, h *pool.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs[j.node] != j {
		return false
	}
	if err := state.Start(e.tree, j.node); err != nil {
		e.logger.Error("cannot start node", "node_path", j.path, "error", err)
		return false
	}
	n := e.tree.Node(j.node)
	run := &n.Runs[j.run]
	run.Status = domain.StatusRunning
	run.StartedAt = e.now()
	run.ContainerID = string(h.ContainerID())
	e.dirty = true
	e.logger.Info("node running", "node_path", j.path, "container_id", h.ContainerID(), "run", run.Number)
	return true
}

// report applies a worker's outcome to the tree and wakes the loop.
func (e *Engine) report(ctx context.Context, span trace.Span, j *job, out outcome) {
	e.mu.Lock()
	if e.jobs[j.node] != j {
		e.mu.Unlock()
		return
	}
	delete(e.jobs, j.node)
	var run domain.Run
	if out.cancelled {
		run = e.requeueLocked(j.node, "cancelled")
	} else {
		run = e.finishLocked(j.node, j.run, out)
	}
	e.mu.Unlock()
	e.notify()

	telemetry.RecordRunEvent(span, run)
	if run.Status == domain.StatusError {
		span.SetStatus(codes.Error, run.Error)
	}
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		PipelineID: e.id,
		NodePath:   j.path,
		Status:     run.Status,
		ErrorKind:  run.ErrorKind,
		Lazy:       j.lazy,
		Duration:   run.Duration(),
		Backoffs:   out.backoffs,
	})
	if !out.cancelled {
		e.storeOutput(ctx, j.path, run)
	}
}

// finishLocked records the outcome of a run and propagates it; a finished
// generator expands its placeholder.
func (e *Engine) finishLocked(id tree.NodeID, runIdx int, out outcome) domain.Run {
	n := e.tree.Node(id)
	run := &n.Runs[runIdx]
	run.Attempts = out.attempts
	run.FinishedAt = e.now()
	if out.container != "" {
		run.ContainerID = string(out.container)
	}

	status := domain.StatusDone
	var failure *domain.Failure
	switch {
	case out.err != nil:
		status = domain.StatusError
		err := &domain.ExecutionError{Path: n.Path, ExitCode: -1, Err: out.err}
		run.ExitCode = -1
		run.Error = err.Error()
	case out.result.ExitCode != 0:
		status = domain.StatusError
		run.ExitCode = out.result.ExitCode
		run.Error = (&domain.ExecutionError{Path: n.Path, ExitCode: out.result.ExitCode}).Error()
	}
	run.Stdout = string(out.result.Stdout)
	run.Stderr = string(out.result.Stderr)
	run.StdoutTruncated = out.result.StdoutTruncated
	run.StderrTruncated = out.result.StderrTruncated
	if out.result.Truncated() {
		e.logger.Warn("command output truncated", "node_path", n.Path, "run", run.Number, "limit_bytes", container.MaxOutputBytes)
	}
	run.Status = status
	if status == domain.StatusError {
		run.ErrorKind = domain.ErrorKindExecution
		failure = &domain.Failure{Kind: domain.ErrorKindExecution, Message: run.Error}
	}

	if err := state.Finish(e.tree, id, status, failure); err != nil {
		e.logger.Error("cannot finish node", "node_path", n.Path, "error", err)
	}
	e.dirty = true

	logArgs := []any{"node_path", n.Path, "run", run.Number, "status", status, "exit_code", run.ExitCode}
	if status == domain.StatusError {
		e.logger.Warn("node failed", append(logArgs, "error", run.Error)...)
	} else {
		e.logger.Info("node finished", logArgs...)
		if n.Target != tree.NoNode {
			e.expandLocked(n)
		}
	}
	return *run
}

// requeueLocked returns a queued or running node to pending after its run
// was cancelled.
func (e *Engine) requeueLocked(id tree.NodeID, reason string) domain.Run {
	n := e.tree.Node(id)
	if n == nil {
		return domain.Run{}
	}
	if err := state.Requeue(e.tree, id); err != nil {
		e.logger.Debug("node not requeued", "node_path", n.Path, "error", err)
	}
	e.dirty = true
	if len(n.Runs) == 0 {
		return domain.Run{}
	}
	run := &n.Runs[len(n.Runs)-1]
	if run.FinishedAt.IsZero() {
		run.Status = domain.StatusPending
		run.Error = reason
		run.FinishedAt = e.now()
	}
	return *run
}

// cancelJobsLocked cancels the runs of the given nodes and forgets them. The
// returned channels close once each worker has let go of its container.
func (e *Engine) cancelJobsLocked(ids []tree.NodeID) []chan struct{} {
	var stopped []chan struct{}
	for _, id := range ids {
		j, ok := e.jobs[id]
		if !ok {
			continue
		}
		j.cancel()
		delete(e.jobs, id)
		stopped = append(stopped, j.stopped)
	}
	return stopped
}

// storeOutput keeps the command output of a run in the pipeline's data
// store, under logs/<node path>/<run number>/.
func (e *Engine) storeOutput(ctx context.Context, path string, run domain.Run) {
	if run.Number == 0 {
		return
	}
	ds := e.Data()
	prefix := fmt.Sprintf("logs%s/%d/", path, run.Number)
	for name, data := range map[string]string{"stdout": run.Stdout, "stderr": run.Stderr} {
		if data == "" {
			continue
		}
		if err := ds.Put(context.WithoutCancel(ctx), prefix+name, []byte(data)); err != nil {
			e.logger.Warn("failed to store node output", "node_path", path, "stream", name, "error", err)
		}
	}
}
