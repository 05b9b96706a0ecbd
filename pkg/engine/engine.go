package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/pool"
	"github.com/polisai/polis-pipeline/pkg/state"
	"github.com/polisai/polis-pipeline/pkg/storage"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

var (
	// ErrRunning is returned by Start on an engine that is already running
	// and by operations that need it stopped.
	ErrRunning = errors.New("pipeline is running")
	// ErrStalled is returned when the root is not terminal but nothing can
	// be dispatched and nothing is in flight.
	ErrStalled = errors.New("pipeline stalled")
)

// Options configures an Engine.
type Options struct {
	// PipelineID identifies the pipeline in the data store, snapshots,
	// container labels and telemetry. Generated when empty.
	PipelineID string
	// User owns the pipeline; it selects the user-scoped data store.
	User string

	// Pool lends containers. When nil, a pool is created on Runtime with
	// Limits and closed by Stop.
	Pool    *pool.Pool
	Runtime container.Runtime
	Limits  pool.Limits
	// Metrics receives the metrics of a pool the engine creates.
	Metrics *pool.Metrics

	// Data is the backing data store. Defaults to an in-memory store.
	Data storage.DataStore
	// DataURL is where commands reach the data API, passed to them as
	// POLIS_DATA_URL. Empty when no control server runs.
	DataURL string
	// Snapshots receives the pipeline state after every change. Optional.
	Snapshots storage.SnapshotStore

	Backoff governance.BackoffConfig
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Clock   func() time.Time

	// KeepAlive keeps the loop running after the root is terminal, so live
	// control calls such as Reset re-run nodes. The loop then ends only on
	// Stop or context cancellation.
	KeepAlive bool
}

// Engine runs one pipeline tree.
type Engine struct {
	id        string
	user      string
	tree      *tree.Tree
	pool      *pool.Pool
	ownsPool  bool
	data      *storage.Scoped
	dataURL   string
	snapshots storage.SnapshotStore
	backoff   *governance.BackoffPolicy
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	keepAlive bool

	// ctl serialises control calls, which release mu while waiting for
	// workers.
	ctl        sync.Mutex
	mu         sync.Mutex
	jobs       map[tree.NodeID]*job
	held       map[tree.NodeID]int
	scopes     map[tree.NodeID]pool.ScopeID
	generation int64
	dirty      bool
	idle       []chan struct{}

	wake   chan struct{}
	run    *runState
	runErr error
}

type runState struct {
	cancel context.CancelFunc
	done   chan struct{}
	span   trace.Span
	ctx    context.Context
}

// New creates an engine for t. The engine owns t from then on: callers read
// it through Snapshot and View and change it through the control methods.
func New(t *tree.Tree, opts Options) (*Engine, error) {
	if t == nil {
		return nil, errors.New("engine: nil tree")
	}
	e := &Engine{
		id:        opts.PipelineID,
		user:      opts.User,
		dataURL:   opts.DataURL,
		tree:      t,
		pool:      opts.Pool,
		snapshots: opts.Snapshots,
		backoff:   governance.NewBackoffPolicy(opts.Backoff),
		logger:    opts.Logger,
		tracer:    opts.Tracer,
		now:       opts.Clock,
		keepAlive: opts.KeepAlive,
		jobs:      make(map[tree.NodeID]*job),
		held:      make(map[tree.NodeID]int),
		scopes:    make(map[tree.NodeID]pool.ScopeID),
		wake:      make(chan struct{}, 1),
	}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	if e.user == "" {
		e.user = "default"
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("pipeline_id", e.id)
	if e.tracer == nil {
		e.tracer = otel.Tracer(telemetry.TracerName)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.pool == nil {
		if opts.Runtime == nil {
			return nil, errors.New("engine: either a pool or a container runtime is required")
		}
		popts := []pool.Option{
			pool.WithLogger(e.logger),
			pool.WithLabels(map[string]string{"polis.pipeline": e.id}),
		}
		if opts.Metrics != nil {
			popts = append(popts, pool.WithMetrics(opts.Metrics))
		}
		e.pool = pool.New(opts.Runtime, opts.Limits, popts...)
		e.ownsPool = true
	}
	data := opts.Data
	if data == nil {
		data = storage.NewMemoryDataStore()
	}
	e.data = storage.NewScoped(data)
	return e, nil
}

// ID returns the pipeline id.
func (e *Engine) ID() string {
	return e.id
}

// Pool returns the container pool of the pipeline.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Data returns the data store scoped to this pipeline.
func (e *Engine) Data() storage.DataStore {
	return e.data.Pipeline(e.id)
}

// UserData returns the data store of the pipeline's owner, shared with the
// owner's other pipelines.
func (e *Engine) UserData() storage.DataStore {
	return e.data.User(e.user)
}

// Status returns the aggregate status of the pipeline.
func (e *Engine) Status() domain.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return state.Effective(e.tree, e.tree.Root())
}

// Run executes the pipeline and blocks until the root is terminal. It
// returns nil whatever the root's status; the outcome is in Status.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Wait()
}

// Start runs the scheduling loop in the background.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		return ErrRunning
	}
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", e.id),
		attribute.Int("pipeline.nodes", e.tree.Len()),
	))
	ctx, cancel := context.WithCancel(ctx)
	e.run = &runState{cancel: cancel, done: make(chan struct{}), span: span, ctx: ctx}
	e.runErr = nil
	e.dirty = true
	e.expandPendingLocked()
	go e.loop(e.run)
	e.logger.Info("pipeline started", "nodes", e.tree.Len())
	return nil
}

// Wait blocks until the loop started by Start ends and returns its error.
func (e *Engine) Wait() error {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return e.lastErr()
	}
	<-r.done
	return e.lastErr()
}

func (e *Engine) lastErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Stop ends the loop, returning in-flight nodes to pending, and stops every
// container of an engine-owned pool.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}
	if e.ownsPool {
		return e.pool.Close(ctx)
	}
	return nil
}

// WaitIdle blocks until the root is terminal and nothing is in flight. It is
// mostly useful with KeepAlive, where the loop does not end by itself.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	if e.idleLocked() {
		e.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	e.idle = append(e.idle, ch)
	e.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) idleLocked() bool {
	return len(e.jobs) == 0 && state.Effective(e.tree, e.tree.Root()).Terminal()
}

// notify wakes the loop. Never blocks.
func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(r *runState) {
	ctx := r.ctx
	var err error
	for {
		e.mu.Lock()
		dispatched := e.scheduleLocked(ctx)
		ended := e.endedScopesLocked()
		snap := e.snapshotLocked()
		idle := e.idleLocked()
		if idle {
			for _, ch := range e.idle {
				close(ch)
			}
			e.idle = nil
		}
		stalled := !idle && len(e.jobs) == 0 && len(e.held) == 0 && dispatched == 0
		e.mu.Unlock()

		for _, scope := range ended {
			e.pool.EndScope(ctx, scope)
		}
		e.persist(ctx, snap)

		if idle && !e.keepAlive {
			break
		}
		if stalled && !e.keepAlive {
			err = ErrStalled
			break
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-e.wake:
			continue
		}
		break
	}

	if err != nil && !errors.Is(err, ErrStalled) {
		e.cancelAll(context.WithoutCancel(ctx))
	}

	e.mu.Lock()
	status := state.Effective(e.tree, e.tree.Root())
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.persist(context.WithoutCancel(ctx), snap)

	r.span.SetAttributes(attribute.String("pipeline.status", string(status)))
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	case status == domain.StatusError:
		r.span.SetStatus(codes.Error, "pipeline finished with errors")
	}
	r.span.End()
	e.logger.Info("pipeline finished", "status", status, "error", err)

	e.mu.Lock()
	if errors.Is(err, context.Canceled) && e.keepAlive {
		// stopping a long-lived engine is its normal end
		err = nil
	}
	e.runErr = err
	e.run = nil
	for _, ch := range e.idle {
		close(ch)
	}
	e.idle = nil
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}

// cancelAll stops every in-flight run and returns its node to pending.
func (e *Engine) cancelAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]tree.NodeID, 0, len(e.jobs))
	for id := range e.jobs {
		ids = append(ids, id)
	}
	stopped := e.cancelJobsLocked(ids)
	e.mu.Unlock()
	waitStopped(stopped)

	e.mu.Lock()
	for _, id := range ids {
		e.requeueLocked(id, "pipeline stopped")
	}
	e.mu.Unlock()

	for _, scope := range e.allScopes() {
		e.pool.EndScope(ctx, scope)
	}
}

func (e *Engine) allScopes() []pool.ScopeID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]pool.ScopeID, 0, len(e.scopes))
	for root, scope := range e.scopes {
		out = append(out, scope)
		delete(e.scopes, root)
	}
	return out
}

// endedScopesLocked returns the scopes whose root is terminal with nothing
// in flight below it, and forgets them.
func (e *Engine) endedScopesLocked() []pool.ScopeID {
	var out []pool.ScopeID
	for root, scope := range e.scopes {
		n := e.tree.Node(root)
		if n != nil {
			if !state.Effective(e.tree, root).Terminal() || e.activeBelowLocked(root) {
				continue
			}
		}
		out = append(out, scope)
		delete(e.scopes, root)
	}
	return out
}

func (e *Engine) activeBelowLocked(id tree.NodeID) bool {
	for nid := range e.jobs {
		if e.tree.Node(nid) != nil && e.tree.IsDescendant(nid, id) {
			return true
		}
	}
	return false
}

func (e *Engine) snapshotLocked() *storage.Snapshot {
	if !e.dirty || e.snapshots == nil {
		e.dirty = false
		return nil
	}
	e.dirty = false
	e.generation++
	return &storage.Snapshot{
		PipelineID: e.id,
		Generation: e.generation,
		Status:     state.Effective(e.tree, e.tree.Root()),
		Tree:       e.tree.Snapshot(),
		UpdatedAt:  e.now(),
	}
}

func (e *Engine) persist(ctx context.Context, snap *storage.Snapshot) {
	if snap == nil {
		return
	}
	if err := e.snapshots.Save(ctx, snap); err != nil {
		e.logger.Warn("failed to save pipeline snapshot", "generation", snap.Generation, "error", err)
	}
}

func waitStopped(chs []chan struct{}) {
	for _, ch := range chs {
		<-ch
	}
}
