// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/polisai/polis-pipeline/pkg/container"
)

// ExecFunc decides the outcome of a command run in a fake container.
type ExecFunc func(ctx context.Context, id container.ID, req container.ExecRequest) (container.ExecResult, error)

// Call records one ExecAndWait invocation.
type Call struct {
	Container container.ID
	Command   string
	Env       map[string]string
	WorkDir   string
}

// Runtime is a fake container runtime. The zero value is not usable; use
// New.
type Runtime struct {
	mu       sync.Mutex
	next     int
	live     map[container.ID]container.StartConfig
	started  []container.StartConfig
	stopped  []container.ID
	calls    []Call
	exec     ExecFunc
	startErr error
}

// New returns a fake runtime whose commands succeed with empty output.
func New() *Runtime {
	return &Runtime{live: make(map[container.ID]container.StartConfig)}
}

// OnExec replaces the command handler.
func (r *Runtime) OnExec(fn ExecFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = fn
}

// FailStarts makes every following Start fail with err. Pass nil to undo.
func (r *Runtime) FailStarts(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *Runtime) Start(_ context.Context, cfg container.StartConfig) (container.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return "", r.startErr
	}
	r.next++
	id := container.ID(fmt.Sprintf("fake-%d", r.next))
	r.live[id] = cfg
	r.started = append(r.started, cfg)
	return id, nil
}

func (r *Runtime) Stop(_ context.Context, id container.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return fmt.Errorf("%w: %s", container.ErrUnknownContainer, id)
	}
	delete(r.live, id)
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *Runtime) ExecAndWait(ctx context.Context, id container.ID, req container.ExecRequest) (container.ExecResult, error) {
	r.mu.Lock()
	if _, ok := r.live[id]; !ok {
		r.mu.Unlock()
		return container.ExecResult{}, fmt.Errorf("%w: %s", container.ErrUnknownContainer, id)
	}
	r.calls = append(r.calls, Call{Container: id, Command: req.Command, Env: maps.Clone(req.Env), WorkDir: req.WorkDir})
	fn := r.exec
	r.mu.Unlock()
	if fn == nil {
		return container.ExecResult{}, nil
	}
	return fn(ctx, id, req)
}

// Started returns the configs of every container started so far.
func (r *Runtime) Started() []container.StartConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]container.StartConfig(nil), r.started...)
}

// Stopped returns the ids of stopped containers in stop order.
func (r *Runtime) Stopped() []container.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]container.ID(nil), r.stopped...)
}

// Live returns the number of containers started and not stopped.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Calls returns every command run so far.
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsFor returns the commands whose env has POLIS_NODE_PATH set to path.
func (r *Runtime) CallsFor(path string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Env["POLIS_NODE_PATH"] == path {
			out = append(out, c)
		}
	}
	return out
}

var _ container.Runtime = (*Runtime)(nil)
