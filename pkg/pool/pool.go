// Package pool lends containers to Exec nodes.
//
// A pool lives for one pipeline run. Containers are matched by profile
// (image, cpu, memory, docker access) and reused once released; containers
// bound to a same-container scope are lent only to that scope and are torn
// down when the scope ends. When no container can be reused or started
// within the configured limits, Acquire answers with a
// *domain.ResourceExhaustedError and the caller is expected to back off and
// try again; Changed signals when doing so is worthwhile.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/domain"
)

// Container classes. Docker-capable containers are never lent to nodes that
// do not ask for docker, and the reverse.
const (
	ClassStandard = "standard"
	ClassDocker   = "docker"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("container pool closed")
	// ErrUnsatisfiable is returned when a profile exceeds the pool limits on
	// its own; waiting would never help.
	ErrUnsatisfiable = errors.New("request exceeds pool limits")
	// ErrScopeLost is returned for a scope whose container was discarded
	// before the scope ended. A fresh container would miss the state left by
	// earlier members, so the scope stays unusable until EndScope.
	ErrScopeLost = errors.New("same-container scope lost its container")
)

// Profile is what a node needs from a container.
type Profile struct {
	Image          domain.ImageSpec
	CPU            float64
	Mem            float64
	RequiresDocker bool
}

// ProfileOf builds the profile of a node from its resolved parameters.
func ProfileOf(r domain.Resolved) Profile {
	return Profile{Image: r.Image, CPU: r.CPU, Mem: r.Mem, RequiresDocker: r.RequiresDocker}
}

// Class returns the container class the profile belongs to.
func (p Profile) Class() string {
	if p.RequiresDocker {
		return ClassDocker
	}
	return ClassStandard
}

func (p Profile) key() string {
	return fmt.Sprintf("%s#%g#%g#%t", p.Image.Key(), p.CPU, p.Mem, p.RequiresDocker)
}

// ScopeID identifies a same-container scope within a pipeline.
type ScopeID string

// NewScopeID derives the scope id of the scope rooted at scopePath.
func NewScopeID(pipelineID, scopePath string) ScopeID {
	return ScopeID(pipelineID + ":" + scopePath)
}

// Request asks the pool for a container.
type Request struct {
	Profile Profile
	// Scope binds the container to a same-container scope. Empty for free
	// assignment.
	Scope ScopeID
}

// Limits bound the containers a pool may hold at once. Zero means unlimited.
type Limits struct {
	MaxContainers int
	MaxCPU        float64
	MaxMemGB      float64
	// LaunchesPerSecond and LaunchBurst pace container starts per class.
	LaunchesPerSecond int
	LaunchBurst       int
	// IdleTimeout stops unscoped containers left idle for longer.
	IdleTimeout time.Duration
}

type handleState int

const (
	stateStarting handleState = iota
	stateIdle
	stateBusy
)

// Handle is a container lent to a caller. It must be given back with
// Release or Discard.
type Handle struct {
	id        string
	container container.ID
	profile   Profile
	scope     ScopeID
	state     handleState
	lastUsed  time.Time
}

// ID is the pool's identifier of the lease target.
func (h *Handle) ID() string { return h.id }

// ContainerID is the runtime id of the container.
func (h *Handle) ContainerID() container.ID { return h.container }

// Scope is the scope the container is bound to, if any.
func (h *Handle) Scope() ScopeID { return h.scope }

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for pool events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMetrics makes the pool report into m instead of a registry of its own.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithLabels sets labels attached to every started container.
func WithLabels(labels map[string]string) Option {
	return func(p *Pool) { p.labels = maps.Clone(labels) }
}

// WithClock replaces the clock used for idle timeouts and start durations.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool lends containers to Exec nodes. It is safe for concurrent use.
type Pool struct {
	rt      container.Runtime
	logger  *slog.Logger
	metrics *Metrics
	limiter *governance.RateLimiter
	labels  map[string]string
	now     func() time.Time

	mu      sync.Mutex
	limits  Limits
	handles map[string]*Handle
	scopes  map[ScopeID]*Handle
	lost    map[ScopeID]bool
	cpu     float64
	mem     float64
	changed chan struct{}
	closed  bool
}

// New creates a pool on top of a container runtime.
func New(rt container.Runtime, limits Limits, opts ...Option) *Pool {
	p := &Pool{
		rt:      rt,
		logger:  slog.Default(),
		limiter: governance.NewRateLimiter(nil),
		now:     time.Now,
		handles: make(map[string]*Handle),
		scopes:  make(map[ScopeID]*Handle),
		lost:    make(map[ScopeID]bool),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics()
	}
	p.Configure(limits)
	return p
}

// Metrics returns the pool's Prometheus metrics.
func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

// Configure replaces the limits. Containers already running are kept even
// when they exceed the new limits; they are evicted as they go idle.
func (p *Pool) Configure(limits Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits = limits
	rl := governance.RateLimiterConfig{LaunchesPerSecond: limits.LaunchesPerSecond, BurstSize: limits.LaunchBurst}
	p.limiter.Configure(map[string]governance.RateLimiterConfig{ClassStandard: rl, ClassDocker: rl})
	p.notifyLocked()
}

// Limits returns the current limits.
func (p *Pool) Limits() Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits
}

// Changed returns a channel closed the next time capacity may have been
// freed: a release, a discard, a scope end or a limit change.
func (p *Pool) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Acquire lends a container for req. A container already bound to the
// request's scope is always used; otherwise an idle container with the same
// profile is reused, and otherwise a new one is started if the limits allow,
// evicting idle containers to make room.
func (p *Pool) Acquire(ctx context.Context, req Request) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.lost[req.Scope] {
		p.mu.Unlock()
		p.metrics.recordAcquire("error")
		return nil, fmt.Errorf("%w: %s", ErrScopeLost, req.Scope)
	}
	expired := p.expiredLocked()

	if h, ok := p.scopes[req.Scope]; ok && req.Scope != "" {
		if h.state != stateIdle {
			p.mu.Unlock()
			p.stopAll(ctx, expired, "idle_timeout")
			p.metrics.recordAcquire("exhausted")
			return nil, &domain.ResourceExhaustedError{Resource: "scope", Detail: fmt.Sprintf("container of %s is in use", req.Scope)}
		}
		h.state = stateBusy
		p.updateMetricsLocked()
		p.mu.Unlock()
		p.stopAll(ctx, expired, "idle_timeout")
		p.metrics.recordAcquire("scope")
		return h, nil
	}

	key := req.Profile.key()
	if h := p.idleMatchLocked(key); h != nil {
		h.state = stateBusy
		p.bindLocked(h, req.Scope)
		p.updateMetricsLocked()
		p.mu.Unlock()
		p.stopAll(ctx, expired, "idle_timeout")
		p.metrics.recordAcquire("reuse")
		return h, nil
	}

	if err := p.satisfiableLocked(req.Profile); err != nil {
		p.mu.Unlock()
		p.stopAll(ctx, expired, "idle_timeout")
		p.metrics.recordAcquire("error")
		return nil, err
	}
	var evicted []*Handle
	for !p.fitsLocked(req.Profile) {
		victim := p.oldestIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			p.stopAll(ctx, expired, "idle_timeout")
			p.stopAll(ctx, evicted, "evicted")
			p.metrics.recordAcquire("exhausted")
			return nil, &domain.ResourceExhaustedError{Resource: "capacity", Detail: p.usageLocked()}
		}
		p.removeLocked(victim)
		evicted = append(evicted, victim)
	}
	class := req.Profile.Class()
	if !p.limiter.Allow(class) {
		p.mu.Unlock()
		p.stopAll(ctx, expired, "idle_timeout")
		p.stopAll(ctx, evicted, "evicted")
		p.metrics.recordAcquire("exhausted")
		return nil, &domain.ResourceExhaustedError{Resource: "launch_rate", Detail: class}
	}

	h := &Handle{id: uuid.NewString(), profile: req.Profile, state: stateStarting}
	p.handles[h.id] = h
	p.cpu += req.Profile.CPU
	p.mem += req.Profile.Mem
	p.bindLocked(h, req.Scope)
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.stopAll(ctx, expired, "idle_timeout")
	p.stopAll(ctx, evicted, "evicted")

	started := p.now()
	id, err := p.rt.Start(ctx, container.StartConfig{
		Name:           "polis-" + h.id,
		Image:          req.Profile.Image,
		CPU:            req.Profile.CPU,
		MemGB:          req.Profile.Mem,
		RequiresDocker: req.Profile.RequiresDocker,
		Labels:         p.labels,
	})

	p.mu.Lock()
	if err != nil {
		p.removeLocked(h)
		p.notifyLocked()
		p.mu.Unlock()
		p.metrics.recordAcquire("error")
		return nil, fmt.Errorf("start container: %w", err)
	}
	h.container = id
	if p.closed {
		p.removeLocked(h)
		p.mu.Unlock()
		p.stopAll(ctx, []*Handle{h}, "closed")
		return nil, ErrClosed
	}
	h.state = stateBusy
	p.updateMetricsLocked()
	p.mu.Unlock()

	p.metrics.recordStart(class, p.now().Sub(started).Seconds())
	p.metrics.recordAcquire("start")
	p.logger.Debug("container acquired", "container_id", id, "class", class, "scope", string(req.Scope))
	return h, nil
}

// Exec runs a command in a container lent by this pool.
func (p *Pool) Exec(ctx context.Context, h *Handle, req container.ExecRequest) (container.ExecResult, error) {
	return p.rt.ExecAndWait(ctx, h.container, req)
}

// Release returns a container after a command completed. Unscoped
// containers become available for reuse; scoped ones wait for the next node
// of their scope.
func (p *Pool) Release(ctx context.Context, h *Handle) {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		p.mu.Unlock()
		return
	}
	h.state = stateIdle
	h.lastUsed = p.now()
	p.updateMetricsLocked()
	p.notifyLocked()
	expired := p.expiredLocked()
	p.mu.Unlock()
	p.stopAll(ctx, expired, "idle_timeout")
}

// Discard stops a container whose state can no longer be trusted, such as
// one whose runtime failed under a command. Discarding a scoped container
// marks its scope lost.
func (p *Pool) Discard(ctx context.Context, h *Handle) {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		p.mu.Unlock()
		return
	}
	if h.scope != "" && p.scopes[h.scope] == h {
		p.lost[h.scope] = true
		p.logger.Warn("scoped container discarded", "container_id", h.container, "scope", string(h.scope))
	}
	p.removeLocked(h)
	p.notifyLocked()
	p.mu.Unlock()
	p.stopAll(ctx, []*Handle{h}, "discarded")
}

// EndScope tears down the container of a scope once its last node is done.
// A lost scope becomes usable again.
func (p *Pool) EndScope(ctx context.Context, scope ScopeID) {
	p.mu.Lock()
	delete(p.lost, scope)
	h, ok := p.scopes[scope]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.removeLocked(h)
	p.notifyLocked()
	p.mu.Unlock()
	p.stopAll(ctx, []*Handle{h}, "scope_end")
}

// HasScope reports whether a container is bound to scope.
func (p *Pool) HasScope(scope ScopeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.scopes[scope]
	return ok
}

// Close stops every container. Acquire fails afterwards.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clear(p.lost)
	all := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		if h.state != stateStarting {
			all = append(all, h)
		}
	}
	for _, h := range all {
		p.removeLocked(h)
	}
	p.notifyLocked()
	p.mu.Unlock()
	return p.stopAll(ctx, all, "closed")
}

// ClassStats counts the containers of one class.
type ClassStats struct {
	Starting int `json:"starting"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	// LaunchTokens is the remaining launch burst; only meaningful when
	// LaunchLimited is set.
	LaunchTokens  float64 `json:"launch_tokens,omitempty"`
	LaunchLimited bool    `json:"launch_limited"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Containers int                   `json:"containers"`
	Scopes     int                   `json:"scopes"`
	CPU        float64               `json:"cpu"`
	MemGB      float64               `json:"mem_gb"`
	ByClass    map[string]ClassStats `json:"by_class"`
}

// Stats returns current usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{
		Containers: len(p.handles),
		Scopes:     len(p.scopes),
		CPU:        p.cpu,
		MemGB:      p.mem,
		ByClass:    map[string]ClassStats{ClassStandard: {}, ClassDocker: {}},
	}
	for _, h := range p.handles {
		c := s.ByClass[h.profile.Class()]
		switch h.state {
		case stateStarting:
			c.Starting++
		case stateIdle:
			c.Idle++
		case stateBusy:
			c.Busy++
		}
		s.ByClass[h.profile.Class()] = c
	}
	for class, rl := range p.limiter.Stats() {
		c := s.ByClass[class]
		c.LaunchTokens = rl.Available
		c.LaunchLimited = true
		s.ByClass[class] = c
	}
	return s
}

func (p *Pool) updateMetricsLocked() {
	p.metrics.updateUsage(p.statsLocked())
}

func (p *Pool) usageLocked() string {
	return fmt.Sprintf("%d containers, %g cpu, %g GB in use (limits %d, %g, %g)",
		len(p.handles), p.cpu, p.mem, p.limits.MaxContainers, p.limits.MaxCPU, p.limits.MaxMemGB)
}

func (p *Pool) bindLocked(h *Handle, scope ScopeID) {
	if scope == "" {
		return
	}
	h.scope = scope
	p.scopes[scope] = h
}

func (p *Pool) removeLocked(h *Handle) {
	if _, ok := p.handles[h.id]; !ok {
		return
	}
	delete(p.handles, h.id)
	if h.scope != "" && p.scopes[h.scope] == h {
		delete(p.scopes, h.scope)
	}
	p.cpu -= h.profile.CPU
	p.mem -= h.profile.Mem
	p.updateMetricsLocked()
}

func (p *Pool) idleMatchLocked(key string) *Handle {
	var best *Handle
	for _, h := range p.handles {
		if h.scope != "" || h.state != stateIdle || h.profile.key() != key {
			continue
		}
		// most recently used first: its caches are warmest
		if best == nil || h.lastUsed.After(best.lastUsed) {
			best = h
		}
	}
	return best
}

func (p *Pool) oldestIdleLocked() *Handle {
	var oldest *Handle
	for _, h := range p.handles {
		if h.scope != "" || h.state != stateIdle {
			continue
		}
		if oldest == nil || h.lastUsed.Before(oldest.lastUsed) {
			oldest = h
		}
	}
	return oldest
}

func (p *Pool) expiredLocked() []*Handle {
	if p.limits.IdleTimeout <= 0 {
		return nil
	}
	cutoff := p.now().Add(-p.limits.IdleTimeout)
	var out []*Handle
	for _, h := range p.handles {
		if h.scope == "" && h.state == stateIdle && h.lastUsed.Before(cutoff) {
			out = append(out, h)
		}
	}
	for _, h := range out {
		p.removeLocked(h)
	}
	return out
}

const epsilon = 1e-9

func (p *Pool) satisfiableLocked(prof Profile) error {
	l := p.limits
	switch {
	case l.MaxCPU > 0 && prof.CPU > l.MaxCPU+epsilon:
		return fmt.Errorf("%w: needs %g cpu, pool allows %g", ErrUnsatisfiable, prof.CPU, l.MaxCPU)
	case l.MaxMemGB > 0 && prof.Mem > l.MaxMemGB+epsilon:
		return fmt.Errorf("%w: needs %g GB, pool allows %g", ErrUnsatisfiable, prof.Mem, l.MaxMemGB)
	case l.MaxContainers < 0:
		return fmt.Errorf("%w: pool allows no containers", ErrUnsatisfiable)
	}
	return nil
}

func (p *Pool) fitsLocked(prof Profile) bool {
	l := p.limits
	if l.MaxContainers > 0 && len(p.handles)+1 > l.MaxContainers {
		return false
	}
	if l.MaxCPU > 0 && p.cpu+prof.CPU > l.MaxCPU+epsilon {
		return false
	}
	if l.MaxMemGB > 0 && p.mem+prof.Mem > l.MaxMemGB+epsilon {
		return false
	}
	return true
}

// stopAll stops containers outside the lock. Errors are logged and joined.
func (p *Pool) stopAll(ctx context.Context, hs []*Handle, reason string) error {
	sort.Slice(hs, func(i, j int) bool { return hs[i].id < hs[j].id })
	var errs []error
	for _, h := range hs {
		if h.container == "" {
			continue
		}
		if err := p.rt.Stop(context.WithoutCancel(ctx), h.container); err != nil {
			p.logger.Warn("failed to stop container", "container_id", h.container, "reason", reason, "error", err)
			errs = append(errs, err)
			continue
		}
		p.metrics.recordStop(reason)
	}
	return errors.Join(errs...)
}
