package tree

import (
	"maps"
	"time"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// Option sets a parameter on a spec built with Exec, Serial, Parallel or Lazy.
type Option func(*NodeSpec)

// Exec describes a node that runs a shell command.
func Exec(command string, opts ...Option) *NodeSpec {
	return apply(&NodeSpec{Kind: domain.KindExec, Payload: domain.Payload{Command: command}}, opts)
}

// Call describes a node that runs a function through an entrypoint program.
func Call(entrypoint, fn string, args map[string]any, opts ...Option) *NodeSpec {
	return apply(&NodeSpec{Kind: domain.KindExec, Payload: domain.Payload{
		Entrypoint: entrypoint,
		Func:       fn,
		Args:       maps.Clone(args),
	}}, opts)
}

// Serial describes a container whose children run one after another.
func Serial(opts ...Option) *NodeSpec {
	return apply(&NodeSpec{Kind: domain.KindSerial}, opts)
}

// Parallel describes a container whose children run concurrently.
func Parallel(opts ...Option) *NodeSpec {
	return apply(&NodeSpec{Kind: domain.KindParallel}, opts)
}

// Lazy describes a node whose subtree is printed by command at run time.
func Lazy(command string, opts ...Option) *NodeSpec {
	return apply(&NodeSpec{Kind: domain.KindSerial, Lazy: true, Payload: domain.Payload{Command: command}}, opts)
}

// Add appends a named child and returns s for chaining.
func (s *NodeSpec) Add(name string, child *NodeSpec) *NodeSpec {
	child.Name = name
	s.Children = append(s.Children, child)
	return s
}

// AddLazy attaches a lazy node under parentPath. It is AddChild with a Lazy
// spec built from payload.
func (t *Tree) AddLazy(parentPath, name string, payload domain.Payload, opts ...Option) (NodeID, error) {
	return t.AddChild(parentPath, name, apply(&NodeSpec{Kind: domain.KindSerial, Lazy: true, Payload: payload}, opts))
}

func apply(s *NodeSpec, opts []Option) *NodeSpec {
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithImage(img domain.ImageSpec) Option {
	return func(s *NodeSpec) {
		c := img.Clone()
		s.Image = &c
	}
}

// WithEnv adds environment variables. Repeated calls merge.
func WithEnv(env map[string]string) Option {
	return func(s *NodeSpec) {
		if s.Env == nil {
			s.Env = make(map[string]string, len(env))
		}
		maps.Copy(s.Env, env)
	}
}

func WithCPU(cpu float64) Option {
	return func(s *NodeSpec) { s.CPU = domain.Ptr(cpu) }
}

func WithMem(gb float64) Option {
	return func(s *NodeSpec) { s.Mem = domain.Ptr(gb) }
}

func WithRequiresDocker(v bool) Option {
	return func(s *NodeSpec) { s.RequiresDocker = domain.Ptr(v) }
}

func WithSameContainer(m domain.SameContainerMode) Option {
	return func(s *NodeSpec) { s.SameContainer = domain.Ptr(m) }
}

func WithStopOnError(v bool) Option {
	return func(s *NodeSpec) { s.StopOnError = domain.Ptr(v) }
}

func WithMaxTime(d time.Duration) Option {
	return func(s *NodeSpec) { s.MaxTime = domain.Ptr(domain.Duration(d)) }
}

func WithSkip() Option {
	return func(s *NodeSpec) { s.Skip = true }
}

func WithDoc(doc string) Option {
	return func(s *NodeSpec) { s.Doc = doc }
}
