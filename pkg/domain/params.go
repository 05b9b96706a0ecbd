package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Defaults applied when no node on the path to the root sets a value.
const (
	DefaultImageName   = "alpine:3"
	DefaultCPU         = 1.0
	DefaultMemGB       = 2.0
	DefaultStopOnError = true
)

// ImageSpec describes the container image an Exec runs in. Building images
// is outside the engine; Dockerfile, ReqsPy and the copy fields are carried
// as identity and for debug plans.
type ImageSpec struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Dockerfile  string            `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
	Context     string            `json:"context,omitempty" yaml:"context,omitempty"`
	CopyContext bool              `json:"copy_context,omitempty" yaml:"copy_context,omitempty"`
	CopyDir     string            `json:"copy_dir,omitempty" yaml:"copy_dir,omitempty"`
	CopyURL     string            `json:"copy_url,omitempty" yaml:"copy_url,omitempty"`
	CopyBranch  string            `json:"copy_branch,omitempty" yaml:"copy_branch,omitempty"`
	PathMap     map[string]string `json:"path_map,omitempty" yaml:"path_map,omitempty"`
	ReqsPy      []string          `json:"reqs_py,omitempty" yaml:"reqs_py,omitempty"`
}

// Key returns the identity used to match containers in the pool. PathMap
// only affects debugging and is left out.
func (i ImageSpec) Key() string {
	reqs := slices.Clone(i.ReqsPy)
	slices.Sort(reqs)
	return strings.Join([]string{
		i.Name, i.Dockerfile, i.Context, fmt.Sprint(i.CopyContext),
		i.CopyDir, i.CopyURL, i.CopyBranch, strings.Join(reqs, ","),
	}, "|")
}

// LiveDebuggable reports whether host paths can be mounted over the image's
// code for a live debug session.
func (i ImageSpec) LiveDebuggable() bool {
	if i.Context == "" {
		return false
	}
	return i.Name != "" || (i.Dockerfile != "" && i.CopyContext)
}

// Clone returns a deep copy.
func (i ImageSpec) Clone() ImageSpec {
	i.PathMap = maps.Clone(i.PathMap)
	i.ReqsPy = slices.Clone(i.ReqsPy)
	return i
}

// Duration is a time.Duration that reads and writes as "1m30s" in JSON and
// YAML documents.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Params are the execution parameters of a node. Pointer and map fields are
// nil when unset so that resolution can fall through to the ancestors.
// Skip and Doc belong to the node they are set on and are never inherited.
type Params struct {
	Image          *ImageSpec         `json:"image,omitempty" yaml:"image,omitempty"`
	Env            map[string]string  `json:"env,omitempty" yaml:"env,omitempty"`
	CPU            *float64           `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Mem            *float64           `json:"mem,omitempty" yaml:"mem,omitempty"`
	RequiresDocker *bool              `json:"requires_docker,omitempty" yaml:"requires_docker,omitempty"`
	SameContainer  *SameContainerMode `json:"same_container,omitempty" yaml:"same_container,omitempty"`
	StopOnError    *bool              `json:"stop_on_error,omitempty" yaml:"stop_on_error,omitempty"`
	MaxTime        *Duration          `json:"max_time,omitempty" yaml:"max_time,omitempty"`
	Skip           bool               `json:"skip,omitempty" yaml:"skip,omitempty"`
	Doc            string             `json:"doc,omitempty" yaml:"doc,omitempty"`
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := p
	if p.Image != nil {
		img := p.Image.Clone()
		out.Image = &img
	}
	out.Env = maps.Clone(p.Env)
	out.CPU = clonePtr(p.CPU)
	out.Mem = clonePtr(p.Mem)
	out.RequiresDocker = clonePtr(p.RequiresDocker)
	out.SameContainer = clonePtr(p.SameContainer)
	out.StopOnError = clonePtr(p.StopOnError)
	out.MaxTime = clonePtr(p.MaxTime)
	return out
}

// Validate rejects values no container could satisfy.
func (p Params) Validate() error {
	if p.CPU != nil && *p.CPU <= 0 {
		return fmt.Errorf("%w: cpu must be positive, got %v", ErrInvalidParams, *p.CPU)
	}
	if p.Mem != nil && *p.Mem <= 0 {
		return fmt.Errorf("%w: mem must be positive, got %v", ErrInvalidParams, *p.Mem)
	}
	if p.MaxTime != nil && *p.MaxTime < 0 {
		return fmt.Errorf("%w: max_time must not be negative", ErrInvalidParams)
	}
	if p.SameContainer != nil {
		if _, err := ParseSameContainer(string(*p.SameContainer)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	for k := range p.Env {
		if k == "" || strings.ContainsAny(k, "= ") {
			return fmt.Errorf("%w: invalid env name %q", ErrInvalidParams, k)
		}
	}
	return nil
}

// Resolved holds the effective parameters of a node after inheritance and
// defaults. It is computed at dispatch time and never cached.
type Resolved struct {
	Image          ImageSpec         `json:"image"`
	Env            map[string]string `json:"env,omitempty"`
	CPU            float64           `json:"cpu"`
	Mem            float64           `json:"mem"`
	RequiresDocker bool              `json:"requires_docker"`
	SameContainer  SameContainerMode `json:"same_container,omitempty"`
	StopOnError    bool              `json:"stop_on_error"`
	MaxTime        time.Duration     `json:"max_time,omitempty"`
}

// DefaultResolved returns the parameters of a node for which nothing is set.
func DefaultResolved() Resolved {
	return Resolved{
		Image:       ImageSpec{Name: DefaultImageName},
		Env:         map[string]string{},
		CPU:         DefaultCPU,
		Mem:         DefaultMemGB,
		StopOnError: DefaultStopOnError,
	}
}

// Patch field names accepted by ParamsPatch.Unset.
const (
	FieldImage          = "image"
	FieldEnv            = "env"
	FieldCPU            = "cpu"
	FieldMem            = "mem"
	FieldRequiresDocker = "requires_docker"
	FieldSameContainer  = "same_container"
	FieldStopOnError    = "stop_on_error"
	FieldMaxTime        = "max_time"
	FieldDoc            = "doc"
)

// ParamsPatch is a live modification of a node's parameters. Fields set in
// Set replace the node's values, except Env which is merged key by key.
// Unset clears fields so they inherit again; UnsetEnv drops single keys.
// Skip is changed through the skip operations, never through a patch.
type ParamsPatch struct {
	Set      Params   `json:"set" yaml:"set"`
	Unset    []string `json:"unset,omitempty" yaml:"unset,omitempty"`
	UnsetEnv []string `json:"unset_env,omitempty" yaml:"unset_env,omitempty"`
}

// Apply returns dst with the patch applied. dst is not modified.
func (pp ParamsPatch) Apply(dst Params) (Params, error) {
	if err := pp.Set.Validate(); err != nil {
		return dst, err
	}
	out := dst.Clone()
	for _, f := range pp.Unset {
		switch f {
		case FieldImage:
			out.Image = nil
		case FieldEnv:
			out.Env = nil
		case FieldCPU:
			out.CPU = nil
		case FieldMem:
			out.Mem = nil
		case FieldRequiresDocker:
			out.RequiresDocker = nil
		case FieldSameContainer:
			out.SameContainer = nil
		case FieldStopOnError:
			out.StopOnError = nil
		case FieldMaxTime:
			out.MaxTime = nil
		case FieldDoc:
			out.Doc = ""
		default:
			return dst, fmt.Errorf("%w: unknown field %q", ErrInvalidParams, f)
		}
	}
	for _, k := range pp.UnsetEnv {
		delete(out.Env, k)
	}

	set := pp.Set.Clone()
	if set.Image != nil {
		out.Image = set.Image
	}
	if len(set.Env) > 0 {
		if out.Env == nil {
			out.Env = make(map[string]string, len(set.Env))
		}
		maps.Copy(out.Env, set.Env)
	}
	if set.CPU != nil {
		out.CPU = set.CPU
	}
	if set.Mem != nil {
		out.Mem = set.Mem
	}
	if set.RequiresDocker != nil {
		out.RequiresDocker = set.RequiresDocker
	}
	if set.SameContainer != nil {
		out.SameContainer = set.SameContainer
	}
	if set.StopOnError != nil {
		out.StopOnError = set.StopOnError
	}
	if set.MaxTime != nil {
		out.MaxTime = set.MaxTime
	}
	if set.Doc != "" {
		out.Doc = set.Doc
	}
	return out, nil
}

// Ptr returns a pointer to v. Handy for building Params literals.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
