package engine

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/domain"
)

// DebugMode selects how a node is reproduced.
type DebugMode string

const (
	// DebugSnapshot runs the node's image exactly as the engine would.
	DebugSnapshot DebugMode = "snapshot"
	// DebugLive mounts the host source tree over the image's code so that
	// edits are picked up without rebuilding.
	DebugLive DebugMode = "live"
)

var (
	// ErrLiveDebugUnsupported is returned for live debugging of an image
	// whose code cannot be mapped to host paths.
	ErrLiveDebugUnsupported = errors.New("live debugging needs an image with a build context and either a name or a copied context")
	// ErrNotExec is returned for operations that only apply to Exec nodes.
	ErrNotExec = errors.New("not an exec node")
	// ErrInvalidDebugMode is returned for unknown debug modes.
	ErrInvalidDebugMode = errors.New("invalid debug mode")
)

// ParseDebugMode parses a mode name. Empty means snapshot.
func ParseDebugMode(s string) (DebugMode, error) {
	switch DebugMode(s) {
	case "", DebugSnapshot:
		return DebugSnapshot, nil
	case DebugLive:
		return DebugLive, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDebugMode, s)
}

// DebugPlan describes how to reproduce one Exec node by hand.
type DebugPlan struct {
	Path    string            `json:"path"`
	Mode    DebugMode         `json:"mode"`
	Image   domain.ImageSpec  `json:"image"`
	Command string            `json:"command"`
	Env     map[string]string `json:"env"`
	WorkDir string            `json:"work_dir,omitempty"`
	Mounts  []container.Mount `json:"mounts,omitempty"`
	// DockerArgs is the argument list of a `docker` invocation that opens
	// the container with the command ready to run.
	DockerArgs []string `json:"docker_args"`
}

// Debug builds a plan for reproducing the node at path with the parameters
// it would be dispatched with now.
func (e *Engine) Debug(path string, mode DebugMode) (*DebugPlan, error) {
	if _, err := ParseDebugMode(string(mode)); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = DebugSnapshot
	}

	e.mu.Lock()
	n, err := e.lookupExec(path)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	resolved := e.tree.ResolveParams(n.ID)
	nodePath := n.Path
	cmd, cmdErr := n.Payload.CommandLine()
	e.mu.Unlock()
	if cmdErr != nil {
		return nil, cmdErr
	}

	img := resolved.Image
	if img.Name == "" {
		return nil, container.ErrImageBuildUnsupported
	}
	cfg := container.StartConfig{
		Image:          img.Clone(),
		Env:            e.commandEnv(nodePath, resolved.Env),
		CPU:            resolved.CPU,
		MemGB:          resolved.Mem,
		RequiresDocker: resolved.RequiresDocker,
	}
	if mode == DebugLive {
		if !img.LiveDebuggable() {
			return nil, fmt.Errorf("%s: %w", nodePath, ErrLiveDebugUnsupported)
		}
		// the build context replaces the copied code
		cfg.Image.CopyDir = img.Context
		for _, host := range slices.Sorted(maps.Keys(img.PathMap)) {
			cfg.Mounts = append(cfg.Mounts, container.Mount{Source: host, Target: img.PathMap[host]})
		}
	}

	plan := &DebugPlan{
		Path:       nodePath,
		Mode:       mode,
		Image:      img,
		Command:    cmd,
		Env:        cfg.Env,
		Mounts:     slices.Clone(cfg.Mounts),
		DockerArgs: container.DebugArgs(cfg, cmd),
	}
	if cfg.Image.CopyDir != "" {
		plan.WorkDir = container.CodeDir
		plan.Mounts = append(plan.Mounts, container.Mount{Source: cfg.Image.CopyDir, Target: container.CodeDir})
	}
	return plan, nil
}
