package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stopGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
const stopGrace = 2 * time.Second

// LocalRuntime runs commands on the host with `sh -c`. A "container" is a
// working directory plus an environment; images and resource limits are
// ignored. It backs local runs and tests where docker is not available.
type LocalRuntime struct {
	root   string
	logger *slog.Logger

	mu         sync.Mutex
	containers map[ID]*localContainer
}

type localContainer struct {
	dir   string
	owned bool
	env   map[string]string
}

// NewLocalRuntime creates a runtime whose working directories live under
// root (the system temp dir when empty).
func NewLocalRuntime(root string, logger *slog.Logger) *LocalRuntime {
	if root == "" {
		root = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRuntime{
		root:       root,
		logger:     logger,
		containers: make(map[ID]*localContainer),
	}
}

// Start implements Runtime. Commands run in the image's CopyDir when it is
// set, otherwise in a fresh directory removed again by Stop.
func (l *LocalRuntime) Start(ctx context.Context, cfg StartConfig) (ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := ID("local-" + uuid.NewString())
	c := &localContainer{env: maps.Clone(cfg.Env)}
	if cfg.Image.CopyDir != "" {
		c.dir = cfg.Image.CopyDir
	} else {
		if err := os.MkdirAll(l.root, 0o755); err != nil {
			return "", fmt.Errorf("create runtime root: %w", err)
		}
		dir, err := os.MkdirTemp(l.root, "polis-")
		if err != nil {
			return "", fmt.Errorf("create working dir: %w", err)
		}
		c.dir = dir
		c.owned = true
	}

	l.mu.Lock()
	l.containers[id] = c
	l.mu.Unlock()
	l.logger.Debug("local container started", "container_id", id, "dir", c.dir)
	return id, nil
}

// ExecAndWait implements Runtime.
func (l *LocalRuntime) ExecAndWait(ctx context.Context, id ID, req ExecRequest) (ExecResult, error) {
	l.mu.Lock()
	c, ok := l.containers[id]
	l.mu.Unlock()
	if !ok {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Command)
	cmd.Dir = c.dir
	if req.WorkDir != "" {
		cmd.Dir = filepath.Join(c.dir, req.WorkDir)
	}
	cmd.Env = mergeEnv(os.Environ(), c.env, req.Env)
	setProcessGroup(cmd)
	cmd.WaitDelay = stopGrace

	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return ExecResult{}, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return captured(0, stdout, stderr), nil
	case errors.As(err, &exitErr):
		return captured(exitErr.ExitCode(), stdout, stderr), nil
	default:
		return ExecResult{}, fmt.Errorf("run command: %w", err)
	}
}

// Stop implements Runtime.
func (l *LocalRuntime) Stop(_ context.Context, id ID) error {
	l.mu.Lock()
	c, ok := l.containers[id]
	delete(l.containers, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if c.owned {
		if err := os.RemoveAll(c.dir); err != nil {
			return fmt.Errorf("remove working dir: %w", err)
		}
	}
	l.logger.Debug("local container stopped", "container_id", id)
	return nil
}

// mergeEnv appends the maps to base in order; later keys win because the
// last occurrence of a variable takes effect.
func mergeEnv(base []string, layers ...map[string]string) []string {
	out := slices.Clone(base)
	for _, layer := range layers {
		for _, k := range slices.Sorted(maps.Keys(layer)) {
			out = append(out, k+"="+layer[k])
		}
	}
	return out
}
