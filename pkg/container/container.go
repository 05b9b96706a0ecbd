// Package container starts the long-lived containers Exec nodes run in and
// executes commands inside them.
package container

import (
	"bytes"
	"context"
	"errors"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// ID identifies a started container. For docker it is the full container id
// printed by `docker run -d`.
type ID string

// CodeDir is where CopyDir is mounted inside a container.
const CodeDir = "/mnt/code"

// DockerSocket is mounted into containers that require docker.
const DockerSocket = "/var/run/docker.sock"

// MaxOutputBytes caps the stdout and stderr kept per command.
const MaxOutputBytes = 4 << 20

var (
	// ErrUnknownContainer is returned for ids the runtime did not start or
	// already stopped.
	ErrUnknownContainer = errors.New("unknown container")
	// ErrImageBuildUnsupported is returned for images that only name a
	// Dockerfile; building images happens outside the engine.
	ErrImageBuildUnsupported = errors.New("image must be built beforehand: set image name")
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// StartConfig specifies container creation parameters.
type StartConfig struct {
	// Name is the container name (e.g., "polis-3f2a...")
	Name  string
	Image domain.ImageSpec
	// Env is set for every command run in the container.
	Env            map[string]string
	CPU            float64
	MemGB          float64
	RequiresDocker bool
	Mounts         []Mount
	Labels         map[string]string
}

// ExecRequest is a command to run in a started container.
type ExecRequest struct {
	Command string
	// Env is added on top of the container's environment for this command.
	Env     map[string]string
	WorkDir string
}

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	// StdoutTruncated and StderrTruncated are set when the stream went past
	// MaxOutputBytes and only its beginning was kept.
	StdoutTruncated bool
	StderrTruncated bool
}

// Truncated reports whether either stream was cut.
func (r ExecResult) Truncated() bool {
	return r.StdoutTruncated || r.StderrTruncated
}

// Runtime manages containers. ExecAndWait returns an error only when the
// command could not be run or was cancelled; a nonzero exit is reported in
// the result.
type Runtime interface {
	Start(ctx context.Context, cfg StartConfig) (ID, error)
	Stop(ctx context.Context, id ID) error
	ExecAndWait(ctx context.Context, id ID, req ExecRequest) (ExecResult, error)
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := max(c.limit-c.buf.Len(), 0); n > room {
		c.dropped += int64(n - room)
		p = p[:room]
	}
	c.buf.Write(p)
	return n, nil
}

func captured(code int, stdout, stderr *cappedBuffer) ExecResult {
	return ExecResult{
		ExitCode:        code,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
}

func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}

// Truncated reports whether anything was discarded.
func (c *cappedBuffer) Truncated() bool {
	return c.dropped > 0
}
