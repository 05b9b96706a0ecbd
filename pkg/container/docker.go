package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// commandRunner runs a host command and returns its output and exit code.
// err is set only when the command could not be run to completion.
type commandRunner func(ctx context.Context, name string, args ...string) (ExecResult, error)

// killTimeout bounds the docker exec that kills an interrupted command.
const killTimeout = 10 * time.Second

// execCommandVar carries the user command into the exec wrapper, which
// saves its own pid so an interrupted command can be killed in place.
const execCommandVar = "POLIS_EXEC_COMMAND"

const (
	execWrapper = `echo $$ > %[1]s; sh -c "$` + execCommandVar + `"; rc=$?; rm -f %[1]s; exit $rc`
	execKill    = `pid=$(cat %[1]s 2>/dev/null) || exit 0; pkill -TERM -P "$pid"; kill -TERM "$pid"; rm -f %[1]s`
)

// DockerRuntime drives containers through the docker CLI. Each container
// idles on `sleep infinity` and commands run through `docker exec`.
type DockerRuntime struct {
	binary string
	logger *slog.Logger
	run    commandRunner
}

// NewDockerRuntime creates a runtime using the given docker binary ("docker"
// when empty).
func NewDockerRuntime(binary string, logger *slog.Logger) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRuntime{binary: binary, logger: logger, run: runHost}
}

// Start implements Runtime.
func (d *DockerRuntime) Start(ctx context.Context, cfg StartConfig) (ID, error) {
	if cfg.Image.Name == "" {
		return "", ErrImageBuildUnsupported
	}
	args := runArgs(cfg)
	res, err := d.run(ctx, d.binary, args...)
	if err != nil {
		return "", fmt.Errorf("docker run: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("docker run exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	id := ID(strings.TrimSpace(string(res.Stdout)))
	if id == "" {
		return "", errors.New("docker run printed no container id")
	}
	d.logger.Debug("container started", "container_id", id, "image", cfg.Image.Name, "requires_docker", cfg.RequiresDocker)
	return id, nil
}

func runArgs(cfg StartConfig) []string {
	name := cfg.Name
	if name == "" {
		name = "polis-" + uuid.NewString()
	}
	args := []string{"run", "-d", "--name", name}
	if cfg.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPU, 'f', -1, 64))
	}
	if cfg.MemGB > 0 {
		args = append(args, "--memory", strconv.Itoa(int(cfg.MemGB*1024))+"m")
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Labels)) {
		args = append(args, "--label", k+"="+cfg.Labels[k])
	}
	args = append(args, envArgs(cfg.Env)...)

	mounts, workdir := mountArgs(cfg)
	args = append(args, mounts...)
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	return append(args, "--entrypoint", "sleep", cfg.Image.Name, "infinity")
}

// mountArgs renders the volume flags of cfg and the working directory they
// imply.
func mountArgs(cfg StartConfig) ([]string, string) {
	mounts := slices.Clone(cfg.Mounts)
	workdir := ""
	if cfg.Image.CopyDir != "" {
		mounts = append(mounts, Mount{Source: cfg.Image.CopyDir, Target: CodeDir})
		workdir = CodeDir
	}
	if cfg.RequiresDocker {
		mounts = append(mounts, Mount{Source: DockerSocket, Target: DockerSocket})
	}
	args := make([]string, 0, 2*len(mounts))
	for _, m := range mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	return args, workdir
}

func envArgs(env map[string]string) []string {
	args := make([]string, 0, 2*len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// ExecAndWait implements Runtime. Cancelling ctx kills the command inside
// the container and leaves the container running.
func (d *DockerRuntime) ExecAndWait(ctx context.Context, id ID, req ExecRequest) (ExecResult, error) {
	pidFile := "/tmp/polis-exec-" + uuid.NewString() + ".pid"
	args := []string{"exec"}
	args = append(args, envArgs(req.Env)...)
	args = append(args, "-e", execCommandVar+"="+req.Command)
	if req.WorkDir != "" {
		args = append(args, "-w", req.WorkDir)
	}
	args = append(args, string(id), "sh", "-c", fmt.Sprintf(execWrapper, pidFile))

	res, err := d.run(ctx, d.binary, args...)
	if ctx.Err() != nil {
		d.kill(context.WithoutCancel(ctx), id, pidFile)
		return ExecResult{}, ctx.Err()
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker exec: %w", err)
	}
	return res, nil
}

// kill stops an interrupted command, its shell and the shell's children.
func (d *DockerRuntime) kill(ctx context.Context, id ID, pidFile string) {
	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	res, err := d.run(ctx, d.binary, "exec", string(id), "sh", "-c", fmt.Sprintf(execKill, pidFile))
	if err != nil || res.ExitCode != 0 {
		d.logger.Warn("cannot kill interrupted command", "container_id", id, "exit_code", res.ExitCode, "error", err)
	}
}

// Stop implements Runtime. Stopping a container docker no longer knows is
// not an error.
func (d *DockerRuntime) Stop(ctx context.Context, id ID) error {
	res, err := d.run(ctx, d.binary, "rm", "-f", string(id))
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if res.ExitCode != 0 && !strings.Contains(string(res.Stderr), "No such container") {
		return fmt.Errorf("docker rm exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	d.logger.Debug("container stopped", "container_id", id)
	return nil
}

func runHost(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout := &cappedBuffer{limit: MaxOutputBytes}
	stderr := &cappedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return captured(0, stdout, stderr), nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return captured(exitErr.ExitCode(), stdout, stderr), nil
	default:
		return captured(-1, stdout, stderr), err
	}
}

var _ io.Writer = (*cappedBuffer)(nil)
