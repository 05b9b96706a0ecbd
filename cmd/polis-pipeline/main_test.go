package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipeline/pkg/config"
	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/container/containertest"
)

const pipelineYAML = `
kind: serial
env:
  STAGE: test
children:
  - name: build
    command: make build
  - name: checks
    kind: parallel
    children:
      - name: unit
        command: make test
      - name: lint
        command: make lint
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// useFakeRuntime routes every command to rt for the duration of the test.
func useFakeRuntime(t *testing.T, rt *containertest.Runtime) {
	t.Helper()
	prev := newRuntime
	newRuntime = func(config.RuntimeConfig, *slog.Logger) (container.Runtime, error) {
		return rt, nil
	}
	t.Cleanup(func() { newRuntime = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeFile(t, "pipeline.yaml", pipelineYAML)
	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok, 5 nodes")

	bad := writeFile(t, "bad.yaml", "kind: serial\nchildren:\n  - name: a\n    cpu: -1\n    command: x\n")
	_, err = execute(t, "validate", bad)
	assert.Error(t, err)

	_, err = execute(t, "validate")
	assert.Error(t, err)
}

func TestShowRendersHCL(t *testing.T) {
	path := writeFile(t, "pipeline.hcl", `
pipeline "p" {
  kind = "serial"
  node "greet" {
    command = "echo ${var.who}"
  }
}
`)
	out, err := execute(t, "show", path, "--var", "who=world")
	require.NoError(t, err)
	assert.Contains(t, out, `"command": "echo world"`)
}

func TestRun(t *testing.T) {
	rt := containertest.New()
	useFakeRuntime(t, rt)
	path := writeFile(t, "pipeline.yaml", pipelineYAML)

	out, err := execute(t, "run", path, "--id", "p1", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline p1: done")
	assert.Contains(t, out, "/checks/unit")
	assert.Len(t, rt.Calls(), 3)
	assert.Equal(t, "test", rt.CallsFor("/build")[0].Env["STAGE"])
	assert.Zero(t, rt.Live())
}

func TestRunFailureExitsNonzero(t *testing.T) {
	rt := containertest.New()
	rt.OnExec(func(_ context.Context, _ container.ID, req container.ExecRequest) (container.ExecResult, error) {
		if req.Command == "make lint" {
			return container.ExecResult{ExitCode: 2}, nil
		}
		return container.ExecResult{}, nil
	})
	useFakeRuntime(t, rt)
	path := writeFile(t, "pipeline.yaml", pipelineYAML)

	out, err := execute(t, "run", path, "--log-level", "error")
	assert.ErrorIs(t, err, errPipelineFailed)
	assert.Contains(t, out, "exit code 2")
}

func TestResumeAndArchive(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POLIS_PIPELINE_SNAPSHOT_DIR", dir)
	rt := containertest.New()
	useFakeRuntime(t, rt)
	path := writeFile(t, "pipeline.yaml", pipelineYAML)

	_, err := execute(t, "run", path, "--id", "p7", "--log-level", "error")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, "p7.json"))

	// everything already finished, so resuming runs nothing
	out, err := execute(t, "resume", "p7", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "pipeline p7: done")
	assert.Len(t, rt.Calls(), 3)

	out, err = execute(t, "archive", "p7", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "archived")
	assert.NoFileExists(t, filepath.Join(dir, "p7.json"))

	_, err = execute(t, "resume", "p7", "--log-level", "error")
	assert.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "pool:\n  max_containers: -3\n")
	path := writeFile(t, "pipeline.yaml", pipelineYAML)
	_, err := execute(t, "run", path, "--config", cfgPath)
	assert.Error(t, err)

	useFakeRuntime(t, containertest.New())
	_, err = execute(t, "run", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProcessMetrics(t *testing.T) {
	families, err := processMetrics().Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
