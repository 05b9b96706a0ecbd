package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-pipeline/pkg/container"
	"github.com/polisai/polis-pipeline/pkg/container/containertest"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/engine"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

func newTestServer(t *testing.T, rt *containertest.Runtime) (*engine.Engine, *httptest.Server) {
	t.Helper()
	spec := tree.Serial(tree.WithImage(domain.ImageSpec{Name: "python:3.12"})).
		Add("prep", tree.Exec("echo prep")).
		Add("train", tree.Parallel(tree.WithStopOnError(false)).
			Add("a", tree.Exec("false")).
			Add("b", tree.Exec("echo b")))
	tr, err := tree.Build(spec)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(tr, engine.Options{PipelineID: "p1", Runtime: rt, Logger: logger, KeepAlive: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	srv := httptest.NewServer(New(e, logger).Handler())
	t.Cleanup(srv.Close)
	return e, srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func failing() *containertest.Runtime {
	rt := containertest.New()
	rt.OnExec(func(_ context.Context, _ container.ID, req container.ExecRequest) (container.ExecResult, error) {
		if req.Command == "false" {
			return container.ExecResult{ExitCode: 1}, nil
		}
		return container.ExecResult{}, nil
	})
	return rt
}

func TestPipelineAndNodeViews(t *testing.T) {
	_, srv := newTestServer(t, containertest.New())

	resp, data := do(t, http.MethodGet, srv.URL+"/pipeline", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	view := decodeAs[engine.View](t, data)
	assert.Equal(t, "p1", view.PipelineID)
	assert.Len(t, view.Nodes, 5)

	resp, data = do(t, http.MethodGet, srv.URL+"/nodes/train/a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nv := decodeAs[engine.NodeView](t, data)
	assert.Equal(t, "/train/a", nv.Path)
	assert.Equal(t, "false", nv.Command)
	assert.Equal(t, "python:3.12", nv.Resolved.Image.Name)

	resp, data = do(t, http.MethodGet, srv.URL+"/nodes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/", decodeAs[engine.NodeView](t, data).Path)

	resp, data = do(t, http.MethodGet, srv.URL+"/nodes/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NODE_NOT_FOUND", decodeAs[domain.ErrorResponse](t, data).Code)
}

func TestModify(t *testing.T) {
	_, srv := newTestServer(t, containertest.New())

	patch := domain.ParamsPatch{Set: domain.Params{CPU: domain.Ptr(4.0), Env: map[string]string{"SEED": "7"}}}
	resp, data := do(t, http.MethodPatch, srv.URL+"/nodes/train", patch)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	nv := decodeAs[engine.NodeView](t, data)
	assert.Equal(t, 4.0, nv.Resolved.CPU)
	assert.Equal(t, "7", nv.Resolved.Env["SEED"])

	resp, data = do(t, http.MethodPatch, srv.URL+"/nodes/train", domain.ParamsPatch{Unset: []string{"colour"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PARAMS", decodeAs[domain.ErrorResponse](t, data).Code)

	resp, data = do(t, http.MethodPatch, srv.URL+"/nodes/train", map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", decodeAs[domain.ErrorResponse](t, data).Code)
}

func TestNodeActions(t *testing.T) {
	e, srv := newTestServer(t, failing())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.WaitIdle(ctx))
	require.Equal(t, domain.StatusError, e.Status())

	resp, data := do(t, http.MethodPost, srv.URL+"/nodes/skip-errors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	ar := decodeAs[ActionResponse](t, data)
	assert.Equal(t, []string{"/train/a"}, ar.Paths)
	assert.Equal(t, "/", ar.Path)
	assert.Equal(t, string(domain.StatusDone), ar.Status)
	require.NoError(t, e.WaitIdle(ctx))

	resp, data = do(t, http.MethodPost, srv.URL+"/nodes/train/a/unskip", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, string(domain.StatusError), decodeAs[ActionResponse](t, data).Status)

	resp, _ = do(t, http.MethodPost, srv.URL+"/nodes/train/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, e.WaitIdle(ctx))
	nv, err := e.Node("/train/b")
	require.NoError(t, err)
	assert.Len(t, nv.Runs, 2)

	resp, _ = do(t, http.MethodPost, srv.URL+"/nodes/train/skip", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusDone, e.Status())

	resp, data = do(t, http.MethodPost, srv.URL+"/nodes/train/explode", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_ACTION", decodeAs[domain.ErrorResponse](t, data).Code)

	resp, data = do(t, http.MethodPost, srv.URL+"/nodes/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NODE_NOT_FOUND", decodeAs[domain.ErrorResponse](t, data).Code)
}

func TestAddChild(t *testing.T) {
	e, srv := newTestServer(t, containertest.New())

	resp, data := do(t, http.MethodPost, srv.URL+"/nodes/train/children",
		AddChildRequest{Name: "c", Spec: tree.Exec("echo c")})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, []string{"/train/c"}, decodeAs[ActionResponse](t, data).Paths)
	_, err := e.Node("/train/c")
	require.NoError(t, err)

	resp, data = do(t, http.MethodPost, srv.URL+"/nodes/train/children",
		AddChildRequest{Name: "c", Spec: tree.Exec("echo c")})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_PATH", decodeAs[domain.ErrorResponse](t, data).Code)

	resp, data = do(t, http.MethodPost, srv.URL+"/nodes/prep/children",
		AddChildRequest{Name: "x", Spec: tree.Exec("echo x")})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_PARENT", decodeAs[domain.ErrorResponse](t, data).Code)
}

func TestDebug(t *testing.T) {
	_, srv := newTestServer(t, containertest.New())

	resp, data := do(t, http.MethodGet, srv.URL+"/debug/train/b", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	plan := decodeAs[engine.DebugPlan](t, data)
	assert.Equal(t, engine.DebugSnapshot, plan.Mode)
	assert.Equal(t, "echo b", plan.Command)
	assert.Contains(t, strings.Join(plan.DockerArgs, " "), "python:3.12 sh -c echo b")

	resp, data = do(t, http.MethodGet, srv.URL+"/debug/train/b?mode=live", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "LIVE_DEBUG_UNSUPPORTED", decodeAs[domain.ErrorResponse](t, data).Code)

	resp, data = do(t, http.MethodGet, srv.URL+"/debug/train?mode=snapshot", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "NOT_EXEC", decodeAs[domain.ErrorResponse](t, data).Code)

	resp, data = do(t, http.MethodGet, srv.URL+"/debug/train/b?mode=attach", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_DEBUG_MODE", decodeAs[domain.ErrorResponse](t, data).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t, containertest.New())

	resp, data := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeAs[map[string]string](t, data)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, string(domain.StatusPending), health["pipeline_status"])

	resp, data = do(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "polis_pipeline_control_requests_total")
	assert.Contains(t, string(data), `route="/healthz"`)
}

func TestSplitAction(t *testing.T) {
	for in, want := range map[string][2]string{
		"/reset":          {"", "reset"},
		"/a/b/skip":       {"/a/b", "skip"},
		"/a/reset/reset/": {"/a/reset", "reset"},
		"/x/skip-errors":  {"/x", "skip-errors"},
	} {
		p, a := splitAction(in)
		assert.Equal(t, want, [2]string{p, a}, in)
	}
}
