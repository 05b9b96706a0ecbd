package controlapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

func send(t *testing.T, method, url string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func rangeHeader(r string) http.Header {
	return http.Header{"Range": []string{r}}
}

func TestDataRoutes(t *testing.T) {
	e, srv := newTestServer(t, containertest.New())
	base := srv.URL + "/data/pipeline/"

	resp, _ := send(t, http.MethodPut, base+"models/m.bin", []byte("0123456789"), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = send(t, http.MethodPut, base+"logs/x", []byte("log"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := e.Data().Get(context.Background(), "models/m.bin")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(stored))

	resp, data := send(t, http.MethodGet, base+"models/m.bin", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0123456789", string(data))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	resp, data = send(t, http.MethodGet, base+"models/m.bin", nil, rangeHeader("bytes=2-4"))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "234", string(data))
	assert.Equal(t, "bytes 2-4/10", resp.Header.Get("Content-Range"))

	resp, data = send(t, http.MethodGet, base+"models/m.bin", nil, rangeHeader("bytes=-3"))
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "789", string(data))

	resp, _ = send(t, http.MethodGet, base+"models/m.bin", nil, rangeHeader("bytes=20-"))
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */10", resp.Header.Get("Content-Range"))

	resp, _ = send(t, http.MethodHead, base+"models/m.bin", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(10), resp.ContentLength)

	resp, data = send(t, http.MethodGet, srv.URL+"/data/pipeline?prefix=models/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeAs[DataList](t, data)
	assert.Equal(t, DataScopePipeline, list.Scope)
	assert.Equal(t, []string{"models/m.bin"}, list.Keys)

	resp, data = send(t, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"logs/x", "models/m.bin"}, decodeAs[DataList](t, data).Keys)

	resp, _ = send(t, http.MethodDelete, base+"models/m.bin", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, data = send(t, http.MethodGet, base+"models/m.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "DATA_NOT_FOUND", decodeAs[domain.ErrorResponse](t, data).Code)
	resp, _ = send(t, http.MethodHead, base+"models/m.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDataScopes(t *testing.T) {
	e, srv := newTestServer(t, containertest.New())

	resp, _ := send(t, http.MethodPut, srv.URL+"/data/user/cache/wheels.tar", []byte("w"), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ok, err := e.UserData().Exists(context.Background(), "cache/wheels.tar")
	require.NoError(t, err)
	assert.True(t, ok)
	resp, _ = send(t, http.MethodGet, srv.URL+"/data/pipeline/cache/wheels.tar", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "user data is not pipeline data")

	resp, data := send(t, http.MethodGet, srv.URL+"/data/team/x", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_SCOPE", decodeAs[domain.ErrorResponse](t, data).Code)
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		start, end int64
		ok         bool
	}{
		{"bytes=0-0", 0, 1, true},
		{"bytes=3-", 3, 10, true},
		{"bytes=5-100", 5, 10, true},
		{"bytes=-4", 6, 10, true},
		{"bytes=-40", 0, 10, true},
		{"bytes=10-", 0, 0, false},
		{"bytes=4-2", 0, 0, false},
		{"bytes=0-1,3-4", 0, 0, false},
		{"items=0-1", 0, 0, false},
		{"bytes=-0", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			start, end, err := parseRange(tc.header, 10)
			if !tc.ok {
				assert.ErrorIs(t, err, errBadRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
		})
	}
}

// A node writes an artifact through the data API and a later node reads it
// back, both knowing only POLIS_DATA_URL.
func TestArtifactExchangeBetweenNodes(t *testing.T) {
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	rt := containertest.New()
	rt.OnExec(func(ctx context.Context, _ container.ID, req container.ExecRequest) (container.ExecResult, error) {
		url := req.Env[engine.EnvDataURL] + "/pipeline/artifacts/model.bin"
		switch req.Command {
		case "train":
			put, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader([]byte("weights")))
			if err != nil {
				return container.ExecResult{}, err
			}
			resp, err := http.DefaultClient.Do(put)
			if err != nil {
				return container.ExecResult{}, err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				return container.ExecResult{ExitCode: 1, Stderr: []byte(resp.Status)}, nil
			}
		case "eval":
			get, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return container.ExecResult{}, err
			}
			resp, err := http.DefaultClient.Do(get)
			if err != nil {
				return container.ExecResult{}, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return container.ExecResult{}, err
			}
			if resp.StatusCode != http.StatusOK {
				return container.ExecResult{ExitCode: 1, Stderr: body}, nil
			}
			return container.ExecResult{Stdout: []byte(fmt.Sprintf("loaded %s", body))}, nil
		}
		return container.ExecResult{}, nil
	})

	tr, err := tree.Build(tree.Serial().
		Add("train", tree.Exec("train")).
		Add("eval", tree.Exec("eval")))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(tr, engine.Options{
		PipelineID: "p1",
		Runtime:    rt,
		Logger:     logger,
		DataURL:    srv.URL + "/data",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	handler = New(e, logger).Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))
	require.Equal(t, domain.StatusDone, e.Status())

	eval, err := e.Node("/eval")
	require.NoError(t, err)
	require.Len(t, eval.Runs, 1)
	assert.Equal(t, "loaded weights", eval.Runs[0].Stdout)

	stored, err := e.Data().Get(ctx, "artifacts/model.bin")
	require.NoError(t, err)
	assert.Equal(t, "weights", string(stored))
}
