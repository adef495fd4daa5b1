package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgelet/forgelet/pkg/build"
	"github.com/forgelet/forgelet/pkg/config"
	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/forgelet/forgelet/pkg/toolchain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router   http.Handler
	registry *build.Registry
}

type testServerOptions struct {
	buildScript   string
	maxInQueue    int
	allowsEmulate bool
	startQueue    bool
}

// newTestServer wires a full stack around a shell-script toolchain.
func newTestServer(t *testing.T, opts testServerOptions) *testServer {
	t.Helper()

	if opts.buildScript == "" {
		opts.buildScript = "exit 0"
	}

	if opts.maxInQueue == 0 {
		opts.maxInQueue = 10
	}

	log := logrus.New()

	store := storage.NewStore(log, t.TempDir(), nil)
	require.NoError(t, store.Init())

	registry := build.NewRegistry()
	runner := toolchain.NewExecRunner(log)

	worker := build.NewWorker(log, &build.WorkerConfig{
		Command: "sh",
		Args:    []string{"-c", opts.buildScript},
	}, runner, store, nil, nil)

	evictor := build.NewEvictor(log, &build.EvictorConfig{
		MaxBuildsToKeep: 20,
	}, registry, store)

	queue := build.NewQueue(log, &build.QueueConfig{
		MaxBuildsInQueue: opts.maxInQueue,
	}, registry, store, worker, evictor)

	if opts.startQueue {
		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, queue.Start(ctx))
		t.Cleanup(func() {
			cancel()
			_ = queue.Stop()
		})
	}

	actions := build.NewActions(log, &build.ActionsConfig{
		AllowsEmulate: opts.allowsEmulate,
		Commands: map[build.Action]build.ActionCommand{
			build.ActionEmulate: {Command: "sh", Args: []string{"-c", "echo emulating"}},
			build.ActionDeploy:  {Command: "sh", Args: []string{"-c", "echo deployed"}},
		},
	}, registry, runner)

	srv, ok := NewServer(log, &config.Config{}, &Deps{
		Registry: registry,
		Queue:    queue,
		Actions:  actions,
		Storage:  store,
	}).(*server)
	require.True(t, ok)

	return &testServer{
		router:   srv.buildRouter(),
		registry: registry,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	return rec
}

// submitAndWait submits a build and blocks until it reaches a terminal
// state.
func (ts *testServer) submitAndWait(t *testing.T, body any) uint64 {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/build/tasks", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		BuildNumber uint64 `json:"buildNumber"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		r, err := ts.registry.Get(resp.BuildNumber)

		return err == nil && r.Status().Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	return resp.BuildNumber
}

func TestHandleSubmit(t *testing.T) {
	t.Run("accepts a valid submission", func(t *testing.T) {
		ts := newTestServer(t, testServerOptions{startQueue: true})

		rec := ts.do(t, http.MethodPost, "/build/tasks",
			map[string]any{"platform": "ios"})
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "/build/tasks/1", rec.Header().Get("Location"))

		var resp struct {
			BuildNumber uint64 `json:"buildNumber"`
			Status      string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, uint64(1), resp.BuildNumber)
		assert.Equal(t, "queued", resp.Status)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		ts := newTestServer(t, testServerOptions{})

		req := httptest.NewRequest(http.MethodPost, "/build/tasks",
			bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects invalid options", func(t *testing.T) {
		ts := newTestServer(t, testServerOptions{})

		rec := ts.do(t, http.MethodPost, "/build/tasks",
			map[string]any{"platform": "ios", "configuration": "profiling"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "configuration")
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		ts := newTestServer(t, testServerOptions{})

		rec := ts.do(t, http.MethodPost, "/build/tasks",
			map[string]any{"platform": "ios", "platfrom": "android"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns 503 when the queue is full", func(t *testing.T) {
		// Scheduler deliberately not started so submissions stay
		// queued.
		ts := newTestServer(t, testServerOptions{maxInQueue: 1})

		rec := ts.do(t, http.MethodPost, "/build/tasks",
			map[string]any{"platform": "ios"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = ts.do(t, http.MethodPost, "/build/tasks",
			map[string]any{"platform": "ios"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})
}

func TestHandleGet(t *testing.T) {
	ts := newTestServer(t, testServerOptions{
		buildScript: "echo compiling; exit 0",
		startQueue:  true,
	})

	number := ts.submitAndWait(t, map[string]any{
		"platform":      "ios",
		"configuration": "release",
	})

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d", number), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap struct {
		BuildNumber uint64 `json:"buildNumber"`
		Status      string `json:"status"`
		ExitCode    int    `json:"exitCode"`
		Options     struct {
			Platform string `json:"platform"`
		} `json:"options"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, number, snap.BuildNumber)
	assert.Equal(t, "complete", snap.Status)
	assert.Zero(t, snap.ExitCode)
	assert.Equal(t, "ios", snap.Options.Platform)

	t.Run("unknown build", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/build/999", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid number", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/build/banana", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleGet_FailedBuild(t *testing.T) {
	ts := newTestServer(t, testServerOptions{
		buildScript: "echo toolchain error >&2; exit 3",
		startQueue:  true,
	})

	number := ts.submitAndWait(t, map[string]any{"platform": "android"})

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d", number), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap struct {
		Status      string `json:"status"`
		ErrorDetail string `json:"errorDetail"`
		ExitCode    int    `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "error", snap.Status)
	assert.Equal(t, 3, snap.ExitCode)
	assert.Contains(t, snap.ErrorDetail, "exited with code 3")

	// The failure is in the log, and the download is refused.
	logRec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/log", number), nil)
	require.Equal(t, http.StatusOK, logRec.Code)
	assert.Contains(t, logRec.Body.String(), "toolchain error")

	dlRec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/download", number), nil)
	assert.Equal(t, http.StatusConflict, dlRec.Code)
}

func TestHandleList(t *testing.T) {
	ts := newTestServer(t, testServerOptions{startQueue: true})

	ts.submitAndWait(t, map[string]any{"platform": "ios"})
	ts.submitAndWait(t, map[string]any{"platform": "android"})

	rec := ts.do(t, http.MethodGet, "/build/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []struct {
		BuildNumber uint64 `json:"buildNumber"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, uint64(1), snaps[0].BuildNumber)
	assert.Equal(t, uint64(2), snaps[1].BuildNumber)
}

func TestHandleLog(t *testing.T) {
	ts := newTestServer(t, testServerOptions{
		buildScript: "echo first line; echo second line",
		startQueue:  true,
	})

	number := ts.submitAndWait(t, map[string]any{"platform": "ios"})

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/log", number), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "first line")

	size := rec.Header().Get("X-Log-Size")
	require.NotEmpty(t, size)

	t.Run("offset skips the prefix", func(t *testing.T) {
		full := rec.Body.String()
		offset := len("first line\n")

		offRec := ts.do(t, http.MethodGet,
			fmt.Sprintf("/build/%d/log?offset=%d", number, offset), nil)
		require.Equal(t, http.StatusOK, offRec.Code)
		assert.Equal(t, full[offset:], offRec.Body.String())
	})

	t.Run("invalid offset", func(t *testing.T) {
		offRec := ts.do(t, http.MethodGet,
			fmt.Sprintf("/build/%d/log?offset=-5", number), nil)
		assert.Equal(t, http.StatusBadRequest, offRec.Code)
	})

	t.Run("unknown build", func(t *testing.T) {
		offRec := ts.do(t, http.MethodGet, "/build/999/log", nil)
		assert.Equal(t, http.StatusNotFound, offRec.Code)
	})
}

func TestHandleDownload(t *testing.T) {
	ts := newTestServer(t, testServerOptions{
		buildScript: "echo binary > app.bin",
		startQueue:  true,
	})

	number := ts.submitAndWait(t, map[string]any{"platform": "ios"})

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/download", number), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"),
		fmt.Sprintf("build-%d.tar.gz", number))

	// The payload is a readable gzip stream.
	_, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)

	// The download is recorded as a marker on the build.
	getRec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d", number), nil)

	var snap struct {
		Status  string               `json:"status"`
		Actions map[string]time.Time `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &snap))
	assert.Equal(t, "complete", snap.Status)
	assert.Contains(t, snap.Actions, "download")
}

func TestHandleAction(t *testing.T) {
	newComplete := func(t *testing.T, allowsEmulate bool) (*testServer, uint64) {
		t.Helper()

		ts := newTestServer(t, testServerOptions{
			startQueue:    true,
			allowsEmulate: allowsEmulate,
		})

		return ts, ts.submitAndWait(t, map[string]any{"platform": "ios"})
	}

	t.Run("deploy succeeds", func(t *testing.T) {
		ts, number := newComplete(t, false)

		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/deploy", number), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp struct {
			Action string `json:"action"`
			Output string `json:"output"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "deploy", resp.Action)
		assert.Contains(t, resp.Output, "deployed")
	})

	t.Run("emulate is forbidden when unsupported", func(t *testing.T) {
		ts, number := newComplete(t, false)

		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/emulate", number), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("emulate works when supported", func(t *testing.T) {
		ts, number := newComplete(t, true)

		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/emulate", number), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "emulating")
	})

	t.Run("run has no configured command", func(t *testing.T) {
		ts, number := newComplete(t, false)

		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/build/%d/run", number), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown build", func(t *testing.T) {
		ts, _ := newComplete(t, false)

		rec := ts.do(t, http.MethodGet, "/build/999/deploy", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, testServerOptions{})

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, testServerOptions{})

	rec := ts.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Instance string `json:"instance"`
		Builds   struct {
			Known int `json:"known"`
		} `json:"builds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Instance)
	assert.Zero(t, resp.Builds.Known)
}

func TestHandleHistory_NotConfigured(t *testing.T) {
	ts := newTestServer(t, testServerOptions{})

	rec := ts.do(t, http.MethodGet, "/build/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
