package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/treadle/artifact"
	"tangled.org/treadle/config"
	"tangled.org/treadle/db"
	"tangled.org/treadle/engine"
	"tangled.org/treadle/models"
	"tangled.org/treadle/notifier"
	"tangled.org/treadle/queue"
	"tangled.org/treadle/runner"
)

type fakeRunner struct {
	submit func(ctx context.Context, sub runner.Submission) (runner.Result, error)
}

func (f *fakeRunner) Labels() []string { return []string{"docker"} }

func (f *fakeRunner) Submit(ctx context.Context, sub runner.Submission) (runner.Result, error) {
	if f.submit != nil {
		return f.submit(ctx, sub)
	}
	return runner.Result{}, nil
}

func testServer(t *testing.T, rn runner.Runner) (*Server, *db.DB) {
	t.Helper()

	base := t.TempDir()
	cfg := &config.Config{
		Pipelines: config.Pipelines{
			LogDir:             filepath.Join(base, "logs"),
			WorkspaceDir:       filepath.Join(base, "workspaces"),
			ManualExpiryAction: config.ManualExpirySkip,
		},
		Artifacts: config.Artifacts{Provider: "fs", Dir: filepath.Join(base, "artifacts")},
	}

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	n := notifier.New()

	store, err := artifact.NewFilesystemStore(cfg.Artifacts.Dir)
	require.NoError(t, err)

	eng := engine.New(context.Background(), d, &n, runner.NewRegistry(rn), store, cfg)

	jq := queue.NewQueue(8, 1)
	jq.Start()
	t.Cleanup(jq.Stop)

	s := &Server{
		cfg:     cfg,
		db:      d,
		n:       &n,
		eng:     eng,
		jq:      jq,
		l:       slog.Default(),
		baseCtx: context.Background(),
	}
	return s, d
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func waitForStatus(t *testing.T, d *db.DB, id string, status models.PipelineStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		run, _, err := d.GetRun(id)
		if err == nil && run.Status == status {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline %s never reached %s", id, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const simplePipeline = `
stages: [build]

compile:
  stage: build
  script: echo ok
`

func TestSubmitPipeline(t *testing.T) {
	rn := &fakeRunner{submit: func(ctx context.Context, sub runner.Submission) (runner.Result, error) {
		if sub.Logger != nil {
			sub.Logger.Stdout().Write([]byte("hello from the job\n"))
		}
		return runner.Result{}, nil
	}}
	s, d := testServer(t, rn)
	router := s.Router()

	w := postJSON(t, router, "/pipelines", submitRequest{Definition: simplePipeline, Ref: "main"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	assert.Empty(t, resp.Warnings)

	waitForStatus(t, d, resp.ID, models.StatusSuccess)

	// fetch the finished pipeline
	w = get(router, "/pipelines/"+resp.ID)
	require.Equal(t, http.StatusOK, w.Code)

	var pr pipelineResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pr))
	assert.Equal(t, resp.ID, pr.ID)
	assert.Equal(t, models.StatusSuccess, pr.Status)
	require.Len(t, pr.Jobs, 1)
	assert.Equal(t, "compile", pr.Jobs[0].Name)
	assert.Equal(t, models.StateSuccess, pr.Jobs[0].State)

	// the run shows up in the listing
	w = get(router, "/pipelines")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.ID)

	// captured job output is served as ndjson
	w = get(router, "/logs/"+resp.ID+"/compile")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "hello from the job")
}

func TestSubmitPipelineWarnings(t *testing.T) {
	s, _ := testServer(t, &fakeRunner{})

	def := `
stages: [build]

compile:
  stage: build
  script: echo ok
  only: [tags]
`
	w := postJSON(t, s.Router(), "/pipelines", submitRequest{Definition: def, Ref: "main"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "rules do not match")
}

func TestSubmitPipelineRejections(t *testing.T) {
	s, _ := testServer(t, &fakeRunner{})
	router := s.Router()

	// body is not json
	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// ref is mandatory
	w = postJSON(t, router, "/pipelines", submitRequest{Definition: simplePipeline})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// definition does not parse
	w = postJSON(t, router, "/pipelines", submitRequest{Definition: "- a\n- b", Ref: "main"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// definition does not validate
	invalid := `
stages: [build]

compile:
  stage: nowhere
  script: echo ok
`
	w = postJSON(t, router, "/pipelines", submitRequest{Definition: invalid, Ref: "main"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "undeclared stage")
}

func TestSubmitPipelineQueueFull(t *testing.T) {
	s, _ := testServer(t, &fakeRunner{})
	// replace the drained queue with a tiny one nobody serves
	s.jq = queue.NewQueue(1, 1)
	router := s.Router()

	w := postJSON(t, router, "/pipelines", submitRequest{Definition: simplePipeline, Ref: "main"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = postJSON(t, router, "/pipelines", submitRequest{Definition: simplePipeline, Ref: "main"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "queue is full")
}

func TestGetPipelineMissing(t *testing.T) {
	s, _ := testServer(t, &fakeRunner{})

	w := get(s.Router(), "/pipelines/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlayJob(t *testing.T) {
	s, d := testServer(t, &fakeRunner{})
	router := s.Router()

	def := `
stages: [build, deploy]

compile:
  stage: build
  script: echo ok

release:
  stage: deploy
  script: ./release.sh
  when: manual
`
	w := postJSON(t, router, "/pipelines", submitRequest{Definition: def, Ref: "main"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// the run settles with the manual job still parked
	waitForStatus(t, d, resp.ID, models.StatusSuccess)

	w = postJSON(t, router, "/pipelines/"+resp.ID+"/jobs/release/play", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, jobs, err := d.GetRun(resp.ID)
		require.NoError(t, err)
		var state models.JobState
		for _, j := range jobs {
			if j.Name == "release" {
				state = j.State
			}
		}
		if state == models.StateSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("release never ran, state %s", state)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a consumed trigger cannot fire twice
	w = postJSON(t, router, "/pipelines/"+resp.ID+"/jobs/release/play", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postJSON(t, router, "/pipelines/"+resp.ID+"/jobs/nope/play", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = postJSON(t, router, "/pipelines/nope/jobs/release/play", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelPipelineMissing(t *testing.T) {
	s, _ := testServer(t, &fakeRunner{})

	w := postJSON(t, s.Router(), "/pipelines/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsMissing(t *testing.T) {
	s, _ := testServer(t, &fakeRunner{})

	w := get(s.Router(), "/logs/nope/compile")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
