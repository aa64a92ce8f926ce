package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astrostack/internal/pipeline"
	"astrostack/internal/storage"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	err       error
	results   chan pipeline.Result
	progress  chan pipeline.Progress
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		results:  make(chan pipeline.Result, 4),
		progress: make(chan pipeline.Progress, 4),
	}
}

func (f *fakeDispatcher) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakeDispatcher) Subscribe() (<-chan pipeline.Result, func()) {
	return f.results, func() {}
}

func (f *fakeDispatcher) SubscribeProgress() (<-chan pipeline.Progress, func()) {
	return f.progress, func() {}
}

func newTestServer(t *testing.T) (*Server, *fakeDispatcher, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	jobs := newFakeDispatcher()
	return NewServer(":0", store, jobs, nil), jobs, store
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestSubmitJob(t *testing.T) {
	s, jobs, _ := newTestServer(t)

	body := `{"type":"stack","input":"/lights","options":{"debayer":true,"pattern":"RGGB"}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var job pipeline.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	require.Len(t, jobs.submitted, 1)
	assert.Equal(t, pipeline.JobStack, jobs.submitted[0].Type)
	assert.Equal(t, true, jobs.submitted[0].Options["debayer"])
}

func TestSubmitJobRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"type":`, http.StatusBadRequest},
		{"unknown field", `{"type":"stack","input":"/x","colour":"red"}`, http.StatusBadRequest},
		{"unknown type", `{"type":"panorama","input":"/x"}`, http.StatusBadRequest},
		{"no input", `{"type":"register"}`, http.StatusBadRequest},
		{"preview without input", `{"type":"preview"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, jobs, _ := newTestServer(t)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, jobs.submitted)
		})
	}
}

func TestSubmitJobQueueFull(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	jobs.err = pipeline.ErrQueueFull
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(`{"type":"stack","input":"/x"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobListingAndDetail(t *testing.T) {
	s, _, store := newTestServer(t)
	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "stack", Status: "queued", InputPath: "/lights"}))
	require.NoError(t, store.RecordRegistration(storage.RegistrationRecord{JobID: "j1", Index: 1, Path: "/lights/b.fits", DX: 4, Shifted: true}))
	require.NoError(t, store.RecordJobResult("j1", "completed", map[string]any{"stacked": 2}, ""))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []storage.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "completed", list[0].Status)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var detail JobDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, float64(2), detail.Meta["stacked"])
	require.Len(t, detail.Registrations, 1)
	assert.Equal(t, 4, detail.Registrations[0].DX)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/jobs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStreamSendsResults(t *testing.T) {
	s, jobs, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	jobs.results <- pipeline.Result{Job: pipeline.Job{ID: "streamed", Type: pipeline.JobStack}, Meta: map[string]any{"stacked": 3}}

	resp, err := http.Get(srv.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "result", event)
	assert.Contains(t, data, `"id":"streamed"`)
}
