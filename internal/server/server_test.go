package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fitsqa/internal/pipeline"
	"fitsqa/internal/storage"

	"github.com/gorilla/websocket"
)

type fakePipeline struct {
	mu         sync.Mutex
	jobs       []pipeline.Job
	submitErr  error
	subs       []chan pipeline.Result
	subscribed chan struct{}
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{subscribed: make(chan struct{}, 8)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	ch := make(chan pipeline.Result, 4)
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	f.subscribed <- struct{}{}
	return ch, func() {}
}

func (f *fakePipeline) publish(res pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- res
	}
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func newTestServer(t *testing.T) (*Server, *fakePipeline, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "qa.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pipe := newFakePipeline()
	srv, err := NewServer(":0", store, pipe, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, pipe, store
}

func TestHealthAndSubmit(t *testing.T) {
	srv, pipe, _ := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	body := `{"type":"focus","input":"/data/m42.fits","options":{"maxFWHM":3}}`
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["id"] == "" {
		t.Fatalf("expected job id, got %s (%v)", rec.Body.String(), err)
	}
	jobs := pipe.submitted()
	if len(jobs) != 1 || jobs[0].ID != resp["id"] || jobs[0].Type != pipeline.JobFocus {
		t.Fatalf("unexpected submitted jobs %+v", jobs)
	}
	if jobs[0].Options["maxFWHM"] != 3.0 || jobs[0].Options["source"] != "http" {
		t.Fatalf("options not forwarded: %v", jobs[0].Options)
	}

	for _, bad := range []string{`{"type":"stack","input":"x"}`, `{"type":"focus"}`, `not json`} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(bad)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", bad, rec.Code)
		}
	}

	pipe.submitErr = pipeline.ErrQueueFull
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on full queue, got %d", rec.Code)
	}
}

func TestJobAndFocusEndpoints(t *testing.T) {
	srv, _, store := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	if err := store.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "focus", Status: "queued", InputPath: "a.fits"}); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("queued job without result: %d %s", rec.Code, rec.Body.String())
	}

	if err := store.RecordJobResult("j1", "completed", map[string]any{"in_focus": true}, ""); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/j1", nil))
	var job struct {
		ID     string         `json:"id"`
		Status string         `json:"status"`
		Meta   map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != "j1" || job.Status != "completed" || job.Meta["in_focus"] != true {
		t.Fatalf("unexpected job %+v", job)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs?limit=5", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"j1"`) {
		t.Fatalf("jobs listing = %d %s", rec.Code, rec.Body.String())
	}

	_ = store.RecordFocus(storage.FocusRecord{JobID: "j1", FilePath: "a.fits", MedianFWHM: math.NaN(), MaxFWHM: 2.5, Error: "no sources detected"})
	_ = store.RecordFocus(storage.FocusRecord{JobID: "j2", FilePath: "b.fits", InFocus: true, MedianFWHM: 2.1, MaxFWHM: 2.5, NSources: 40})

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/focus?path=a.fits", nil))
	var focus []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &focus); err != nil {
		t.Fatalf("decode focus: %v (%s)", err, rec.Body.String())
	}
	if len(focus) != 1 || focus[0]["median_fwhm"] != nil || focus[0]["error"] != "no sources detected" {
		t.Fatalf("unexpected focus rows %v", focus)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/headers", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without path, got %d", rec.Code)
	}
}

func TestStreamAndWebSocket(t *testing.T) {
	srv, pipe, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	<-pipe.subscribed

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	<-pipe.subscribed

	pipe.publish(pipeline.Result{
		Job:  pipeline.Job{ID: "r1", Type: pipeline.JobFocus, InputPath: "a.fits"},
		Meta: map[string]any{"median_fwhm": math.NaN(), "in_focus": false},
	})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"r1"`) {
		t.Fatalf("unexpected event %q", line)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Job  pipeline.Job   `json:"job"`
		Meta map[string]any `json:"meta"`
	}
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if msg.Job.ID != "r1" || msg.Meta["median_fwhm"] != nil {
		t.Fatalf("unexpected ws message %+v", msg)
	}
}

func TestWatcherSubmitsSettledFiles(t *testing.T) {
	dir := t.TempDir()
	got := make(chan pipeline.Job, 4)
	w, err := NewWatcher([]string{dir}, func(job pipeline.Job) error {
		got <- job
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Settle = 50 * time.Millisecond
	w.Options = map[string]any{"maxFWHM": 3.0}
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	frame := filepath.Join(dir, "frame_001.fits")
	if err := os.WriteFile(frame, bytes.Repeat([]byte(" "), 2880), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-got:
		if job.InputPath != frame || job.Type != pipeline.JobFocus || job.ID == "" {
			t.Fatalf("unexpected job %+v", job)
		}
		if job.Options["source"] != "watcher" || job.Options["maxFWHM"] != 3.0 {
			t.Fatalf("unexpected options %v", job.Options)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not submit the new frame")
	}

	select {
	case job := <-got:
		t.Fatalf("unexpected second job %+v", job)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherRetriesWhenQueueIsFull(t *testing.T) {
	dir := t.TempDir()
	var (
		mu       sync.Mutex
		attempts int
	)
	got := make(chan pipeline.Job, 4)
	w, err := NewWatcher([]string{dir}, func(job pipeline.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return pipeline.ErrQueueFull
		}
		got <- job
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Settle = 20 * time.Millisecond
	if err := w.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	frame := filepath.Join(dir, "frame_002.fits")
	if err := os.WriteFile(frame, bytes.Repeat([]byte(" "), 2880), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-got:
		if job.InputPath != frame {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("frame was dropped after the queue refused it")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 submission attempts, got %d", attempts)
	}
}
