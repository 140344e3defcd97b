package grpcserver

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"fitsqa/internal/pipeline"
)

type stubRunner struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	meta map[string]any
	err  error
}

func (r *stubRunner) Wait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return pipeline.Result{Job: job}, r.err
	}
	return pipeline.Result{Job: job, Meta: r.meta}, nil
}

func (r *stubRunner) last() pipeline.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[len(r.jobs)-1]
}

func startBufconn(t *testing.T, runner Runner) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewQualityServer(runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func TestCheckFocusOverGRPC(t *testing.T) {
	runner := &stubRunner{meta: map[string]any{
		"in_focus":    true,
		"median_fwhm": 2.1,
		"max_fwhm":    3.0,
		"n_sources":   42,
	}}
	client := startBufconn(t, runner)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := client.CheckFocus(ctx, "/data/m42.fits", 3)
	if err != nil {
		t.Fatalf("CheckFocus: %v", err)
	}
	meta, _ := out["meta"].(map[string]any)
	if meta["in_focus"] != true || meta["n_sources"] != 42.0 || meta["median_fwhm"] != 2.1 {
		t.Fatalf("unexpected reply %v", out)
	}

	job := runner.last()
	if job.Type != pipeline.JobFocus || job.InputPath != "/data/m42.fits" || job.ID == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["maxFWHM"] != 3.0 || job.Options["source"] != "grpc" {
		t.Fatalf("unexpected options %v", job.Options)
	}
}

func TestCheckHeaderConvertsTypedMeta(t *testing.T) {
	runner := &stubRunner{meta: map[string]any{
		"valid":       false,
		"missing":     []string{"FILTER"},
		"median_fwhm": math.NaN(),
	}}
	client := startBufconn(t, runner)
	ctx := context.Background()

	out, err := client.CheckHeader(ctx, "a.fits", []string{"OBJECT", "FILTER"}, map[string]string{"EXPTIME": "float"})
	if err != nil {
		t.Fatalf("CheckHeader: %v", err)
	}
	meta, _ := out["meta"].(map[string]any)
	missing, _ := meta["missing"].([]any)
	if len(missing) != 1 || missing[0] != "FILTER" {
		t.Fatalf("unexpected missing %v", meta["missing"])
	}
	if v, ok := meta["median_fwhm"]; !ok || v != nil {
		t.Fatalf("NaN should become null, got %v", v)
	}

	job := runner.last()
	fields, _ := job.Options["fields"].([]any)
	types, _ := job.Options["types"].(map[string]any)
	if len(fields) != 2 || types["EXPTIME"] != "float" {
		t.Fatalf("header options not forwarded: %v", job.Options)
	}
}

func TestStatusCodes(t *testing.T) {
	runner := &stubRunner{err: pipeline.ErrQueueFull}
	client := startBufconn(t, runner)
	ctx := context.Background()

	if _, err := client.Inspect(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if _, err := client.Inspect(ctx, "a.fits"); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}
