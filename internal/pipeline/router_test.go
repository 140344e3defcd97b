package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fitsqa/internal/config"
	"fitsqa/internal/detection"
	"fitsqa/internal/fitsimg"
	"fitsqa/internal/qa"
	"fitsqa/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// starFrame draws a 3x3 grid of Gaussian stars of width sigma on a noisy sky.
func starFrame(sigma float64, seed int64) *fitsimg.Image {
	const size = 128
	rng := rand.New(rand.NewSource(seed))
	img := fitsimg.NewImage(size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 200 + 4*rng.NormFloat64()
			for cy := 24.0; cy < size; cy += 40 {
				for cx := 24.0; cx < size; cx += 40 {
					dx, dy := float64(x)-cx, float64(y)-cy
					v += 800 * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				}
			}
			img.Set(x, y, v)
		}
	}
	return img
}

func writeFrame(t *testing.T, dir, name string, img *fitsimg.Image, cards ...fitsimg.Card) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := fitsimg.WriteFile(path, func(w io.Writer) error { return fitsimg.WriteImage(w, img, cards) })
	if err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig() *config.Config {
	cfg := config.Default()
	thresh, bw := 5.0, 32
	cfg.Detection.Thresh = &thresh
	cfg.Detection.BW = &bw
	cfg.QA.ExpectedFields = []string{"OBJECT", "FILTER"}
	cfg.QA.ExpectedTypes = map[string]string{"EXPTIME": "float"}
	cfg.QA.MaxFWHM = 4
	return cfg
}

func newTestRouter(t *testing.T) (*router, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "qa.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	r, err := newRouter(quietLogger(), store, testConfig())
	if err != nil {
		t.Fatalf("newRouter: %v", err)
	}
	return r, store
}

func TestRouterHeaderJob(t *testing.T) {
	r, store := newTestRouter(t)
	path := writeFrame(t, t.TempDir(), "m42.fits", fitsimg.NewImage(4, 4),
		fitsimg.Card{Key: "OBJECT", Value: "M42"},
		fitsimg.Card{Key: "EXPTIME", Value: 30},
	)

	res := r.Process(context.Background(), Job{ID: "h1", Type: JobHeader, InputPath: path})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["valid"] != false || res.Meta["fields_valid"] != false || res.Meta["types_valid"] != false {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
	missing, _ := res.Meta["missing"].([]string)
	if len(missing) != 1 || missing[0] != "FILTER" {
		t.Fatalf("expected FILTER missing, got %v", res.Meta["missing"])
	}

	checks, err := store.HeaderChecks(path)
	if err != nil || len(checks) != 1 {
		t.Fatalf("expected one stored header check, got %v %v", checks, err)
	}

	res = r.Process(context.Background(), Job{ID: "h2", Type: JobHeader, InputPath: path, Options: map[string]any{
		"fields": []any{"OBJECT"},
		"types":  map[string]any{"EXPTIME": "int"},
	}})
	if res.Error != nil || res.Meta["valid"] != true {
		t.Fatalf("job options should override config: %v %v", res.Meta, res.Error)
	}
}

func TestRouterFocusJob(t *testing.T) {
	r, store := newTestRouter(t)
	dir := t.TempDir()
	sharp := writeFrame(t, dir, "sharp.fits", starFrame(1, 1))
	blurred := writeFrame(t, dir, "blurred.fits", starFrame(3, 2))

	res := r.Process(context.Background(), Job{ID: "f1", Type: JobFocus, InputPath: sharp})
	if res.Error != nil {
		t.Fatalf("focus failed: %v", res.Error)
	}
	if res.Meta["in_focus"] != true || res.Meta["n_sources"] != 9 {
		t.Fatalf("unexpected sharp meta %v", res.Meta)
	}

	res = r.Process(context.Background(), Job{ID: "f2", Type: JobFocus, InputPath: blurred})
	if res.Error != nil || res.Meta["in_focus"] != false {
		t.Fatalf("unexpected blurred result %v %v", res.Meta, res.Error)
	}

	res = r.Process(context.Background(), Job{ID: "f3", Type: JobFocus, InputPath: blurred, Options: map[string]any{"maxFWHM": 50.0}})
	if res.Error != nil || res.Meta["in_focus"] != true || res.Meta["max_fwhm"] != 50.0 {
		t.Fatalf("maxFWHM option ignored: %v %v", res.Meta, res.Error)
	}

	recs, err := store.FocusResults("", 10)
	if err != nil || len(recs) != 3 {
		t.Fatalf("expected three focus records, got %d %v", len(recs), err)
	}
}

func TestRouterFocusDirectory(t *testing.T) {
	r, store := newTestRouter(t)
	dir := t.TempDir()
	sharp := writeFrame(t, dir, "sharp.fits", starFrame(1, 1))
	writeFrame(t, dir, "blurred.fits", starFrame(3, 2))
	broken := filepath.Join(dir, "broken.fits")
	if err := os.WriteFile(broken, []byte("not a fits file"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := r.Process(context.Background(), Job{ID: "night", Type: JobFocus, InputPath: dir, Options: map[string]any{"workers": 2}})
	if res.Error != nil {
		t.Fatalf("directory focus failed: %v", res.Error)
	}
	if res.Meta["n_frames"] != 3 || res.Meta["n_focus"] != 1 || res.Meta["in_focus"] != false {
		t.Fatalf("unexpected directory meta %v", res.Meta)
	}
	frames, _ := res.Meta["frames"].([]map[string]any)
	byPath := map[string]map[string]any{}
	for _, f := range frames {
		byPath[f["path"].(string)] = f
	}
	if byPath[sharp]["in_focus"] != true {
		t.Fatalf("sharp frame not in focus: %v", byPath[sharp])
	}
	if byPath[broken]["error"] == "" {
		t.Fatalf("broken frame should carry its error: %v", byPath[broken])
	}
	if _, err := json.Marshal(res); err != nil {
		t.Fatalf("result with a NaN median must encode: %v", err)
	}

	recs, err := store.FocusResults("", 10)
	if err != nil || len(recs) != 3 {
		t.Fatalf("expected one focus record per frame, got %d %v", len(recs), err)
	}

	empty := r.Process(context.Background(), Job{ID: "none", Type: JobFocus, InputPath: t.TempDir()})
	if !errors.Is(empty.Error, fitsimg.ErrEmpty) {
		t.Fatalf("expected ErrEmpty for a directory without frames, got %v", empty.Error)
	}
}

func TestRouterFocusNoSourcesIsRecorded(t *testing.T) {
	r, store := newTestRouter(t)
	r.loadData = func(path string, logger *slog.Logger, opts ...detection.Option) (*qa.DataQA, error) {
		rng := rand.New(rand.NewSource(7))
		flat := fitsimg.NewImage(64, 64)
		for i := range flat.Pix {
			flat.Pix[i] = 100 + rng.NormFloat64()
		}
		opts = append(opts, detection.WithThresh(50))
		return qa.NewDataQA(flat, nil, logger, opts...), nil
	}

	res := r.Process(context.Background(), Job{ID: "f0", Type: JobFocus, InputPath: "flat.fits"})
	if !errors.Is(res.Error, qa.ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", res.Error)
	}
	recs, err := store.FocusResults("flat.fits", 1)
	if err != nil || len(recs) != 1 || recs[0].Error == "" || !math.IsNaN(recs[0].MedianFWHM) {
		t.Fatalf("expected failed focus record, got %+v %v", recs, err)
	}
}

func TestRouterDetectWritesProducts(t *testing.T) {
	r, store := newTestRouter(t)
	path := writeFrame(t, t.TempDir(), "field.fits", starFrame(1.2, 3), fitsimg.Card{Key: "ZP", Value: 25.0})
	out := filepath.Join(t.TempDir(), "products")

	res := r.Process(context.Background(), Job{ID: "d1", Type: JobDetect, InputPath: path, Output: out})
	if res.Error != nil {
		t.Fatalf("detect failed: %v", res.Error)
	}
	if res.Meta["n_sources"] != 9 {
		t.Fatalf("expected 9 sources, got %v", res.Meta["n_sources"])
	}
	for _, key := range []string{"catalog", "csv", "segmap", "preview"} {
		p, _ := res.Meta[key].(string)
		if p == "" {
			t.Fatalf("missing %s product in %v", key, res.Meta)
		}
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s product not written: %v", key, err)
		}
	}
	if n, err := store.CatalogCount(path); err != nil || n != 1 {
		t.Fatalf("CatalogCount = %d %v", n, err)
	}

	res = r.Process(context.Background(), Job{ID: "d2", Type: JobDetect, InputPath: path, Options: map[string]any{
		"detection": map[string]any{"minarea": 500},
	}})
	if res.Error != nil || res.Meta["n_sources"] != 0 {
		t.Fatalf("detection override ignored: %v %v", res.Meta, res.Error)
	}

	res = r.Process(context.Background(), Job{ID: "d3", Type: JobDetect, InputPath: path, Options: map[string]any{
		"detection": map[string]any{"filter_type": "gauss"},
	}})
	if !errors.Is(res.Error, detection.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", res.Error)
	}
}

func TestDetectOptionsZeroPoint(t *testing.T) {
	r, _ := newTestRouter(t)

	opts, err := r.detectOptions(Job{Options: map[string]any{"zpt": 0.0}})
	if err != nil {
		t.Fatalf("detectOptions: %v", err)
	}
	cfg := detection.NewConfig(opts...)
	if cfg.ZeroPoint == nil || *cfg.ZeroPoint != 0 {
		t.Fatalf("an explicit zero point of 0 must be kept, got %v", cfg.ZeroPoint)
	}

	opts, err = r.detectOptions(Job{Options: map[string]any{"zpt": 25}})
	if err != nil {
		t.Fatalf("detectOptions: %v", err)
	}
	if cfg := detection.NewConfig(opts...); cfg.ZeroPoint == nil || *cfg.ZeroPoint != 25 {
		t.Fatalf("zero point = %v, want 25", cfg.ZeroPoint)
	}

	opts, err = r.detectOptions(Job{Options: map[string]any{}})
	if err != nil {
		t.Fatalf("detectOptions: %v", err)
	}
	if cfg := detection.NewConfig(opts...); cfg.ZeroPointSet() {
		t.Fatalf("no zpt option should leave the zero point to the header")
	}
}

func TestRouterInspectAndScan(t *testing.T) {
	r, _ := newTestRouter(t)
	dir := t.TempDir()
	good := writeFrame(t, dir, "good.fits", fitsimg.NewImage(8, 8))
	empty := filepath.Join(dir, "empty.fits")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	res := r.Process(context.Background(), Job{ID: "i1", Type: JobInspect, InputPath: good})
	if res.Error != nil || res.Meta["ok"] != true || res.Meta["width"] != 8 {
		t.Fatalf("unexpected inspect result %v %v", res.Meta, res.Error)
	}
	res = r.Process(context.Background(), Job{ID: "i2", Type: JobInspect, InputPath: empty})
	if !errors.Is(res.Error, fitsimg.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", res.Error)
	}

	res = r.Process(context.Background(), Job{ID: "s1", Type: JobScan, InputPath: dir})
	if res.Error != nil || res.Meta["images"] != 2 {
		t.Fatalf("unexpected scan result %v %v", res.Meta, res.Error)
	}

	res = r.Process(context.Background(), Job{ID: "x", Type: "stack"})
	if res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
}

func TestPipelineWaitAndStop(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "qa.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	p, err := New(context.Background(), testConfig(), quietLogger(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := writeFrame(t, t.TempDir(), "sharp.fits", starFrame(1, 4))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := p.Wait(ctx, Job{ID: "w1", Type: JobFocus, InputPath: path})
	if err != nil || res.Error != nil {
		t.Fatalf("Wait: %v %v", err, res.Error)
	}
	if res.Meta["in_focus"] != true {
		t.Fatalf("unexpected meta %v", res.Meta)
	}

	rec, err := store.Job("w1")
	if err != nil || rec.Status != "completed" {
		t.Fatalf("job record %+v %v", rec, err)
	}

	p.Stop()
	if err := p.Submit(Job{ID: "late", Type: JobScan}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

type blockingProcessor struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, job Job) Result {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return Result{Job: job, Meta: map[string]any{"median_fwhm": math.NaN()}}
}

func TestPipelineQueueFull(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{}), started: make(chan struct{})}
	p := NewWithProcessor(context.Background(), 1, 1, quietLogger(), nil, proc)
	defer p.Stop()

	if err := p.Submit(Job{ID: "a"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-proc.started
	if err := p.Submit(Job{ID: "b"}); err != nil {
		t.Fatalf("second submit should fill the queue: %v", err)
	}
	if err := p.Submit(Job{ID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	results, unsubscribe := p.Subscribe()
	defer unsubscribe()
	close(proc.release)
	for seen := 0; seen < 2; seen++ {
		select {
		case res := <-results:
			if _, err := res.MarshalJSON(); err != nil {
				t.Fatalf("result should marshal despite NaN meta: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for results")
		}
	}
}

func TestParseJobType(t *testing.T) {
	if jt, ok := ParseJobType("focus"); !ok || jt != JobFocus {
		t.Fatalf("ParseJobType(focus) = %v %v", jt, ok)
	}
	if _, ok := ParseJobType("timelapse"); ok {
		t.Fatalf("unexpected job type accepted")
	}
}
