package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"fitsqa/internal/config"
	"fitsqa/internal/detection"
	"fitsqa/internal/fitsimg"
	"fitsqa/internal/fsutil"
	"fitsqa/internal/logging"
	"fitsqa/internal/qa"
	"fitsqa/internal/render"
	"fitsqa/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	headerOps []qa.HeaderOption
	detectOps []detection.Option
	maxFWHM   float64
	loadData  dataLoader
	loadHdr   headerLoader
}

type dataLoader func(path string, logger *slog.Logger, opts ...detection.Option) (*qa.DataQA, error)

type headerLoader func(path string, logger *slog.Logger, opts ...qa.HeaderOption) (*qa.HeaderQA, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) (*router, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	headerOps, err := cfg.QA.HeaderOptions()
	if err != nil {
		return nil, fmt.Errorf("qa config: %w", err)
	}
	if err := cfg.Detection.Validate(); err != nil {
		return nil, fmt.Errorf("detection config: %w", err)
	}
	return &router{
		log:       logger,
		store:     store,
		headerOps: headerOps,
		detectOps: cfg.Detection.Options(),
		maxFWHM:   cfg.QA.MaxFWHM,
		loadData:  qa.DataQAFromPath,
		loadHdr:   qa.HeaderQAFromPath,
	}, nil
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Type {
	case JobHeader:
		return r.handleHeader(ctx, job)
	case JobDetect:
		return r.handleDetect(ctx, job)
	case JobFocus:
		return r.handleFocus(ctx, job)
	case JobInspect:
		return r.handleInspect(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleHeader(ctx context.Context, job Job) Result {
	opts := append([]qa.HeaderOption(nil), r.headerOps...)
	if fields := getStringSliceOption(job.Options, "fields"); len(fields) > 0 {
		opts = append(opts, qa.WithExpectedFields(fields...))
	}
	if raw := getStringMapOption(job.Options, "types"); len(raw) > 0 {
		types, err := qa.ParseFieldTypes(raw)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		opts = append(opts, qa.WithExpectedTypes(types))
	}

	hq, err := r.loadHdr(job.InputPath, r.log.With("job", job.ID), opts...)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	rep, err := hq.Check(getBoolOption(job.Options, "verbose"))
	meta := map[string]any{
		"valid":        rep.Valid(),
		"fields_valid": rep.FieldsValid,
		"types_valid":  rep.TypesValid,
		"missing":      rep.Missing,
		"incorrect":    rep.Incorrect,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	if r.store != nil {
		_ = r.store.RecordHeaderCheck(storage.HeaderCheckRecord{
			JobID:       job.ID,
			FilePath:    job.InputPath,
			FieldsValid: rep.FieldsValid,
			TypesValid:  rep.TypesValid,
			Missing:     rep.Missing,
			Incorrect:   rep.Incorrect,
		})
	}
	return Result{Job: job, Meta: meta}
}

// detectOptions layers the job's own parameters over the configured ones.
func (r *router) detectOptions(job Job) ([]detection.Option, error) {
	opts := append([]detection.Option(nil), r.detectOps...)
	if path := getStringOption(job.Options, "settings", ""); path != "" {
		s, err := detection.LoadSettings(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, s.Options()...)
	}
	if raw, ok := job.Options["detection"]; ok && raw != nil {
		s, err := settingsFromAny(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, s.Options()...)
	}
	if v := getFloat64Option(job.Options, "thresh"); v > 0 {
		opts = append(opts, detection.WithThresh(v))
	}
	if v, ok := lookupFloat64Option(job.Options, "zpt"); ok {
		opts = append(opts, detection.WithZeroPoint(v))
	}
	return opts, nil
}

// settingsFromAny accepts a detection.Settings or its decoded JSON form.
func settingsFromAny(v any) (detection.Settings, error) {
	if s, ok := v.(detection.Settings); ok {
		return s, s.Validate()
	}
	var s detection.Settings
	b, err := json.Marshal(v)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("detection options: %w", err)
	}
	return s, s.Validate()
}

func (r *router) handleDetect(ctx context.Context, job Job) Result {
	opts, err := r.detectOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	log := r.log.With("job", job.ID)
	dq, err := r.loadData(job.InputPath, log, opts...)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogProcessingStep(r.log, job.ID, "extract", "started", nil)
	if err := dq.DetectSources(ctx, false); err != nil {
		return Result{Job: job, Error: err}
	}
	src := dq.Sources()
	meta := map[string]any{
		"n_sources":   src.Catalog.Len(),
		"global_back": src.Background.GlobalBack,
		"global_rms":  src.Background.GlobalRMS,
		"median_fwhm": medianColumn(src.Catalog, "fwhm"),
	}
	logging.LogProcessingStep(r.log, job.ID, "extract", "done", meta)

	rec := storage.CatalogRecord{
		JobID:      job.ID,
		FilePath:   job.InputPath,
		NSources:   src.Catalog.Len(),
		GlobalBack: src.Background.GlobalBack,
		GlobalRMS:  src.Background.GlobalRMS,
	}
	if job.Output != "" {
		products, err := writeProducts(job, dq, src)
		if err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		for k, v := range products {
			meta[k] = v
		}
		rec.CatalogPath = products["catalog"]
		rec.SegMapPath = products["segmap"]
		rec.PreviewPath = products["preview"]
	}
	if r.store != nil {
		_ = r.store.RecordCatalog(rec)
	}
	return Result{Job: job, Meta: meta}
}

// writeProducts stores the catalog (FITS table and CSV), the segmentation map
// and, unless disabled, a PNG preview in job.Output.
func writeProducts(job Job, dq *qa.DataQA, src *detection.Sources) (map[string]string, error) {
	if err := os.MkdirAll(job.Output, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
	out := map[string]string{
		"catalog": filepath.Join(job.Output, base+".cat.fits"),
		"csv":     filepath.Join(job.Output, base+".cat.csv"),
		"segmap":  filepath.Join(job.Output, base+".seg.fits"),
	}
	writes := []struct {
		path  string
		write func(io.Writer) error
	}{
		{out["catalog"], func(w io.Writer) error { return fitsimg.WriteCatalog(w, "SOURCES", src.Catalog) }},
		{out["csv"], src.Catalog.WriteCSV},
		{out["segmap"], func(w io.Writer) error {
			return fitsimg.WriteSegmentation(w, src.SegMap, src.Width, src.Height, []fitsimg.Card{
				{Key: "NSOURCES", Value: src.Catalog.Len(), Comment: "number of segments"},
			})
		}},
	}
	for _, wr := range writes {
		if err := fitsimg.WriteFile(wr.path, wr.write); err != nil {
			return nil, fmt.Errorf("write %s: %w", wr.path, err)
		}
	}
	if preview, ok := job.Options["preview"].(bool); !ok || preview {
		out["preview"] = filepath.Join(job.Output, base+".png")
		opts := render.DefaultOptions()
		opts.Title = fmt.Sprintf("%s  %d sources", filepath.Base(job.InputPath), src.Catalog.Len())
		if err := render.Preview(dq.Image(), src.Catalog, out["preview"], opts); err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
	}
	return out, nil
}

func medianColumn(cat *detection.Catalog, name string) float64 {
	vals, err := cat.Column(name)
	if err != nil {
		return 0
	}
	return detection.Median(vals)
}

func (r *router) handleFocus(ctx context.Context, job Job) Result {
	maxFWHM := getFloat64Option(job.Options, "maxFWHM")
	if maxFWHM <= 0 {
		maxFWHM = r.maxFWHM
	}
	opts, err := r.detectOptions(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if st, err := os.Stat(job.InputPath); err == nil && st.IsDir() {
		return r.handleFocusDir(ctx, job, maxFWHM, opts)
	}
	dq, err := r.loadData(job.InputPath, r.log.With("job", job.ID), opts...)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	rep, err := dq.CheckFocus(ctx, maxFWHM)
	rep.Path = job.InputPath
	meta := map[string]any{
		"in_focus":    rep.InFocus,
		"median_fwhm": rep.MedianFWHM,
		"max_fwhm":    rep.MaxFWHM,
		"n_sources":   rep.NSources,
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Job: job, Error: err}
	}
	if r.store != nil {
		_ = r.store.RecordFocus(storage.FocusRecord{
			JobID:      job.ID,
			FilePath:   job.InputPath,
			InFocus:    rep.InFocus,
			MedianFWHM: rep.MedianFWHM,
			MaxFWHM:    rep.MaxFWHM,
			NSources:   rep.NSources,
			Error:      errString(err),
		})
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// handleFocusDir checks every FITS file below a directory and records one
// focus result per frame.
func (r *router) handleFocusDir(ctx context.Context, job Job, maxFWHM float64, opts []detection.Option) Result {
	paths, err := fsutil.ListFITS(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if len(paths) == 0 {
		return Result{Job: job, Error: fmt.Errorf("%w: no FITS files in %s", fitsimg.ErrEmpty, job.InputPath)}
	}
	workers := getIntOption(job.Options, "workers", 0)
	reports, err := qa.CheckFocusAll(ctx, paths, maxFWHM, workers, r.log.With("job", job.ID), opts...)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	inFocus := 0
	frames := make([]map[string]any, 0, len(reports))
	for _, rep := range reports {
		if rep.InFocus {
			inFocus++
		}
		frames = append(frames, map[string]any{
			"path":        rep.Path,
			"in_focus":    rep.InFocus,
			"median_fwhm": rep.MedianFWHM,
			"n_sources":   rep.NSources,
			"error":       rep.Error,
		})
		if r.store != nil {
			_ = r.store.RecordFocus(storage.FocusRecord{
				JobID:      job.ID,
				FilePath:   rep.Path,
				InFocus:    rep.InFocus,
				MedianFWHM: rep.MedianFWHM,
				MaxFWHM:    maxFWHM,
				NSources:   rep.NSources,
				Error:      rep.Error,
			})
		}
	}
	return Result{Job: job, Meta: map[string]any{
		"in_focus": inFocus == len(reports),
		"frames":   frames,
		"n_frames": len(reports),
		"n_focus":  inFocus,
		"max_fwhm": maxFWHM,
	}}
}

func (r *router) handleInspect(ctx context.Context, job Job) Result {
	rep, err := fitsimg.Inspect(job.InputPath)
	meta := map[string]any{
		"size":   humanize.Bytes(uint64(max(rep.Size, 0))),
		"hdus":   rep.HDUs,
		"width":  rep.Width,
		"height": rep.Height,
		"bitpix": rep.Bitpix,
		"finite": rep.Finite,
		"ok":     err == nil,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	res, err := fsutil.Scan(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	files := make([]string, len(res.Files))
	for i, f := range res.Files {
		files[i] = f.Path
	}
	dirs := make([]map[string]any, len(res.Dirs))
	for i, d := range res.Dirs {
		dirs[i] = map[string]any{
			"path":  d.Path,
			"count": d.Count,
			"size":  humanize.Bytes(uint64(d.Bytes)),
		}
	}
	meta := map[string]any{
		"images": len(res.Files),
		"files":  files,
		"dirs":   dirs,
		"size":   humanize.Bytes(uint64(res.Bytes)),
	}
	return Result{Job: job, Meta: meta}
}

// Helper functions to safely extract typed options from job.Options, which
// may come from Go callers or from decoded JSON.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	v, _ := lookupFloat64Option(options, key)
	return v
}

// lookupFloat64Option reports whether key holds a number, so that an
// explicit zero can be told apart from an absent option.
func lookupFloat64Option(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func getIntOption(options map[string]any, key string, defaultValue int) int {
	if v, ok := lookupFloat64Option(options, key); ok {
		return int(v)
	}
	return defaultValue
}

func getStringOption(options map[string]any, key, defaultValue string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getStringSliceOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

func getStringMapOption(options map[string]any, key string) map[string]string {
	switch v := options[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, s := range v {
			if str, ok := s.(string); ok {
				out[k] = str
			}
		}
		return out
	}
	return nil
}
