package qa

import (
	"context"
	"log/slog"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"fitsqa/internal/detection"
)

// CheckFocusAll runs the focus check on every path with at most workers
// images in flight. Per-file failures are recorded in the report's Error
// field; only context cancellation aborts the batch.
func CheckFocusAll(ctx context.Context, paths []string, maxFWHM float64, workers int, logger *slog.Logger, opts ...detection.Option) ([]FocusReport, error) {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	reports := make([]FocusReport, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rep := FocusReport{Path: path, MaxFWHM: maxFWHM, MedianFWHM: math.NaN()}
			q, err := DataQAFromPath(path, logger.With("path", path), opts...)
			if err == nil {
				rep, err = q.CheckFocus(gctx, maxFWHM)
				rep.Path = path
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("Focus check failed", "path", path, "error", err)
				rep.Error = err.Error()
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
