package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"fitsqa/internal/config"
	"fitsqa/internal/grpcserver"
	"fitsqa/internal/pipeline"
	"fitsqa/internal/server"
	"fitsqa/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrCheckFailed is returned by --strict commands when a frame fails QA.
var ErrCheckFailed = errors.New("quality check failed")

// queueRetryDelay is how long a submission waits before retrying a queue
// filled by other submitters.
var queueRetryDelay = 200 * time.Millisecond

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions are the serve command's addresses.
type serveOptions struct {
	HTTPAddr   string
	GRPCAddr   string
	WatchPaths []string
}

type serverFunc func(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// defaultServe runs the HTTP API and, when an address is set, the gRPC service.
func defaultServe(ctx context.Context, opts serveOptions, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	srv, err := server.NewServer(opts.HTTPAddr, store, pipe, opts.WatchPaths, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var runner grpcserver.Runner
	if opts.GRPCAddr != "" {
		var ok bool
		if runner, ok = pipe.(grpcserver.Runner); !ok {
			return fmt.Errorf("pipeline does not support synchronous jobs")
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	if runner != nil {
		g.Go(func() error {
			return grpcserver.NewQualityServer(runner, log).Start(ctx, opts.GRPCAddr)
		})
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := newRootCmd(r)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// enqueueAndWait submits job and waits for its result. The returned error
// is the submission error or the job's own error.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	results, err := r.enqueueAll(ctx, []pipeline.Job{job})
	if err != nil {
		return pipeline.Result{Job: job}, err
	}
	return results[0], results[0].Error
}

// enqueueAll submits jobs and collects their results in submission order.
// A full queue is waited out: by draining one of our own results when any
// are pending, otherwise by retrying after queueRetryDelay.
func (r *Root) enqueueAll(ctx context.Context, jobs []pipeline.Job) ([]pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	index := make(map[string]int, len(jobs))
	for i, job := range jobs {
		index[job.ID] = i
	}
	results := make([]pipeline.Result, len(jobs))
	pending := 0

	receive := func(block bool) error {
		for {
			var (
				res pipeline.Result
				ok  bool
			)
			if block {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case res, ok = <-resCh:
				}
			} else {
				select {
				case res, ok = <-resCh:
				default:
					return nil
				}
			}
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if i, known := index[res.Job.ID]; known {
				results[i] = res
				delete(index, res.Job.ID)
				pending--
				if block {
					return nil
				}
			}
		}
	}

	for _, job := range jobs {
		for {
			err := r.enqueue(ctx, job)
			if errors.Is(err, pipeline.ErrQueueFull) {
				if pending > 0 {
					err = receive(true)
				} else {
					err = sleepCtx(ctx, queueRetryDelay)
				}
				if err != nil {
					return results, err
				}
				continue
			}
			if err != nil {
				if len(jobs) == 1 {
					return nil, err
				}
				r.log.Warn("job not queued", "id", job.ID, "input", job.InputPath, "error", err)
				results[index[job.ID]] = pipeline.Result{Job: job, Error: err}
				delete(index, job.ID)
			} else {
				pending++
			}
			break
		}
		if err := receive(false); err != nil {
			return results, err
		}
	}

	for pending > 0 {
		if err := receive(true); err != nil {
			return results, err
		}
	}
	return results, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func metaFloat(meta map[string]any, key string) (float64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, fmt.Sprint(s))
		}
		return out
	}
	return nil
}

func printMeta(w io.Writer, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, meta[k])
	}
}

func joinOrDash(list []string) string {
	if len(list) == 0 {
		return "-"
	}
	return strings.Join(list, ", ")
}
