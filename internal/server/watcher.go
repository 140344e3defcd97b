package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"fitsqa/internal/fsutil"
	"fitsqa/internal/pipeline"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// DefaultSettle is how long a file must stay unchanged before it is checked.
const DefaultSettle = 2 * time.Second

// Watcher submits a job for every FITS file written into the watched
// directories. Files still being written are held back until no event has
// been seen for Settle.
type Watcher struct {
	JobType pipeline.JobType
	Options map[string]any
	Settle  time.Duration

	watcher   *fsnotify.Watcher
	submit    func(pipeline.Job) error
	watchDirs []string
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	done    chan struct{}
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewWatcher creates a watcher submitting focus jobs through submit.
func NewWatcher(watchPaths []string, submit func(pipeline.Job) error, log *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		JobType:   pipeline.JobFocus,
		Settle:    DefaultSettle,
		watcher:   watcher,
		submit:    submit,
		watchDirs: watchPaths,
		log:       log,
		pending:   make(map[string]time.Time),
		done:      make(chan struct{}),
	}, nil
}

// Start adds the watch directories and begins processing events.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "path", dir)
	}
	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop ends event processing and releases the watcher.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	tick := max(w.Settle/4, 10*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fsutil.IsFITSFile(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.mu.Lock()
				w.pending[event.Name] = time.Now()
				w.mu.Unlock()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.mu.Lock()
				delete(w.pending, event.Name)
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case now := <-ticker.C:
			w.flush(now)

		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

// flush submits the files that have settled. A file refused by a full queue
// goes back to pending and is retried once it has settled again.
func (w *Watcher) flush(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.Settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		opts := map[string]any{"source": "watcher"}
		for k, v := range w.Options {
			opts[k] = v
		}
		job := pipeline.Job{ID: uuid.NewString(), Type: w.JobType, InputPath: path, Options: opts}
		if err := w.submit(job); err != nil {
			if errors.Is(err, pipeline.ErrQueueFull) {
				w.log.Debug("queue full, retrying watched file", "path", path)
				w.mu.Lock()
				if _, seen := w.pending[path]; !seen {
					w.pending[path] = now
				}
				w.mu.Unlock()
				continue
			}
			w.log.Warn("failed to submit watched file", "path", path, "error", err)
			continue
		}
		w.log.Info("job queued", "type", job.Type, "id", job.ID, "input", path, "source", "watcher")
	}
}
