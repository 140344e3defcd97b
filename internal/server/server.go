package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"fitsqa/internal/pipeline"
	"fitsqa/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Pipeline is the part of the job pipeline the server needs.
type Pipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job pipeline and stored QA results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Pipeline
	watcher  *Watcher
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server. When watchPaths is non-empty new FITS files
// appearing there are submitted as focus jobs.
func NewServer(addr string, store *storage.Store, pipe Pipeline, watchPaths []string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if len(watchPaths) > 0 {
		w, err := NewWatcher(watchPaths, pipe.Submit, log)
		if err != nil {
			return nil, err
		}
		s.watcher = w
		log.Info("watcher initialized", "paths", watchPaths)
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return err
		}
		defer s.watcher.Stop()
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/focus", s.handleFocus).Methods("GET")
	r.HandleFunc("/headers", s.handleHeaders).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve runs a server without watcher.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Pipeline, log *slog.Logger) error {
	server, err := NewServer(addr, store, pipe, nil, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		storage.JobRecord
		Meta map[string]any `json:"meta,omitempty"`
	}{rec, meta})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := pipeline.ParseJobType(string(job.Type)); !ok {
		http.Error(w, "unknown job type: "+string(job.Type), http.StatusBadRequest)
		return
	}
	if job.InputPath == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	job.Options["source"] = "http"

	switch err := s.pipeline.Submit(job); {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "source", "http")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

type focusView struct {
	JobID      string    `json:"job_id"`
	FilePath   string    `json:"file_path"`
	InFocus    bool      `json:"in_focus"`
	MedianFWHM *float64  `json:"median_fwhm"`
	MaxFWHM    float64   `json:"max_fwhm"`
	NSources   int       `json:"n_sources"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.FocusResults(r.URL.Query().Get("path"), queryLimit(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]focusView, 0, len(recs))
	for _, rec := range recs {
		v := focusView{
			JobID:     rec.JobID,
			FilePath:  rec.FilePath,
			InFocus:   rec.InFocus,
			MaxFWHM:   rec.MaxFWHM,
			NSources:  rec.NSources,
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt,
		}
		if !math.IsNaN(rec.MedianFWHM) {
			m := rec.MedianFWHM
			v.MedianFWHM = &m
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	recs, err := s.store.HeaderChecks(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				s.log.Warn("failed to encode result", "job", res.Job.ID, "error", err)
				continue
			}
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleWebSocket pushes every job result to the client as a JSON text message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "pipeline stopped"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(res); err != nil {
				s.log.Debug("websocket client gone", "error", err)
				return
			}
		}
	}
}
