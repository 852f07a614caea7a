package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"skysolve/internal/config"
	"skysolve/internal/params"
	"skysolve/internal/storage"
)

var errQueueFull = errors.New("solve queue is full")

// Server exposes the solver over HTTP: submit an image, poll the job,
// stream the live solver log over a websocket.
type Server struct {
	log      *slog.Logger
	store    *storage.Store
	mgr      *Manager
	cfg      *config.Config
	upgrader websocket.Upgrader
	uploads  string
}

// New wires the HTTP server around a job manager.
func New(logger *slog.Logger, store *storage.Store, mgr *Manager, cfg *config.Config) *Server {
	return &Server{
		log:   logger,
		store: store,
		mgr:   mgr,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		uploads: filepath.Join(cfg.Solver.TempDir, "skysolve-uploads"),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/solve", s.handleSolve).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/log", s.handleJobLog).Methods(http.MethodGet)
	api.HandleFunc("/profiles", s.handleProfiles).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Listen,
		Handler:      s.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
	}
	s.log.Info("http server listening", "addr", s.cfg.Server.Listen)
	return srv.ListenAndServe()
}

// handleSolve accepts a multipart image upload plus solve options and queues
// a job.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(256 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field: %w", err))
		return
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploads, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	jobID := uuid.NewString()
	inputPath := filepath.Join(s.uploads, jobID+filepath.Ext(header.Filename))
	dst, err := os.Create(inputPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	dst.Close()

	job := Job{
		ID:        jobID,
		InputPath: inputPath,
		Backend:   formValue(r, "backend", s.cfg.Solver.Backend),
		Profile:   formValue(r, "profile", s.cfg.Solver.Profile),
		Options:   map[string]any{},
	}
	for _, key := range []string{"scale_lo", "scale_hi", "scale_units", "ra", "dec", "downsample"} {
		if v := r.FormValue(key); v != "" {
			job.Options[key] = v
		}
	}

	if err := s.mgr.Submit(job); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": jobID, "status": "queued"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentSolves(50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Solve(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleJobLog streams the job's solver output over a websocket: the buffered
// backlog first, then live lines until the job finishes.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	backlog, live, unsub := s.mgr.JobLog(id)
	if live == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no log for job %s", id))
		return
	}
	defer unsub()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, line := range backlog {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
	for line := range live {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}

// handleProfiles lists built-in profiles plus any saved in the store.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	names := params.ProfileNames()
	if s.store != nil {
		if stored, err := s.store.ListProfiles(); err == nil {
			names = append(names, stored...)
		}
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func formValue(r *http.Request, key, fallback string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return fallback
}
