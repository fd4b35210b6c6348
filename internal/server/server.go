// Package server exposes the scan API over local HTTP for a desktop
// front end.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/cache"
	"github.com/sells-group/trapscan/internal/export"
	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/scan"
	"github.com/sells-group/trapscan/internal/scanner"
)

// Server routes HTTP requests to a scan.Service.
type Server struct {
	svc *scan.Service
	// ctx outlives individual requests so jobs keep running after the
	// POST that started them returns.
	ctx context.Context

	mu    sync.Mutex
	jobs  map[string]*scan.Job
	order []string // job IDs, oldest first
	keep  int
}

// DefaultKeepJobs is how many jobs the server remembers. Older finished jobs
// are forgotten and report 404.
const DefaultKeepJobs = 16

// New returns a Server. Jobs are bound to ctx.
func New(ctx context.Context, svc *scan.Service) *Server {
	return &Server{svc: svc, ctx: ctx, jobs: make(map[string]*scan.Job), keep: DefaultKeepJobs}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Post("/folders/select", s.selectFolder)
	r.Post("/scans", s.startScan)
	r.Get("/scans/{id}", s.getScan)
	r.Post("/recompute", s.recompute)
	r.Post("/overrides", s.override)
	r.Get("/export.csv", s.exportCSV)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scanning": s.svc.Running()})
}

type selectRequest struct {
	Folder    string `json:"folder"`
	Recursive bool   `json:"recursive"`
}

type selectResponse struct {
	Folder   string            `json:"folder"`
	Frames   int               `json:"frames"`
	Empty    bool              `json:"empty"`
	Cached   bool              `json:"cached"`
	Rows     []model.ResultRow `json:"rows,omitempty"`
	Warnings []scanner.Warning `json:"warnings,omitempty"`
}

func (s *Server) selectFolder(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Folder) == "" {
		writeError(w, http.StatusBadRequest, "folder is required")
		return
	}
	sel, err := s.svc.Select(r.Context(), req.Folder, req.Recursive)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := selectResponse{
		Folder:   sel.Folder,
		Frames:   len(sel.Listing.Frames),
		Empty:    sel.Empty,
		Warnings: sel.Listing.Warnings,
	}
	if sel.Cached != nil {
		resp.Cached = true
		resp.Rows = sel.Cached.Rows
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Folder) == "" {
		writeError(w, http.StatusBadRequest, "folder is required")
		return
	}
	job, err := s.svc.Start(s.ctx, req)
	if errors.Is(err, scan.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.evictJobs()
	s.mu.Unlock()

	zap.L().Info("server: scan started", zap.String("job", job.ID), zap.String("folder", req.Folder))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "folder": job.Folder})
}

// evictJobs drops the oldest finished jobs beyond s.keep. Running jobs are
// never dropped. Callers hold s.mu.
func (s *Server) evictJobs() {
	for i := 0; len(s.order) > s.keep && i < len(s.order); {
		id := s.order[i]
		if state, _, _, _ := s.jobs[id].Snapshot(); state == scan.JobRunning {
			i++
			continue
		}
		delete(s.jobs, id)
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}

type scanStatus struct {
	ID     string        `json:"id"`
	Folder string        `json:"folder"`
	State  scan.JobState `json:"state"`
	Done   int           `json:"done"`
	Total  int           `json:"total"`
	Result *scan.Result  `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown scan")
		return
	}
	state, p, res, err := job.Snapshot()
	st := scanStatus{ID: job.ID, Folder: job.Folder, State: state, Done: p.Done, Total: p.Total, Result: res}
	if err != nil {
		st.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, st)
}

type recomputeRequest struct {
	Folder     string   `json:"folder"`
	Threshold  *float64 `json:"threshold"`
	Background []string `json:"background"`
}

func (s *Server) recompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if !decode(w, r, &req) {
		return
	}
	cfg := s.svc.DecisionConfig()
	if req.Threshold != nil {
		cfg.Threshold = *req.Threshold
	}
	if req.Background != nil {
		cfg.Background = req.Background
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Recompute(r.Context(), req.Folder, cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type overrideRequest struct {
	Folder string `json:"folder"`
	File   string `json:"file"`
	Label  string `json:"label"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	if req.File == "" || strings.TrimSpace(req.Label) == "" {
		writeError(w, http.StatusBadRequest, "file and label are required")
		return
	}
	row, err := s.svc.Override(r.Context(), req.Folder, req.File, req.Label)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		writeError(w, http.StatusBadRequest, "folder is required")
		return
	}
	rows, err := s.svc.Rows(r.Context(), folder)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusUnprocessableEntity, export.ErrNothingToExport.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="results.csv"`)
	if err := export.WriteCSV(w, rows); err != nil {
		zap.L().Error("server: export csv", zap.String("folder", folder), zap.Error(err))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var fre *scanner.FolderReadError
	switch {
	case errors.As(err, &fre):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, cache.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, export.ErrNothingToExport):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		zap.L().Error("server: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
