package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
	"github.com/mattjoyce/plcgw/internal/supervisor"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Running:       st.Running,
		Building:      st.Building,
	})
}

// handleStatus handles GET /api/v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleRuntimeStart handles POST /api/v1/runtime/start.
func (s *Server) handleRuntimeStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RequestStart(); err != nil {
		s.writeLifecycleError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleRuntimeStop handles POST /api/v1/runtime/stop.
func (s *Server) handleRuntimeStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RequestStop(); err != nil {
		s.writeLifecycleError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, s.ctrl.Status())
}

// handleProgramUpload handles POST /api/v1/program. The request blocks
// until the build finishes, so it runs without a write deadline.
func (s *Server) handleProgramUpload(w http.ResponseWriter, r *http.Request) {
	if s.ctrl.Status().Building {
		s.writeLifecycleError(w, &lifecycle.BusyError{}, nil)
		return
	}
	clearWriteDeadline(w)

	src, err := s.saveUpload(w, r, "program")
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	run, err := s.replace(r, src)
	if err != nil {
		s.writeLifecycleError(w, err, run)
		return
	}
	respondJSON(w, http.StatusOK, ProgramResponse{Run: run, Status: s.ctrl.Status()})
}

// handleListBuilds handles GET /api/v1/builds?limit=N.
func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "build history unavailable")
		return
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list builds", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list builds")
		return
	}
	if runs == nil {
		runs = []history.RunRecord{}
	}
	respondJSON(w, http.StatusOK, BuildListResponse{Builds: runs})
}

// handleGetBuild handles GET /api/v1/builds/{runID}.
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "build history unavailable")
		return
	}
	rec, err := s.history.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, history.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get build", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get build")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// classify maps lifecycle errors to an HTTP status and error kind.
func classify(err error) (int, string) {
	var busy *lifecycle.BusyError
	var stageErr *build.BuildStageError
	var relocErr *build.RelocationError
	var spawnErr *supervisor.SpawnError
	switch {
	case errors.As(err, &busy):
		return http.StatusConflict, "busy"
	case errors.Is(err, lifecycle.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.As(err, &stageErr), errors.As(err, &relocErr):
		return http.StatusUnprocessableEntity, "build"
	case errors.As(err, &spawnErr):
		return http.StatusInternalServerError, "spawn"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error, run *build.Run) {
	status, kind := classify(err)
	msg := err.Error()
	if run != nil && run.Diagnostic != "" {
		msg = run.Diagnostic
	}
	respondJSON(w, status, ErrorResponse{Error: msg, Kind: kind, Run: run})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// handleRuntimeLog handles GET /api/v1/runtime/log?limit=N.
func (s *Server) handleRuntimeLog(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "runtime log unavailable")
		return
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.history.ListRuntime(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runtime log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runtime log")
		return
	}
	if entries == nil {
		entries = []history.RuntimeEntry{}
	}
	respondJSON(w, http.StatusOK, RuntimeLogResponse{Entries: entries})
}

// parseLimit reads ?limit=N (default 20, at most 500). It writes the 400
// itself and reports false when the value is bad.
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 20, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 500 {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return 0, false
	}
	return n, true
}
