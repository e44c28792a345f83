package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/logging"
	"github.com/FairForge/warden/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// decodeJSON decodes the request body into v. An empty body leaves v
// unchanged.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

type triggerRequest struct {
	Kind           string `json:"kind"`
	Priority       int    `json:"priority"`
	SkipLoadCheck  bool   `json:"skip_load_check"`
	IdempotencyKey string `json:"idempotency_key"`
}

type accepted struct {
	ID string `json:"id"`
}

func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	kind, err := backup.ParseKind(req.Kind)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	id, err := s.deps.Scheduler.TriggerBackup(r.Context(), kind, scheduler.TriggerOptions{
		Priority:       req.Priority,
		SkipLoadCheck:  req.SkipLoadCheck,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	logging.FromContext(r.Context(), s.logger).Info("backup triggered",
		zap.String("execution_id", id),
		zap.String("kind", string(kind)),
		zap.String("operator", caller(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/backups/"+id)
	writeJSON(w, http.StatusAccepted, accepted{ID: id})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, ok := s.deps.Scheduler.Execution(id)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("api: execution %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Scheduler.CancelBackup(id) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("api: no active execution %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Pause()
	logging.FromContext(r.Context(), s.logger).Info("scheduler paused", zap.String("operator", caller(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Scheduler.Resume()
	logging.FromContext(r.Context(), s.logger).Info("scheduler resumed", zap.String("operator", caller(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetJobActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Scheduler.SetJobActive(chi.URLParam(r, "id"), active); err != nil {
			s.writeError(w, r, 0, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
