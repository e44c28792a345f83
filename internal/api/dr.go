package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/warden/internal/ha"
	"github.com/FairForge/warden/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Server) handleDRStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Coordinator.Status())
}

func (s *Server) handleDeclareDisaster(w http.ResponseWriter, r *http.Request) {
	var d ha.Declaration
	if err := decodeJSON(r, &d); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	if err := d.Validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	id, err := s.deps.Coordinator.DeclareDisaster(r.Context(), d)
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	logging.FromContext(r.Context(), s.logger).Warn("disaster declared",
		zap.String("failover_id", id),
		zap.String("kind", string(d.Kind)),
		zap.String("severity", string(d.Severity)),
		zap.String("operator", caller(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/failovers/"+id)
	writeJSON(w, http.StatusAccepted, accepted{ID: id})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolveDisaster(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	if err := s.deps.Coordinator.ResolveDisaster(chi.URLParam(r, "id"), req.Note); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDisaster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Records != nil {
		if d, ok := s.deps.Records.Disaster(id); ok {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	s.writeError(w, r, 0, fmt.Errorf("%w: %s", ha.ErrDisasterNotFound, id))
}

func (s *Server) handleGetFailover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Records != nil {
		if fo, ok := s.deps.Records.Failover(id); ok {
			writeJSON(w, http.StatusOK, fo)
			return
		}
	}
	s.writeError(w, r, 0, fmt.Errorf("%w: %s", ha.ErrFailoverNotFound, id))
}

type failbackRequest struct {
	Region string `json:"region"`
	DryRun bool   `json:"dry_run"`
	Plan   string `json:"plan"`
}

func (s *Server) handleFailback(w http.ResponseWriter, r *http.Request) {
	var req failbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	if req.Region == "" {
		s.writeError(w, r, 0, fmt.Errorf("%w: region is required", errBadRequest))
		return
	}
	id, err := s.deps.Coordinator.Failback(r.Context(), req.Region, ha.FailbackOptions{DryRun: req.DryRun, Plan: req.Plan})
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	logging.FromContext(r.Context(), s.logger).Info("failback started",
		zap.String("failover_id", id),
		zap.String("region", req.Region),
		zap.String("operator", caller(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/failovers/"+id)
	writeJSON(w, http.StatusAccepted, accepted{ID: id})
}

type testProgress struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type drTestRequest struct {
	Kind            string   `json:"kind"`
	Plan            string   `json:"plan"`
	AffectedRegions []string `json:"affected_regions"`
}

// handleRunDRTest accepts the test and runs it in the background; the
// result is read back from /dr-tests/{id}.
func (s *Server) handleRunDRTest(w http.ResponseWriter, r *http.Request) {
	var req drTestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	kind, err := ha.ParseTestKind(req.Kind)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	opts := ha.TestOptions{ID: uuid.New().String(), Plan: req.Plan, AffectedRegions: req.AffectedRegions}
	log := logging.FromContext(r.Context(), s.logger).With(zap.String("test_id", opts.ID), zap.String("kind", string(kind)))

	s.mu.Lock()
	s.runningTests[opts.ID] = s.clock.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runningTests, opts.ID)
			s.mu.Unlock()
		}()
		if _, err := s.deps.Coordinator.RunDRTest(s.background, kind, opts); err != nil {
			log.Warn("DR test did not run", zap.Error(err))
		}
	}()
	log.Info("DR test accepted", zap.String("operator", caller(r.Context())))
	w.Header().Set("Location", "/api/v1/dr-tests/"+opts.ID)
	writeJSON(w, http.StatusAccepted, accepted{ID: opts.ID})
}

func (s *Server) handleGetDRTest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Read the running set first: a test is recorded before it leaves it.
	s.mu.Lock()
	started, running := s.runningTests[id]
	s.mu.Unlock()
	if res, ok := s.deps.Coordinator.Test(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if running {
		writeJSON(w, http.StatusAccepted, testProgress{ID: id, Status: "running", StartedAt: started})
		return
	}
	s.writeError(w, r, http.StatusNotFound, fmt.Errorf("api: DR test %s not found", id))
}

func (s *Server) handleListDRTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Coordinator.Tests())
}
