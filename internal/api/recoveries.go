package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/FairForge/warden/internal/logging"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/FairForge/warden/internal/registry"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// methodFullSystem is accepted as an alias of registry.MethodFullRestore.
const methodFullSystem = "full-system"

// recoveryBody is the union of every recovery request. Method selects
// which fields apply.
type recoveryBody struct {
	Method         string    `json:"method"`
	TargetTime     time.Time `json:"target_time"`
	BackupName     string    `json:"backup_name"`
	TargetLSN      string    `json:"target_lsn"`
	TargetXID      string    `json:"target_xid"`
	Services       []string  `json:"services"`
	Include        []string  `json:"include"`
	Exclude        []string  `json:"exclude"`
	TargetDatabase string    `json:"target_database"`
	DryRun         bool      `json:"dry_run"`
	Validate       bool      `json:"validate"`
}

func (b recoveryBody) request() (recovery.RecoveryRequest, error) {
	switch b.Method {
	case string(registry.MethodPITR):
		return recovery.PITRRequest{
			TargetTime: b.TargetTime,
			BackupName: b.BackupName,
			TargetLSN:  b.TargetLSN,
			TargetXID:  b.TargetXID,
			DryRun:     b.DryRun,
			Verify:     b.Validate,
		}, nil
	case string(registry.MethodFullRestore), methodFullSystem:
		return recovery.FullSystemRequest{
			TargetTime: b.TargetTime,
			Services:   b.Services,
			DryRun:     b.DryRun,
		}, nil
	case string(registry.MethodSelective):
		return recovery.SelectiveRequest{
			TargetTime:     b.TargetTime,
			BackupName:     b.BackupName,
			Include:        b.Include,
			Exclude:        b.Exclude,
			TargetDatabase: b.TargetDatabase,
			DryRun:         b.DryRun,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown recovery method %q", errBadRequest, b.Method)
}

func (s *Server) handleSubmitRecovery(w http.ResponseWriter, r *http.Request) {
	var body recoveryBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	req, err := body.request()
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	id, err := s.deps.Recovery.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	logging.FromContext(r.Context(), s.logger).Info("recovery submitted",
		zap.String("recovery_id", id),
		zap.String("method", body.Method),
		zap.Bool("dry_run", body.DryRun),
		zap.String("operator", caller(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/recoveries/"+id)
	writeJSON(w, http.StatusAccepted, accepted{ID: id})
}

func (s *Server) handleListRecoveries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recovery.Jobs())
}

func (s *Server) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.deps.Recovery.Job(id)
	if !ok {
		s.writeError(w, r, 0, fmt.Errorf("%w: %s", recovery.ErrJobNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Recovery.Cancel(id) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("api: no active recovery %s", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Recovery.Promote(r.Context(), id); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	logging.FromContext(r.Context(), s.logger).Info("recovery promoted",
		zap.String("recovery_id", id),
		zap.String("operator", caller(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Recovery.Validate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecoveryPoints(w http.ResponseWriter, r *http.Request) {
	var tr recovery.TimeRange
	for name, dst := range map[string]*time.Time{"from": &tr.From, "to": &tr.To} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err))
			return
		}
		*dst = t
	}
	writeJSON(w, http.StatusOK, s.deps.Recovery.ListRecoveryPoints(tr))
}
