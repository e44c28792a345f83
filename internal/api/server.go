// Package api serves the warden operator HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/config"
	"github.com/FairForge/warden/internal/ha"
	"github.com/FairForge/warden/internal/loadcheck"
	"github.com/FairForge/warden/internal/logging"
	"github.com/FairForge/warden/internal/monitoring"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/FairForge/warden/internal/registry"
	"github.com/FairForge/warden/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	errRateLimited = errors.New("api: rate limit exceeded")
	errBadRequest  = errors.New("api: bad request")
)

// Scheduler is the part of the backup scheduler the API drives.
type Scheduler interface {
	TriggerBackup(ctx context.Context, kind backup.Kind, opts scheduler.TriggerOptions) (string, error)
	CancelBackup(id string) bool
	SetJobActive(id string, active bool) error
	Pause()
	Resume()
	Status() scheduler.Status
	Execution(id string) (*registry.Execution, bool)
}

// Recovery is the part of the recovery orchestrator the API drives.
type Recovery interface {
	Submit(ctx context.Context, req recovery.RecoveryRequest) (string, error)
	Job(id string) (*registry.RecoveryJob, bool)
	Jobs() []*registry.RecoveryJob
	Cancel(id string) bool
	Promote(ctx context.Context, id string) error
	Validate(ctx context.Context, id string) (*recovery.ValidationOutcome, error)
	ListRecoveryPoints(r recovery.TimeRange) []backup.RecoveryPoint
}

// Coordinator is the part of the DR coordinator the API drives.
type Coordinator interface {
	DeclareDisaster(ctx context.Context, d ha.Declaration) (string, error)
	Failback(ctx context.Context, original string, opts ha.FailbackOptions) (string, error)
	ResolveDisaster(id, note string) error
	RunDRTest(ctx context.Context, kind ha.TestKind, opts ha.TestOptions) (ha.TestResult, error)
	Test(id string) (ha.TestResult, bool)
	Tests() []ha.TestResult
	Status() ha.Status
}

// Records looks up disaster and failover records.
type Records interface {
	Disaster(id string) (*registry.DisasterEvent, bool)
	Failover(id string) (*registry.FailoverExecution, bool)
}

// Dependencies are the services behind the API. Coordinator and Records may
// be nil when disaster recovery is not configured; the DR routes are then
// not mounted.
type Dependencies struct {
	Scheduler   Scheduler
	Recovery    Recovery
	Coordinator Coordinator
	Records     Records
	Load        loadcheck.Monitor

	// Registerer receives the HTTP metrics. MetricsHandler serves /metrics.
	Registerer     prometheus.Registerer
	MetricsHandler http.Handler
	Dashboard      http.Handler
	Alerts         func() []monitoring.Alert

	Clock  clock.Clock
	Logger *zap.Logger
}

// Server is the operator API.
type Server struct {
	cfg     config.ServerConfig
	deps    Dependencies
	tokens  *TokenIssuer
	limiter *RateLimiter
	metrics *Metrics
	clock   clock.Clock
	logger  *zap.Logger

	router     chi.Router
	httpServer *http.Server

	// background runs DR tests accepted by the API.
	background context.Context
	stop       context.CancelFunc
	wg         sync.WaitGroup

	mu           sync.Mutex
	runningTests map[string]time.Time
}

// NewServer builds the router. Scheduler and Recovery are required.
func NewServer(cfg config.ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Scheduler == nil || deps.Recovery == nil {
		return nil, errors.New("api: scheduler and recovery are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		tokens:  NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, deps.Clock),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		clock:   deps.Clock,
		logger:  deps.Logger.Named("api"),

		runningTests: make(map[string]time.Time),
	}
	if deps.Registerer != nil {
		m, err := NewMetrics(deps.Registerer)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	s.background, s.stop = context.WithCancel(context.Background())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Tokens returns the issuer, or nil when authentication is disabled.
func (s *Server) Tokens() *TokenIssuer { return s.tokens }

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(requestID, middleware.Recoverer, s.instrument)

	r.Get("/healthz", s.handleHealth)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth, s.rateLimit)

		r.Get("/scheduler", s.handleSchedulerStatus)
		r.Get("/backups/{id}", s.handleGetBackup)
		r.Get("/recoveries", s.handleListRecoveries)
		r.Get("/recoveries/{id}", s.handleGetRecovery)
		r.Get("/recovery-points", s.handleRecoveryPoints)
		r.Get("/alerts", s.handleAlerts)
		if s.deps.Dashboard != nil {
			r.Method(http.MethodGet, "/dashboard", s.deps.Dashboard)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Post("/scheduler/pause", s.handlePause)
			r.Post("/scheduler/resume", s.handleResume)
			r.Post("/jobs/{id}/enable", s.handleSetJobActive(true))
			r.Post("/jobs/{id}/disable", s.handleSetJobActive(false))
			r.Post("/backups", s.handleTriggerBackup)
			r.Delete("/backups/{id}", s.handleCancelBackup)
			r.Post("/recoveries", s.handleSubmitRecovery)
			r.Delete("/recoveries/{id}", s.handleCancelRecovery)
			r.Post("/recoveries/{id}/promote", s.handlePromote)
			r.Post("/recoveries/{id}/validate", s.handleValidate)
		})

		if s.deps.Coordinator != nil {
			r.Get("/dr", s.handleDRStatus)
			r.Get("/dr-tests", s.handleListDRTests)
			r.Get("/dr-tests/{id}", s.handleGetDRTest)
			r.Get("/disasters/{id}", s.handleGetDisaster)
			r.Get("/failovers/{id}", s.handleGetFailover)
			r.Group(func(r chi.Router) {
				r.Use(s.requireOperator)
				r.Post("/disasters", s.handleDeclareDisaster)
				r.Post("/disasters/{id}/resolve", s.handleResolveDisaster)
				r.Post("/failback", s.handleFailback)
				r.Post("/dr-tests", s.handleRunDRTest)
			})
		}
	})
	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.cfg.Addr), zap.Bool("auth", s.tokens != nil))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and cancels DR tests started through
// the API.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.stop()
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if s.deps.Load != nil {
		snap, err := s.deps.Load.Sample(r.Context())
		if err != nil {
			logging.FromContext(r.Context(), s.logger).Warn("load sample failed", zap.Error(err))
		} else {
			body["load"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var alerts []monitoring.Alert
	if s.deps.Alerts != nil {
		alerts = s.deps.Alerts()
	}
	writeJSON(w, http.StatusOK, monitoring.Summarize(alerts))
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err with status, or with the status mapped from err
// when status is zero.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status == 0 {
		status = statusFor(err)
	}
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: logging.RequestID(r.Context())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, recovery.ErrInvalidRequest),
		errors.Is(err, backup.ErrUnsupportedKind),
		errors.Is(err, backup.ErrNoProducer),
		errors.Is(err, ha.ErrInvalidTarget),
		errors.Is(err, ha.ErrUnknownPlan),
		errors.Is(err, ha.ErrUnknownRegion):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrUnknownJob),
		errors.Is(err, recovery.ErrJobNotFound),
		errors.Is(err, ha.ErrDisasterNotFound),
		errors.Is(err, ha.ErrFailoverNotFound),
		errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ha.ErrFailoverInProgress),
		errors.Is(err, recovery.ErrNotPromotable),
		errors.Is(err, registry.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, recovery.ErrNoEligibleBackup),
		errors.Is(err, ha.ErrNoAvailableRegion),
		errors.Is(err, ha.ErrRegionNotReady),
		errors.Is(err, ha.ErrPreFailoverValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrSystemOverloaded),
		errors.Is(err, scheduler.ErrQueueFull),
		errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, recovery.ErrToolMissing):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
