package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/crypto"
	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/registry"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config configures the orchestrator.
type Config struct {
	WorkDir            string        `yaml:"work_dir"`
	MaxParallelWorkers int           `yaml:"max_parallel_workers"`
	PhaseTimeout       time.Duration `yaml:"phase_timeout"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout"`
	// SlowProbe is the probe latency above which validation warns.
	SlowProbe time.Duration `yaml:"slow_probe"`
	// MaxStoreSkew is how far apart the primary and secondary artifacts of
	// a full-system recovery may be before validation warns.
	MaxStoreSkew time.Duration `yaml:"max_store_skew"`
	// Services are restarted after a full-system recovery unless the
	// request names its own.
	Services []string `yaml:"services"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		WorkDir:            "/var/lib/warden/recovery",
		MaxParallelWorkers: 2,
		PhaseTimeout:       2 * time.Hour,
		ValidationTimeout:  30 * time.Minute,
		SlowProbe:          500 * time.Millisecond,
		MaxStoreSkew:       time.Hour,
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.WorkDir == "" {
		c.WorkDir = d.WorkDir
	}
	if c.MaxParallelWorkers == 0 {
		c.MaxParallelWorkers = d.MaxParallelWorkers
	}
	if c.PhaseTimeout == 0 {
		c.PhaseTimeout = d.PhaseTimeout
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = d.ValidationTimeout
	}
	if c.SlowProbe == 0 {
		c.SlowProbe = d.SlowProbe
	}
	if c.MaxStoreSkew == 0 {
		c.MaxStoreSkew = d.MaxStoreSkew
	}
}

// Validate checks configuration
func (c Config) Validate() error {
	if c.WorkDir == "" {
		return errors.New("recovery: work_dir is required")
	}
	if c.MaxParallelWorkers < 1 {
		return errors.New("recovery: max_parallel_workers must be at least 1")
	}
	if c.PhaseTimeout <= 0 || c.ValidationTimeout <= 0 {
		return errors.New("recovery: phase timeouts must be positive")
	}
	return nil
}

// ArtifactFetcher makes an artifact available on local disk.
// backup.Pipeline implements it.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, art *backup.Artifact, dir string) (string, error)
}

// Dependencies are the collaborators of an Orchestrator. Secondary,
// Services, Encryption, Runner, Events and Clock are optional.
type Dependencies struct {
	Catalog    *backup.Catalog
	Fetcher    ArtifactFetcher
	Primary    RestoreTool
	Secondary  KVRestorer
	Services   ServiceManager
	Validator  backup.Validator
	Encryption crypto.Provider
	Runner     process.Runner
	Registry   *registry.Registry
	Events     events.Publisher
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Orchestrator runs recovery jobs. Jobs beyond MaxParallelWorkers wait in
// the pending phase.
type Orchestrator struct {
	cfg        Config
	catalog    *backup.Catalog
	fetcher    ArtifactFetcher
	primary    RestoreTool
	secondary  KVRestorer
	services   ServiceManager
	validator  backup.Validator
	encryption crypto.Provider
	runner     process.Runner
	registry   *registry.Registry
	events     events.Publisher
	clock      clock.Clock
	logger     *zap.Logger

	sem    *semaphore.Weighted
	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Catalog == nil {
		return nil, errors.New("recovery: a backup catalog is required")
	}
	if deps.Fetcher == nil {
		deps.Fetcher = localFetcher{}
	}
	if deps.Validator == nil {
		deps.Validator = backup.NewChecksumValidator(deps.Encryption)
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(nil, deps.Logger)
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:        cfg,
		catalog:    deps.Catalog,
		fetcher:    deps.Fetcher,
		primary:    deps.Primary,
		secondary:  deps.Secondary,
		services:   deps.Services,
		validator:  deps.Validator,
		encryption: deps.Encryption,
		runner:     deps.Runner,
		registry:   deps.Registry,
		events:     deps.Events,
		clock:      deps.Clock,
		logger:     deps.Logger.Named("recovery"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxParallelWorkers)),
		active:     make(map[string]context.CancelFunc),
	}, nil
}

// localFetcher serves artifacts from their recorded location.
type localFetcher struct{}

func (localFetcher) Fetch(_ context.Context, art *backup.Artifact, _ string) (string, error) {
	if _, err := os.Stat(art.Location); err != nil {
		return "", fmt.Errorf("recovery: artifact %s: %w", art.ID, err)
	}
	return art.Location, nil
}

// PerformPITR restores the primary store to a point in time and waits for
// the job to finish.
func (o *Orchestrator) PerformPITR(ctx context.Context, req PITRRequest) (*registry.RecoveryJob, error) {
	return o.perform(ctx, req)
}

// PerformFullSystemRecovery restores both stores, checks them against each
// other and restarts services.
func (o *Orchestrator) PerformFullSystemRecovery(ctx context.Context, req FullSystemRequest) (*registry.RecoveryJob, error) {
	return o.perform(ctx, req)
}

// PerformSelectiveRecovery restores a subset of tables into a scratch
// database. Use Promote to copy them into the live database.
func (o *Orchestrator) PerformSelectiveRecovery(ctx context.Context, req SelectiveRequest) (*registry.RecoveryJob, error) {
	return o.perform(ctx, req)
}

// Submit starts a recovery in the background and returns its job id. The
// job outlives ctx; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, req RecoveryRequest) (string, error) {
	job, err := o.admit(req)
	if err != nil {
		return "", err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.run(context.WithoutCancel(ctx), job.ID, req)
	}()
	return job.ID, nil
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) perform(ctx context.Context, req RecoveryRequest) (*registry.RecoveryJob, error) {
	job, err := o.admit(req)
	if err != nil {
		return nil, err
	}
	runErr := o.run(ctx, job.ID, req)
	final, _ := o.registry.RecoveryJob(job.ID)
	return final, runErr
}

// admit validates the request, checks restore tooling and registers a
// pending job.
func (o *Orchestrator) admit(req RecoveryRequest) (*registry.RecoveryJob, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := o.preflight(req); err != nil {
		return nil, err
	}

	now := o.clock.Now()
	job := &registry.RecoveryJob{
		ID:        uuid.NewString(),
		Status:    registry.RecoveryPending,
		Progress:  registry.Progress{CurrentPhase: PhasePending},
		CreatedAt: now,
	}
	req.describe(job)
	job.Timeline = []registry.TimelineEntry{{
		Timestamp: now,
		Action:    "created",
		Message:   fmt.Sprintf("%s recovery of %s requested", job.Method, job.DataStore),
	}}
	if err := o.registry.PutRecoveryJob(job); err != nil {
		return nil, err
	}
	o.logger.Info("recovery job created",
		zap.String("job_id", job.ID),
		zap.String("method", string(job.Method)),
		zap.Bool("dry_run", job.DryRun))
	return job, nil
}

func (o *Orchestrator) preflight(req RecoveryRequest) error {
	if o.primary == nil {
		return fmt.Errorf("%w: no restore tool configured", ErrToolMissing)
	}
	if _, full := req.(FullSystemRequest); full && o.secondary == nil {
		return fmt.Errorf("%w: no key-value restorer configured", ErrToolMissing)
	}
	if o.runner == nil {
		return nil
	}
	if missing := process.MissingTools(o.runner, o.primary.RequiredTools()...); len(missing) > 0 {
		return fmt.Errorf("%w: %s not found", ErrToolMissing, strings.Join(missing, ", "))
	}
	return nil
}

func (o *Orchestrator) run(parent context.Context, id string, req RecoveryRequest) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	o.mu.Lock()
	o.active[id] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
	}()

	rs := newRunState(id, o.cfg.WorkDir)
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.finish(rs, fmt.Errorf("%w: %v", ErrCancelled, err))
	}
	defer o.sem.Release(1)

	var err error
	switch r := req.(type) {
	case PITRRequest:
		err = o.runPITR(ctx, rs, r)
	case FullSystemRequest:
		err = o.runFullSystem(ctx, rs, r)
	case SelectiveRequest:
		err = o.runSelective(ctx, rs, r)
	default:
		err = fmt.Errorf("%w: unsupported request %T", ErrInvalidRequest, req)
	}
	return o.finish(rs, err)
}

// phase moves the job into status and runs fn under the phase timeout.
// Cancellation is only observed between phases and by fn's context.
func (o *Orchestrator) phase(ctx context.Context, rs *runState, status registry.RecoveryStatus, pct int, fn func(ctx context.Context) error) error {
	if ctx.Err() != nil {
		return &PhaseError{Phase: string(status), Err: ErrCancelled}
	}
	if err := o.enter(rs.id, status, pct); err != nil {
		return &PhaseError{Phase: string(status), Err: err}
	}
	if fn == nil {
		return nil
	}

	timeout := o.cfg.PhaseTimeout
	if status == registry.RecoveryValidating {
		timeout = o.cfg.ValidationTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(pctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(pctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s: %v", ErrPhaseTimeout, timeout, err)
	}
	return &PhaseError{Phase: string(status), Err: err}
}

func (o *Orchestrator) enter(id string, status registry.RecoveryStatus, pct int) error {
	now := o.clock.Now()
	job, err := o.registry.UpdateRecoveryJob(id, func(j *registry.RecoveryJob) error {
		if j.Status.Terminal() {
			return ErrCancelled
		}
		j.Status = status
		j.Progress.CurrentPhase = string(status)
		if pct > j.Progress.Percentage {
			j.Progress.Percentage = pct
		}
		j.Timeline = append(j.Timeline, registry.TimelineEntry{
			Timestamp: now,
			Action:    "phase",
			Message:   "entered " + string(status),
		})
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info("recovery phase changed",
		zap.String("job_id", id),
		zap.String("phase", string(status)),
		zap.Int("progress", job.Progress.Percentage))
	o.events.Publish(events.Event{
		Type:    events.RecoveryPhaseChanged,
		Subject: id,
		Kind:    string(job.Method),
		Phase:   string(status),
		Value:   float64(job.Progress.Percentage),
	})
	return nil
}

// progress raises the job's percentage. It never lowers it.
func (o *Orchestrator) progress(id string, pct int) {
	_, _ = o.registry.UpdateRecoveryJob(id, func(j *registry.RecoveryJob) error {
		if j.Status.Terminal() {
			return ErrCancelled
		}
		if pct > j.Progress.Percentage {
			j.Progress.Percentage = pct
		}
		return nil
	})
}

func (o *Orchestrator) annotate(id string, fn func(j *registry.RecoveryJob)) {
	_, err := o.registry.UpdateRecoveryJob(id, func(j *registry.RecoveryJob) error {
		fn(j)
		return nil
	})
	if err != nil {
		o.logger.Warn("could not annotate recovery job", zap.String("job_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) warn(id, msg string) {
	now := o.clock.Now()
	o.annotate(id, func(j *registry.RecoveryJob) {
		j.Result.Warnings = append(j.Result.Warnings, msg)
		j.Timeline = append(j.Timeline, registry.TimelineEntry{Timestamp: now, Action: "warning", Message: msg})
	})
	o.logger.Warn("recovery warning", zap.String("job_id", id), zap.String("warning", msg))
}

// finish records the outcome of a run and cleans up. The original error is
// always returned; cleanup errors are only logged.
func (o *Orchestrator) finish(rs *runState, runErr error) error {
	now := o.clock.Now()
	if runErr == nil {
		job, err := o.registry.UpdateRecoveryJob(rs.id, func(j *registry.RecoveryJob) error {
			if j.Status.Terminal() {
				return ErrCancelled
			}
			j.Status = registry.RecoveryCompleted
			j.Progress = registry.Progress{Percentage: 100, CurrentPhase: PhaseCompleted}
			j.CompletedAt = now
			j.WorkDir = rs.keptWorkspace()
			j.Timeline = append(j.Timeline, registry.TimelineEntry{Timestamp: now, Action: "completed", Message: "recovery completed"})
			return nil
		})
		if err == nil {
			o.cleanupStaging(rs)
			o.logger.Info("recovery completed",
				zap.String("job_id", rs.id),
				zap.Int("recovered", job.Result.RecoveredCount),
				zap.Duration("duration", now.Sub(job.CreatedAt)))
			o.events.Publish(events.Event{
				Type:     events.RecoveryCompleted,
				Subject:  rs.id,
				Kind:     string(job.Method),
				Duration: now.Sub(job.CreatedAt),
				Value:    float64(job.Result.RecoveredCount),
			})
			return nil
		}
		runErr = ErrCancelled
	}

	o.cleanup(rs)

	cancelled := errors.Is(runErr, ErrCancelled)
	job, err := o.registry.UpdateRecoveryJob(rs.id, func(j *registry.RecoveryJob) error {
		if j.Status.Terminal() {
			return ErrCancelled
		}
		j.Status = registry.RecoveryFailed
		j.Progress.CurrentPhase = PhaseFailed
		j.CompletedAt = now
		j.FailureReason = runErr.Error()
		if cancelled {
			j.FailureReason = CancelledReason
		}
		j.Result.Errors = append(j.Result.Errors, runErr.Error())
		j.Timeline = append(j.Timeline, registry.TimelineEntry{Timestamp: now, Action: "failed", Message: runErr.Error()})
		return nil
	})
	if err != nil {
		// Already terminal: Cancel recorded the outcome.
		return runErr
	}

	phase := ""
	var pe *PhaseError
	if errors.As(runErr, &pe) {
		phase = pe.Phase
	}
	o.logger.Error("recovery failed",
		zap.String("job_id", rs.id),
		zap.String("phase", phase),
		zap.Error(runErr))
	o.events.Publish(events.Event{
		Type:    events.RecoveryFailed,
		Subject: rs.id,
		Kind:    string(job.Method),
		Phase:   phase,
		Reason:  job.FailureReason,
		Error:   runErr.Error(),
	})
	return runErr
}

// Cancel marks a running or pending job failed with reason "cancelled" and
// stops it at the next phase boundary. Scratch resources are cleaned up by
// the run itself.
func (o *Orchestrator) Cancel(id string) bool {
	now := o.clock.Now()
	job, err := o.registry.UpdateRecoveryJob(id, func(j *registry.RecoveryJob) error {
		if j.Status.Terminal() {
			return registry.ErrTerminal
		}
		j.Status = registry.RecoveryFailed
		j.Progress.CurrentPhase = PhaseFailed
		j.FailureReason = CancelledReason
		j.CompletedAt = now
		j.Timeline = append(j.Timeline, registry.TimelineEntry{Timestamp: now, Action: "cancelled", Message: "cancelled by operator"})
		return nil
	})
	if err != nil {
		return false
	}

	o.mu.Lock()
	cancel := o.active[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	o.logger.Info("recovery cancelled", zap.String("job_id", id))
	o.events.Publish(events.Event{
		Type:    events.RecoveryFailed,
		Subject: id,
		Kind:    string(job.Method),
		Reason:  CancelledReason,
	})
	return true
}

// Job returns a copy of a recovery job.
func (o *Orchestrator) Job(id string) (*registry.RecoveryJob, bool) {
	return o.registry.RecoveryJob(id)
}

// Jobs returns every recovery job in creation order.
func (o *Orchestrator) Jobs() []*registry.RecoveryJob {
	return o.registry.RecoveryJobs()
}

// ListRecoveryPoints lists catalogued artifacts in the range, newest first.
func (o *Orchestrator) ListRecoveryPoints(r TimeRange) []backup.RecoveryPoint {
	return o.catalog.List(r.From, r.To)
}
