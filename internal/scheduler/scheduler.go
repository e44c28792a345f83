// Package scheduler runs scheduled and manual backups under a concurrency
// cap, a priority queue, a backup window, a host load check and a retry
// policy with exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/loadcheck"
	"github.com/FairForge/warden/internal/queue"
	"github.com/FairForge/warden/internal/registry"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

var (
	ErrSystemOverloaded = errors.New("scheduler: system overloaded")
	ErrExecutionTimeout = errors.New("scheduler: execution timed out")
	ErrNotRunning       = errors.New("scheduler: not running")
	ErrUnknownJob       = errors.New("scheduler: unknown job")
	ErrQueueFull        = errors.New("scheduler: queue full")
)

// Backuper produces and finalizes one backup. backup.Pipeline implements it.
type Backuper interface {
	Produce(ctx context.Context, kind backup.Kind) (*backup.Artifact, error)
}

// TriggerOptions tune a manual backup.
type TriggerOptions struct {
	Priority      int
	SkipLoadCheck bool
	// IdempotencyKey makes repeated triggers return the execution already
	// queued or running under the same key.
	IdempotencyKey string
}

// Dependencies are the collaborators a Scheduler needs. Clock, Load and
// Events are optional.
type Dependencies struct {
	Backups  Backuper
	Registry *registry.Registry
	Load     loadcheck.Monitor
	Events   events.Publisher
	Clock    clock.Clock
	Logger   *zap.Logger
}

type pending struct {
	JobRef string
	Kind   backup.Kind
	Key    string
}

type jobState struct {
	job        registry.ScheduledJob
	schedule   Schedule
	timer      clock.Timer
	retryTimer clock.Timer
	// active is the id of the job's queued or running execution.
	active string
	// retryDue marks a retry that came due while the scheduler was paused.
	retryDue bool
}

type runningExec struct {
	jobRef    string
	kind      backup.Kind
	key       string
	started   time.Time
	cancel    context.CancelFunc
	cancelled bool
}

type tickMsg struct {
	jobID string
	retry bool
}

type resultMsg struct {
	execID string
	art    *backup.Artifact
	err    error
}

// Scheduler owns the scheduled jobs and every backup execution. All state
// transitions happen under mu; producers run in worker goroutines and hand
// their results back to the loop.
type Scheduler struct {
	cfg      Config
	window   Window
	backups  Backuper
	registry *registry.Registry
	load     loadcheck.Monitor
	events   events.Publisher
	clock    clock.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	jobs     map[string]*jobState
	jobOrder []string
	queue    *queue.Queue[pending]
	running  map[string]*runningExec
	// keys maps an idempotency key to its non-terminal execution.
	keys    map[string]string
	paused  bool
	started bool
	stopped bool
	metrics Metrics

	baseCtx    context.Context
	baseCancel context.CancelFunc
	ticks      chan tickMsg
	results    chan resultMsg
	quit       chan struct{}
	loopDone   chan struct{}
	workers    sync.WaitGroup
}

// New creates a scheduler with the jobs from cfg. It does nothing until
// Start is called.
func New(cfg Config, deps Dependencies) (*Scheduler, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backups == nil {
		return nil, errors.New("scheduler: a backup producer is required")
	}
	window, err := ParseWindow(cfg.BackupWindow)
	if err != nil {
		return nil, err
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

	s := &Scheduler{
		cfg:      cfg,
		window:   window,
		backups:  deps.Backups,
		registry: deps.Registry,
		load:     deps.Load,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("scheduler"),
		jobs:     make(map[string]*jobState),
		queue:    queue.New[pending](cfg.MaxQueueSize),
		running:  make(map[string]*runningExec),
		keys:     make(map[string]string),
		ticks:    make(chan tickMsg, 64),
		results:  make(chan resultMsg),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, spec := range cfg.Jobs {
		if err := s.addJobLocked(spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) addJobLocked(spec JobSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if _, exists := s.jobs[spec.ID]; exists {
		return fmt.Errorf("scheduler: job %s already exists", spec.ID)
	}
	schedule, _ := ParseSchedule(spec.Schedule)

	maxRetries := s.cfg.MaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	priority := spec.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}

	s.jobs[spec.ID] = &jobState{
		job: registry.ScheduledJob{
			ID:         spec.ID,
			Kind:       spec.Kind,
			Schedule:   schedule.String(),
			Priority:   priority,
			IsActive:   !spec.Disabled,
			MaxRetries: maxRetries,
		},
		schedule: schedule,
	}
	s.jobOrder = append(s.jobOrder, spec.ID)
	return nil
}

// AddJob registers a new scheduled job. Jobs are never removed, only
// deactivated.
func (s *Scheduler) AddJob(spec JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addJobLocked(spec); err != nil {
		return err
	}
	if s.started && !s.stopped {
		s.armLocked(spec.ID, s.clock.Now())
	}
	return nil
}

// SetJobActive activates or deactivates a job. Executions already queued or
// running are not affected.
func (s *Scheduler) SetJobActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	js, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	js.job.IsActive = active
	if !active {
		stopTimer(js.timer)
		stopTimer(js.retryTimer)
		js.timer, js.retryTimer = nil, nil
		js.job.NextRun = time.Time{}
		return nil
	}
	if s.started && !s.stopped && js.timer == nil {
		s.armLocked(id, s.clock.Now())
	}
	return nil
}

// Start arms every active job and starts the loop that applies ticks and
// execution results. Cancelling ctx cancels running executions.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	s.started = true
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)

	now := s.clock.Now()
	for _, id := range s.jobOrder {
		s.armLocked(id, now)
	}
	go s.loop()

	s.logger.Info("scheduler started",
		zap.Int("jobs", len(s.jobs)),
		zap.Int("max_concurrent", s.cfg.MaxConcurrentBackups),
		zap.String("window", s.window.String()))
	return nil
}

// Stop cancels running executions, waits for them to return and stops the
// loop. Queued executions are cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, js := range s.jobs {
		stopTimer(js.timer)
		stopTimer(js.retryTimer)
		js.timer, js.retryTimer = nil, nil
	}
	for _, item := range s.queue.Purge() {
		s.cancelQueuedLocked(item.ID, item.Value)
	}
	for _, run := range s.running {
		run.cancelled = true
		run.cancel()
	}
	s.mu.Unlock()

	s.workers.Wait()
	close(s.quit)
	<-s.loopDone
	s.baseCancel()
	s.logger.Info("scheduler stopped")
}

func stopTimer(t clock.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Scheduler) armLocked(id string, now time.Time) {
	js := s.jobs[id]
	if js == nil || !js.job.IsActive {
		return
	}
	stopTimer(js.timer)
	next := js.schedule.Next(now)
	js.job.NextRun = next
	js.timer = s.clock.AfterFunc(next.Sub(now), func() {
		s.signal(tickMsg{jobID: id})
	})
}

func (s *Scheduler) signal(m tickMsg) {
	select {
	case s.ticks <- m:
	case <-s.quit:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case m := <-s.ticks:
			s.handleTick(m)
		case r := <-s.results:
			s.finish(r)
		case <-s.quit:
			return
		}
	}
}

// handleTick runs one scheduled or retry tick of a job.
func (s *Scheduler) handleTick(m tickMsg) {
	s.mu.Lock()
	js, ok := s.jobs[m.jobID]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if m.retry {
		js.retryTimer = nil
	} else {
		s.armLocked(m.jobID, now)
	}

	if !js.job.IsActive || s.paused {
		if m.retry && js.job.IsActive {
			js.retryDue = true
		}
		s.mu.Unlock()
		return
	}
	if !m.retry && !s.window.Contains(now) {
		s.mu.Unlock()
		s.logger.Debug("outside backup window", zap.String("job_id", m.jobID))
		return
	}
	if js.active != "" {
		s.mu.Unlock()
		s.logger.Debug("previous execution still active, skipping tick",
			zap.String("job_id", m.jobID),
			zap.String("execution_id", js.active))
		return
	}
	kind := js.job.Kind
	s.mu.Unlock()

	snap, over := s.checkLoad()
	if len(over) > 0 {
		s.mu.Lock()
		s.metrics.Skipped++
		s.mu.Unlock()
		s.logger.Info("host overloaded, skipping backup",
			zap.String("job_id", m.jobID),
			zap.Strings("exceeded", over))
		s.events.Publish(events.Event{
			Type:    events.JobSkipped,
			Subject: m.jobID,
			JobID:   m.jobID,
			Kind:    string(kind),
			Reason:  "load thresholds exceeded: " + strings.Join(over, ", "),
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || js.active != "" || !js.job.IsActive {
		return
	}
	exec := s.newExecution(js.job.ID, kind, js.job.Priority, js.job.RetryCount+1, snap, "")
	if err := s.submitLocked(exec); err != nil {
		s.logger.Warn("could not submit scheduled backup",
			zap.String("job_id", js.job.ID),
			zap.Error(err))
	}
}

// checkLoad samples the host. Sampling errors let the backup run.
func (s *Scheduler) checkLoad() (*loadcheck.Snapshot, []string) {
	if !s.cfg.LoadCheck || s.load == nil {
		return nil, nil
	}
	snap, err := s.load.Sample(s.baseCtx)
	if err != nil {
		s.logger.Warn("load sampling failed, not enforcing thresholds", zap.Error(err))
		return nil, nil
	}
	return &snap, s.cfg.Thresholds.Exceeded(snap)
}

func (s *Scheduler) newExecution(jobRef string, kind backup.Kind, priority, attempt int, snap *loadcheck.Snapshot, key string) *registry.Execution {
	return &registry.Execution{
		ID:             uuid.NewString(),
		JobRef:         jobRef,
		Kind:           kind,
		Priority:       priority,
		Status:         registry.ExecutionQueued,
		Attempt:        attempt,
		IdempotencyKey: key,
		QueuedAt:       s.clock.Now(),
		Load:           snap,
	}
}

// submitLocked registers exec and either dispatches it or queues it.
func (s *Scheduler) submitLocked(exec *registry.Execution) error {
	if err := s.registry.PutExecution(exec); err != nil {
		return err
	}
	p := pending{JobRef: exec.JobRef, Kind: exec.Kind, Key: exec.IdempotencyKey}
	if js := s.jobs[exec.JobRef]; js != nil && exec.JobRef != registry.ManualJobRef {
		js.active = exec.ID
	}
	s.metrics.Queued++
	s.events.Publish(events.Event{
		Type:    events.JobQueued,
		Subject: exec.ID,
		JobID:   exec.JobRef,
		Kind:    string(exec.Kind),
		Value:   float64(exec.Priority),
	})

	if !s.paused && len(s.running) < s.cfg.MaxConcurrentBackups {
		s.dispatchLocked(exec.ID, p)
		return nil
	}
	err := s.queue.Push(queue.Item[pending]{ID: exec.ID, Priority: exec.Priority, Value: p, EnqueuedAt: exec.QueuedAt})
	if err != nil {
		s.failLocked(exec.ID, p, err)
		if errors.Is(err, queue.ErrFull) {
			return ErrQueueFull
		}
		return err
	}
	return nil
}

// failLocked terminates an execution that never started.
func (s *Scheduler) failLocked(execID string, p pending, cause error) {
	now := s.clock.Now()
	_, _ = s.registry.UpdateExecution(execID, func(e *registry.Execution) error {
		e.Status = registry.ExecutionFailed
		e.EndTime = now
		e.ErrorMessage = cause.Error()
		return nil
	})
	if js := s.jobs[p.JobRef]; js != nil && js.active == execID {
		js.active = ""
	}
	s.forgetKeyLocked(p.Key, execID)
	s.metrics.Failed++
	s.events.Publish(events.Event{Type: events.JobFailed, Subject: execID, JobID: p.JobRef, Kind: string(p.Kind), Error: cause.Error()})
}

func (s *Scheduler) dispatchLocked(execID string, p pending) {
	now := s.clock.Now()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.ExecutionTimeout)
	s.running[execID] = &runningExec{jobRef: p.JobRef, kind: p.Kind, key: p.Key, started: now, cancel: cancel}

	_, err := s.registry.UpdateExecution(execID, func(e *registry.Execution) error {
		e.Status = registry.ExecutionRunning
		e.StartTime = now
		return nil
	})
	if err != nil {
		s.logger.Error("could not mark execution running", zap.String("execution_id", execID), zap.Error(err))
	}
	if js := s.jobs[p.JobRef]; js != nil && p.JobRef != registry.ManualJobRef {
		js.job.LastExecutionStart = now
	}
	s.metrics.Started++
	s.events.Publish(events.Event{Type: events.JobStarted, Subject: execID, JobID: p.JobRef, Kind: string(p.Kind)})
	s.logger.Info("backup started",
		zap.String("execution_id", execID),
		zap.String("job_id", p.JobRef),
		zap.String("kind", string(p.Kind)))

	s.workers.Add(1)
	go s.work(ctx, execID, p.Kind)
}

func (s *Scheduler) work(ctx context.Context, execID string, kind backup.Kind) {
	defer s.workers.Done()

	art, err := s.backups.Produce(ctx, kind)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrExecutionTimeout, s.cfg.ExecutionTimeout, err)
	}
	s.results <- resultMsg{execID: execID, art: art, err: err}
}

// finish applies the outcome of a worker.
func (s *Scheduler) finish(r resultMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.running[r.execID]
	if !ok {
		return
	}
	delete(s.running, r.execID)
	run.cancel()
	s.forgetKeyLocked(run.key, r.execID)

	now := s.clock.Now()
	duration := now.Sub(run.started)
	status := registry.ExecutionCompleted
	switch {
	case r.err == nil:
	case run.cancelled:
		status = registry.ExecutionCancelled
	default:
		status = registry.ExecutionFailed
	}

	_, err := s.registry.UpdateExecution(r.execID, func(e *registry.Execution) error {
		e.Status = status
		e.EndTime = now
		if r.err != nil {
			e.ErrorMessage = r.err.Error()
		} else {
			e.Result = r.art
		}
		return nil
	})
	if err != nil {
		s.logger.Error("could not record execution result", zap.String("execution_id", r.execID), zap.Error(err))
	}

	js := s.jobs[run.jobRef]
	if run.jobRef == registry.ManualJobRef {
		js = nil
	}
	if js != nil {
		if js.active == r.execID {
			js.active = ""
		}
		js.job.LastDuration = duration
	}

	ev := events.Event{Subject: r.execID, JobID: run.jobRef, Kind: string(run.kind), Duration: duration}
	switch status {
	case registry.ExecutionCompleted:
		s.metrics.Completed++
		s.metrics.TotalDuration += duration
		ev.Type = events.JobCompleted
		if r.art != nil {
			ev.Value = float64(r.art.SizeBytes)
		}
		if js != nil {
			js.job.RetryCount = 0
		}
		s.logger.Info("backup completed",
			zap.String("execution_id", r.execID),
			zap.Duration("duration", duration))
	case registry.ExecutionCancelled:
		s.metrics.Cancelled++
		ev.Type = events.JobCancelled
		s.logger.Info("backup cancelled", zap.String("execution_id", r.execID))
	default:
		s.metrics.Failed++
		ev.Type = events.JobFailed
		ev.Error = r.err.Error()
		s.logger.Warn("backup failed",
			zap.String("execution_id", r.execID),
			zap.String("job_id", run.jobRef),
			zap.Error(r.err))
	}
	s.events.Publish(ev)

	if status == registry.ExecutionFailed && js != nil && !s.stopped {
		s.scheduleRetryLocked(js, r.execID)
	}
	s.drainLocked()
}

// RetryDelay returns the wait before retry number attempt (1-based).
func (s *Scheduler) RetryDelay(attempt int) time.Duration {
	if !s.cfg.ExponentialBackoff || attempt <= 1 {
		return s.cfg.RetryInterval
	}
	return s.cfg.RetryInterval * time.Duration(1<<uint(attempt-1))
}

func (s *Scheduler) scheduleRetryLocked(js *jobState, execID string) {
	js.job.RetryCount++
	if js.job.RetryCount > js.job.MaxRetries {
		attempts := js.job.RetryCount
		js.job.RetryCount = 0
		s.metrics.PermanentFailures++
		s.logger.Error("backup failed permanently",
			zap.String("job_id", js.job.ID),
			zap.Int("attempts", attempts))
		s.events.Publish(events.Event{
			Type:    events.JobPermanentFailure,
			Subject: execID,
			JobID:   js.job.ID,
			Kind:    string(js.job.Kind),
			Value:   float64(attempts),
		})
		return
	}

	delay := s.RetryDelay(js.job.RetryCount)
	id := js.job.ID
	stopTimer(js.retryTimer)
	js.retryTimer = s.clock.AfterFunc(delay, func() {
		s.signal(tickMsg{jobID: id, retry: true})
	})
	s.metrics.Retries++
	s.events.Publish(events.Event{
		Type:    events.JobRetryScheduled,
		Subject: execID,
		JobID:   id,
		Kind:    string(js.job.Kind),
		Delay:   delay,
		Value:   float64(js.job.RetryCount),
	})
}

func (s *Scheduler) drainLocked() {
	for !s.paused && !s.stopped && len(s.running) < s.cfg.MaxConcurrentBackups {
		item, ok := s.queue.Pop()
		if !ok {
			return
		}
		s.dispatchLocked(item.ID, item.Value)
	}
}

// TriggerBackup queues a manual backup and returns its execution id.
func (s *Scheduler) TriggerBackup(ctx context.Context, kind backup.Kind, opts TriggerOptions) (string, error) {
	if _, err := backup.ParseKind(string(kind)); err != nil {
		return "", err
	}

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if id, ok := s.activeByKey(opts.IdempotencyKey); ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	var snap *loadcheck.Snapshot
	if !opts.SkipLoadCheck {
		var over []string
		snap, over = s.checkLoad()
		if len(over) > 0 {
			s.mu.Lock()
			s.metrics.Skipped++
			s.mu.Unlock()
			s.events.Publish(events.Event{
				Type:    events.JobSkipped,
				Subject: registry.ManualJobRef,
				JobID:   registry.ManualJobRef,
				Kind:    string(kind),
				Reason:  "load thresholds exceeded: " + strings.Join(over, ", "),
			})
			return "", fmt.Errorf("%w: %s above threshold", ErrSystemOverloaded, strings.Join(over, ", "))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrNotRunning
	}
	if id, ok := s.activeByKey(opts.IdempotencyKey); ok {
		return id, nil
	}
	priority := opts.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	exec := s.newExecution(registry.ManualJobRef, kind, priority, 1, snap, opts.IdempotencyKey)
	if err := s.submitLocked(exec); err != nil {
		return "", err
	}
	if opts.IdempotencyKey != "" {
		s.keys[opts.IdempotencyKey] = exec.ID
	}
	return exec.ID, nil
}

func (s *Scheduler) activeByKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	id, ok := s.keys[key]
	return id, ok
}

func (s *Scheduler) forgetKeyLocked(key, execID string) {
	if key != "" && s.keys[key] == execID {
		delete(s.keys, key)
	}
}

// CancelBackup cancels a queued or running execution. Queued executions are
// cancelled at once; running ones are asked to stop and reach the cancelled
// status when their producer returns.
func (s *Scheduler) CancelBackup(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.queue.Remove(id); ok {
		s.cancelQueuedLocked(item.ID, item.Value)
		return true
	}
	if run, ok := s.running[id]; ok {
		run.cancelled = true
		run.cancel()
		s.logger.Info("cancelling running backup", zap.String("execution_id", id))
		return true
	}
	return false
}

func (s *Scheduler) cancelQueuedLocked(id string, p pending) {
	now := s.clock.Now()
	_, err := s.registry.UpdateExecution(id, func(e *registry.Execution) error {
		e.Status = registry.ExecutionCancelled
		e.EndTime = now
		return nil
	})
	if err != nil {
		s.logger.Warn("could not cancel queued execution", zap.String("execution_id", id), zap.Error(err))
	}
	if js := s.jobs[p.JobRef]; js != nil && js.active == id {
		js.active = ""
	}
	s.forgetKeyLocked(p.Key, id)
	s.metrics.Cancelled++
	s.events.Publish(events.Event{Type: events.JobCancelled, Subject: id, JobID: p.JobRef, Kind: string(p.Kind)})
}

// Pause stops dispatching and skips scheduled ticks. Running executions
// continue.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.logger.Info("scheduler paused")
	}
}

// Resume restarts dispatching queued executions and runs the retries that
// came due while paused.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.logger.Info("scheduler resumed")
	s.drainLocked()
	for _, id := range s.jobOrder {
		js := s.jobs[id]
		if js == nil || !js.retryDue {
			continue
		}
		js.retryDue = false
		go s.signal(tickMsg{jobID: id, retry: true})
	}
}
