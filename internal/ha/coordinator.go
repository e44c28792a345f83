package ha

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/FairForge/warden/internal/registry"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

var (
	ErrFailoverInProgress    = errors.New("ha: a failover is already in progress")
	ErrPreFailoverValidation = errors.New("ha: pre-failover validation failed")
	ErrRegionNotReady        = errors.New("ha: region is not ready")
	ErrInvalidTarget         = errors.New("ha: invalid failover target")
	ErrFailoverNotFound      = errors.New("ha: failover not found")
	ErrDisasterNotFound      = errors.New("ha: disaster not found")
	ErrUnknownPlan           = errors.New("ha: unknown recovery plan")
)

// Failover directions.
const (
	DirectionFailover = "failover"
	DirectionFailback = "failback"
)

// Config configures the coordinator.
type Config struct {
	// CurrentRegion overrides the region with the primary role as the
	// starting primary.
	CurrentRegion string        `yaml:"current_region"`
	Regions       []Region      `yaml:"regions"`
	Plans         []Plan        `yaml:"plans"`
	Stakeholders  []Stakeholder `yaml:"stakeholders"`
	// Services are restarted by the services.restart action when neither
	// the step nor the disaster names any.
	Services []string `yaml:"services"`

	MaxUtilization    float64       `yaml:"max_utilization"`
	MaxReplicationLag time.Duration `yaml:"max_replication_lag"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	NotifyTimeout     time.Duration `yaml:"notify_timeout"`
	Thresholds        Thresholds    `yaml:"thresholds"`
	Objective         Objective     `yaml:"objective"`
	// TestFreshness is how recent a DR test must be to count towards
	// readiness.
	TestFreshness time.Duration `yaml:"test_freshness"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxUtilization:    0.8,
		MaxReplicationLag: 5 * time.Minute,
		StepTimeout:       10 * time.Minute,
		ProbeInterval:     30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		NotifyTimeout:     30 * time.Second,
		Thresholds:        DefaultThresholds(),
		Objective:         DefaultObjective(),
		TestFreshness:     30 * 24 * time.Hour,
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxUtilization == 0 {
		c.MaxUtilization = d.MaxUtilization
	}
	if c.MaxReplicationLag == 0 {
		c.MaxReplicationLag = d.MaxReplicationLag
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.NotifyTimeout == 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.Thresholds.Failure == 0 {
		c.Thresholds.Failure = d.Thresholds.Failure
	}
	if c.Thresholds.Recovery == 0 {
		c.Thresholds.Recovery = d.Thresholds.Recovery
	}
	if c.Objective.RTO == 0 {
		c.Objective.RTO = d.Objective.RTO
	}
	if c.Objective.RPO == 0 {
		c.Objective.RPO = d.Objective.RPO
	}
	if c.Objective.AlertThreshold == 0 {
		c.Objective.AlertThreshold = d.Objective.AlertThreshold
	}
	if c.TestFreshness == 0 {
		c.TestFreshness = d.TestFreshness
	}
}

// Validate checks configuration
func (c Config) Validate() error {
	if len(c.Regions) < 2 {
		return errors.New("ha: at least two regions are required")
	}
	if c.MaxUtilization <= 0 || c.MaxUtilization > 1 {
		return errors.New("ha: max_utilization must be in (0, 1]")
	}
	if c.MaxReplicationLag <= 0 || c.StepTimeout <= 0 {
		return errors.New("ha: max_replication_lag and step_timeout must be positive")
	}
	if c.Thresholds.Failure < 1 || c.Thresholds.Recovery < 1 {
		return errors.New("ha: probe thresholds must be at least 1")
	}
	for _, s := range c.Stakeholders {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return c.Objective.Validate()
}

// Dependencies are the collaborators of a Coordinator. Everything but
// Registry is optional; actions needing a missing collaborator fail when
// run.
type Dependencies struct {
	Registry *registry.Registry
	// Actions holds extra step handlers. Built-in handlers are added to it
	// unless it already has one of the same name.
	Actions  *ActionRegistry
	Runner   process.Runner
	Recovery RecoveryService
	Promoter Promoter
	Services recovery.ServiceManager
	Router   TrafficRouter
	Backups  BackupTrigger
	Notifier Notifier
	Lag      LagProbe
	Load     LoadProbe
	Dialer   Dialer
	Events   events.Publisher
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Declaration describes a disaster being declared.
type Declaration struct {
	Kind             registry.DisasterKind `json:"kind"`
	Severity         registry.Severity     `json:"severity"`
	AffectedServices []string              `json:"affected_services,omitempty"`
	AffectedRegions  []string              `json:"affected_regions,omitempty"`
	// RecoveryLevel picks the plan regardless of severity.
	RecoveryLevel RecoveryLevel `json:"recovery_level,omitempty"`
}

func (d Declaration) Validate() error {
	if d.Kind == "" {
		return errors.New("ha: disaster kind is required")
	}
	if d.Severity.Rank() == 0 {
		return fmt.Errorf("ha: unknown severity %q", d.Severity)
	}
	switch d.RecoveryLevel {
	case "", LevelFull, LevelPartial, LevelServiceRestart:
	default:
		return fmt.Errorf("ha: unknown recovery level %q", d.RecoveryLevel)
	}
	return nil
}

// FailbackOptions tune a failback.
type FailbackOptions struct {
	// DryRun runs every step without changing production state.
	DryRun bool `json:"dry_run"`
	// Plan overrides the failback plan.
	Plan string `json:"plan,omitempty"`
}

// Status is a snapshot of disaster recovery state.
type Status struct {
	CurrentRegion    string                        `json:"current_region"`
	RegionHealth     []RegionHealth                `json:"region_health"`
	ActiveDisasters  []*registry.DisasterEvent     `json:"active_disasters"`
	OngoingFailovers []*registry.FailoverExecution `json:"ongoing_failovers"`
	ReadinessScore   int                           `json:"readiness_score"`
	LastDRTest       time.Time                     `json:"last_dr_test,omitempty"`
	Recovery         RTORPOMetrics                 `json:"recovery"`
}

// Coordinator declares disasters and moves the primary between regions.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	actions  *ActionRegistry
	runner   process.Runner
	recovery RecoveryService
	promoter Promoter
	services recovery.ServiceManager
	router   TrafficRouter
	backups  BackupTrigger
	notifier Notifier
	events   events.Publisher
	clock    clock.Clock
	logger   *zap.Logger

	topology *Topology
	prober   *Prober
	tracker  *RTORPOTracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	plans    map[string]Plan
	inFlight string
	// dryInFlight is the dry run slot. A real failover never waits on it.
	dryInFlight string
	done        map[string]chan struct{}
	lastTest    time.Time
	tests       []TestResult
}

func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil {
		return nil, errors.New("ha: a registry is required")
	}
	if deps.Actions == nil {
		deps.Actions = NewActionRegistry()
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

	topology, err := NewTopology(cfg.Regions, cfg.CurrentRegion)
	if err != nil {
		return nil, err
	}
	tracker, err := NewRTORPOTracker(cfg.Objective, deps.Clock, deps.Events)
	if err != nil {
		return nil, err
	}
	if deps.Router == nil {
		deps.Router = NewWeightedRouter(topology)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewWebhookNotifier(nil, 3, 5*time.Second, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		registry: deps.Registry,
		actions:  deps.Actions,
		runner:   deps.Runner,
		recovery: deps.Recovery,
		promoter: deps.Promoter,
		services: deps.Services,
		router:   deps.Router,
		backups:  deps.Backups,
		notifier: deps.Notifier,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger.Named("dr"),
		topology: topology,
		tracker:  tracker,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(map[string]chan struct{}),
	}
	c.prober = NewProber(topology, ProberConfig{
		Dialer:     deps.Dialer,
		Lag:        deps.Lag,
		Load:       deps.Load,
		Thresholds: cfg.Thresholds,
		Timeout:    cfg.ProbeTimeout,
		Clock:      deps.Clock,
		Events:     deps.Events,
		Logger:     c.logger,
	})
	c.registerBuiltins()

	plans := DefaultPlans()
	for _, p := range cfg.Plans {
		plans[p.ID] = p
	}
	for _, p := range plans {
		if err := p.Validate(c.actions); err != nil {
			cancel()
			return nil, err
		}
	}
	c.plans = plans
	return c, nil
}

// Topology exposes the region topology.
func (c *Coordinator) Topology() *Topology { return c.topology }

// Tracker exposes RTO and RPO measurements.
func (c *Coordinator) Tracker() *RTORPOTracker { return c.tracker }

// CurrentRegion returns the region serving as primary.
func (c *Coordinator) CurrentRegion() string { return c.topology.Current() }

// Plan returns a recovery plan by id.
func (c *Coordinator) Plan(id string) (Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, id)
	}
	return p, nil
}

// UpdateRegions applies a new region list from a configuration reload.
func (c *Coordinator) UpdateRegions(regions []Region) error {
	if err := c.topology.Update(regions); err != nil {
		return err
	}
	c.logger.Info("region topology updated", zap.Int("regions", len(regions)))
	return nil
}

// StartProbing measures region health every ProbeInterval until ctx is
// done or the coordinator is closed.
func (c *Coordinator) StartProbing(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-c.ctx.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		c.prober.Run(ctx, c.cfg.ProbeInterval)
	}()
}

// Close cancels running failovers and probing and waits for background
// work, including notifications, to finish.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// currentHealth probes region now and falls back to its last known health
// when it cannot be probed.
func (c *Coordinator) currentHealth(ctx context.Context, region string) RegionHealth {
	h, err := c.prober.Probe(ctx, region)
	if err != nil {
		return c.topology.Health(region)
	}
	return h
}

// DeclareDisaster records a disaster, notifies stakeholders and starts a
// failover to the best available region. It returns the failover id once
// the failover has passed pre-failover validation; the failover itself
// runs in the background.
func (c *Coordinator) DeclareDisaster(ctx context.Context, d Declaration) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	now := c.clock.Now()
	ev := &registry.DisasterEvent{
		ID:               uuid.NewString(),
		Kind:             d.Kind,
		Severity:         d.Severity,
		AffectedRegions:  append([]string(nil), d.AffectedRegions...),
		AffectedServices: append([]string(nil), d.AffectedServices...),
		Status:           registry.DisasterActive,
		DeclaredAt:       now,
		RecoveryPlanRef:  planFor(d.Severity, d.RecoveryLevel),
		Timeline: []registry.TimelineEntry{{
			Timestamp: now,
			Action:    "declared",
			Message:   fmt.Sprintf("%s %s disaster declared", d.Severity, d.Kind),
		}},
	}
	if err := c.registry.PutDisaster(ev); err != nil {
		return "", fmt.Errorf("ha: record disaster: %w", err)
	}
	c.tracker.StartIncident(ev.ID, now)
	c.events.Publish(events.Event{
		Type:     events.DisasterDeclared,
		Subject:  ev.ID,
		Kind:     string(d.Kind),
		Severity: string(d.Severity),
		Attrs:    map[string]string{"plan": ev.RecoveryPlanRef},
	})
	c.logger.Warn("disaster declared",
		zap.String("disaster_id", ev.ID),
		zap.String("kind", string(d.Kind)),
		zap.String("severity", string(d.Severity)),
		zap.Strings("affected_regions", d.AffectedRegions),
		zap.String("plan", ev.RecoveryPlanRef))
	c.notify(Notification{
		Type:       string(events.DisasterDeclared),
		DisasterID: ev.ID,
		Kind:       string(d.Kind),
		Severity:   d.Severity,
		Message:    fmt.Sprintf("%s %s disaster declared affecting %v", d.Severity, d.Kind, d.AffectedRegions),
	})

	plan, err := c.Plan(ev.RecoveryPlanRef)
	if err != nil {
		c.timeline(ev.ID, "aborted", err.Error())
		return "", err
	}
	target, err := c.topology.SelectTarget(d.AffectedRegions)
	if err != nil {
		c.timeline(ev.ID, "aborted", err.Error())
		c.logger.Error("no failover target", zap.String("disaster_id", ev.ID), zap.Error(err))
		return "", fmt.Errorf("disaster %s: %w", ev.ID, err)
	}

	fo, err := c.start(ctx, ev, plan, DirectionFailover, c.topology.Current(), target.Name, false)
	if err != nil {
		c.timeline(ev.ID, "aborted", err.Error())
		return "", fmt.Errorf("disaster %s: %w", ev.ID, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.execute(c.ctx, fo, plan, ev)
	}()
	return fo.ID, nil
}

// ExecuteFailover runs plan against a declared disaster, moving the
// primary to target, and returns once the failover has finished.
func (c *Coordinator) ExecuteFailover(ctx context.Context, eventID, target, planID string) (*registry.FailoverExecution, error) {
	ev, ok := c.registry.Disaster(eventID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDisasterNotFound, eventID)
	}
	if ev.Status == registry.DisasterResolved {
		return nil, fmt.Errorf("ha: disaster %s is already resolved", eventID)
	}
	if planID == "" {
		planID = ev.RecoveryPlanRef
	}
	plan, err := c.Plan(planID)
	if err != nil {
		return nil, err
	}
	from := c.topology.Current()
	if err := c.checkTarget(from, target, ev.AffectedRegions); err != nil {
		return nil, err
	}

	fo, err := c.start(ctx, ev, plan, DirectionFailover, from, target, false)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, fo, plan, ev)
}

// Failback moves the primary back to original once it is ready again. The
// failback runs in the background; its id is returned immediately.
func (c *Coordinator) Failback(ctx context.Context, original string, opts FailbackOptions) (string, error) {
	from := c.topology.Current()
	if err := c.checkTarget(from, original, nil); err != nil {
		return "", err
	}
	h := c.currentHealth(ctx, original)
	if h.State != StateHealthy || !h.Reachable {
		return "", fmt.Errorf("%w: %s is %s", ErrRegionNotReady, original, h.State)
	}

	planID := opts.Plan
	if planID == "" {
		planID = PlanRegionFailback
	}
	plan, err := c.Plan(planID)
	if err != nil {
		return "", err
	}

	ev := c.disasterAffecting(original)
	fo, err := c.start(ctx, ev, plan, DirectionFailback, from, original, opts.DryRun)
	if err != nil {
		return "", err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.execute(c.ctx, fo, plan, ev)
	}()
	return fo.ID, nil
}

// AwaitFailover blocks until a failover finishes and returns its final
// state.
func (c *Coordinator) AwaitFailover(ctx context.Context, id string) (*registry.FailoverExecution, error) {
	c.mu.Lock()
	done, ok := c.done[id]
	c.mu.Unlock()
	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fo, found := c.registry.Failover(id)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrFailoverNotFound, id)
	}
	return fo, nil
}

// ResolveDisaster marks a disaster resolved without a failback.
func (c *Coordinator) ResolveDisaster(id, note string) error {
	now := c.clock.Now()
	_, err := c.registry.UpdateDisaster(id, func(d *registry.DisasterEvent) error {
		if d.Status == registry.DisasterResolved {
			return errors.New("already resolved")
		}
		d.Status = registry.DisasterResolved
		d.ResolvedAt = now
		d.Timeline = append(d.Timeline, registry.TimelineEntry{Timestamp: now, Action: "resolved", Message: note, Actor: "operator"})
		return nil
	})
	if err != nil {
		if _, ok := c.registry.Disaster(id); !ok {
			return fmt.Errorf("%w: %s", ErrDisasterNotFound, id)
		}
		return fmt.Errorf("ha: resolve disaster %s: %w", id, err)
	}
	c.closeIncident(id)
	c.events.Publish(events.Event{Type: events.DisasterResolved, Subject: id, Reason: note})
	c.logger.Info("disaster resolved", zap.String("disaster_id", id), zap.String("note", note))
	if ev, ok := c.registry.Disaster(id); ok {
		c.notify(Notification{
			Type:       string(events.DisasterResolved),
			DisasterID: id,
			Kind:       string(ev.Kind),
			Severity:   ev.Severity,
			Message:    "disaster resolved: " + note,
		})
	}
	return nil
}

// Readiness scores disaster recovery preparedness from 0 to 100.
func (c *Coordinator) Readiness() int {
	score := 100
	c.mu.Lock()
	last := c.lastTest
	c.mu.Unlock()
	if last.IsZero() || c.clock.Now().Sub(last) > c.cfg.TestFreshness {
		score -= 20
	}
	if len(c.registry.Disasters(registry.DisasterActive)) > 0 {
		score -= 30
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Status returns a snapshot of disaster recovery state.
func (c *Coordinator) Status() Status {
	ongoing := c.registry.Failovers(registry.FailoverInProgress)
	ongoing = append(ongoing, c.registry.Failovers(registry.FailoverPending)...)
	c.mu.Lock()
	last := c.lastTest
	c.mu.Unlock()
	return Status{
		CurrentRegion:    c.topology.Current(),
		RegionHealth:     c.topology.AllHealth(),
		ActiveDisasters:  c.registry.ActiveDisasters(),
		OngoingFailovers: ongoing,
		ReadinessScore:   c.Readiness(),
		LastDRTest:       last,
		Recovery:         c.tracker.Metrics(),
	}
}

func (c *Coordinator) checkTarget(from, target string, affected []string) error {
	if _, ok := c.topology.Region(target); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, target)
	}
	if target == from {
		return fmt.Errorf("%w: %s is already the current region", ErrInvalidTarget, target)
	}
	for _, a := range affected {
		if a == target {
			return fmt.Errorf("%w: %s is affected by the disaster", ErrInvalidTarget, target)
		}
	}
	return nil
}

// preFailover checks the target can take over. Nothing has changed when
// it fails.
func (c *Coordinator) preFailover(ctx context.Context, target string) (RegionHealth, error) {
	h := c.currentHealth(ctx, target)
	var problems []error
	if !h.Reachable {
		msg := "endpoints unreachable"
		if h.LastError != "" {
			msg += ": " + h.LastError
		}
		problems = append(problems, errors.New(msg))
	}
	if h.Utilization >= c.cfg.MaxUtilization {
		problems = append(problems, fmt.Errorf("utilization %.0f%% is not below %.0f%%", h.Utilization*100, c.cfg.MaxUtilization*100))
	}
	if h.ReplicationLag > c.cfg.MaxReplicationLag {
		problems = append(problems, fmt.Errorf("replication lag %s exceeds %s", h.ReplicationLag, c.cfg.MaxReplicationLag))
	}
	if len(problems) > 0 {
		return h, fmt.Errorf("%w: %s: %w", ErrPreFailoverValidation, target, errors.Join(problems...))
	}
	return h, nil
}

// start reserves a failover slot, validates the target and records a
// pending failover.
func (c *Coordinator) start(ctx context.Context, ev *registry.DisasterEvent, plan Plan, direction, from, to string, dryRun bool) (*registry.FailoverExecution, error) {
	id := uuid.NewString()
	if err := c.reserve(id, dryRun); err != nil {
		return nil, err
	}
	if _, err := c.preFailover(ctx, to); err != nil {
		c.release(id)
		return nil, err
	}

	fo := &registry.FailoverExecution{
		ID:         id,
		PlanRef:    plan.ID,
		Direction:  direction,
		FromRegion: from,
		ToRegion:   to,
		Status:     registry.FailoverPending,
		TotalSteps: len(plan.Steps),
		DryRun:     dryRun,
		StartedAt:  c.clock.Now(),
	}
	if ev != nil {
		fo.DisasterEventRef = ev.ID
	}
	if err := c.registry.PutFailover(fo); err != nil {
		c.release(id)
		return nil, fmt.Errorf("ha: record failover: %w", err)
	}
	c.mu.Lock()
	c.done[id] = make(chan struct{})
	c.mu.Unlock()
	if ev != nil && !dryRun {
		_, _ = c.registry.UpdateDisaster(ev.ID, func(d *registry.DisasterEvent) error {
			d.FailoverRef = id
			d.Timeline = append(d.Timeline, registry.TimelineEntry{
				Timestamp: fo.StartedAt,
				Action:    direction + "-started",
				Message:   fmt.Sprintf("%s from %s to %s using plan %s", direction, from, to, plan.ID),
			})
			return nil
		})
	}
	return fo, nil
}

// execute runs a pending failover to completion. Every path ends in
// finish.
func (c *Coordinator) execute(ctx context.Context, fo *registry.FailoverExecution, plan Plan, ev *registry.DisasterEvent) (*registry.FailoverExecution, error) {
	log := c.logger.With(
		zap.String("failover_id", fo.ID),
		zap.String("direction", fo.Direction),
		zap.String("from", fo.FromRegion),
		zap.String("to", fo.ToRegion),
		zap.Bool("dry_run", fo.DryRun))

	if _, err := c.registry.UpdateFailover(fo.ID, func(f *registry.FailoverExecution) error {
		f.Status = registry.FailoverInProgress
		return nil
	}); err != nil {
		c.finish(fo.ID)
		return nil, fmt.Errorf("ha: start failover: %w", err)
	}
	log.Info("failover started", zap.String("plan", plan.ID), zap.Int("steps", len(plan.Steps)))

	ac := ActionContext{
		FailoverID: fo.ID,
		From:       fo.FromRegion,
		To:         fo.ToRegion,
		DryRun:     fo.DryRun,
		TargetTime: c.clock.Now(),
	}
	if ev != nil {
		ac.Services = ev.AffectedServices
	}

	runErr := c.runSteps(ctx, fo.ID, plan, ac)
	var post RegionHealth
	if runErr == nil {
		post = c.currentHealth(ctx, fo.ToRegion)
		if !post.State.usable() || !post.Reachable {
			runErr = fmt.Errorf("ha: post-failover validation: %s is %s", fo.ToRegion, post.State)
		}
	}

	now := c.clock.Now()
	final, err := c.registry.UpdateFailover(fo.ID, func(f *registry.FailoverExecution) error {
		f.CompletedAt = now
		f.ActualRTO = now.Sub(f.StartedAt)
		if runErr != nil {
			f.Status = registry.FailoverFailed
			var se *StepError
			if !errors.As(runErr, &se) || !se.recorded {
				f.Errors = append(f.Errors, runErr.Error())
			}
			return nil
		}
		f.Status = registry.FailoverCompleted
		return nil
	})
	if err != nil {
		c.finish(fo.ID)
		return nil, fmt.Errorf("ha: finish failover: %w", err)
	}

	severity := registry.SeverityMajor
	if ev != nil {
		severity = ev.Severity
	}
	if runErr != nil {
		c.events.Publish(events.Event{
			Type:     events.FailoverFailed,
			Subject:  fo.ID,
			Region:   fo.ToRegion,
			Severity: string(severity),
			Duration: final.ActualRTO,
			Error:    runErr.Error(),
			Attrs:    map[string]string{"dry_run": strconv.FormatBool(fo.DryRun)},
		})
		if ev != nil && !fo.DryRun {
			c.timeline(ev.ID, fo.Direction+"-failed", runErr.Error())
		}
		log.Error("failover failed", zap.Int("steps_completed", final.StepsCompleted), zap.Error(runErr))
		if !fo.DryRun {
			c.notify(Notification{
				Type:       string(events.FailoverFailed),
				DisasterID: final.DisasterEventRef,
				FailoverID: fo.ID,
				Severity:   severity,
				Message:    fmt.Sprintf("%s to %s failed: %v", fo.Direction, fo.ToRegion, runErr),
			})
		}
		c.finish(fo.ID)
		return final, runErr
	}

	if !fo.DryRun {
		c.topology.setCurrent(fo.ToRegion)
		if ev != nil {
			c.advanceDisaster(ev.ID, fo, post)
		}
	}
	c.events.Publish(events.Event{
		Type:     events.FailoverCompleted,
		Subject:  fo.ID,
		Region:   fo.ToRegion,
		Severity: string(severity),
		Duration: final.ActualRTO,
		Value:    final.Metrics.TrafficRedirectedPct,
		Attrs:    map[string]string{"dry_run": strconv.FormatBool(fo.DryRun)},
	})
	log.Info("failover completed", zap.Duration("actual_rto", final.ActualRTO))
	if !fo.DryRun {
		c.notify(Notification{
			Type:       string(events.FailoverCompleted),
			DisasterID: final.DisasterEventRef,
			FailoverID: fo.ID,
			Severity:   severity,
			Message:    fmt.Sprintf("%s to %s completed in %s", fo.Direction, fo.ToRegion, final.ActualRTO),
		})
	}
	c.finish(fo.ID)
	return final, nil
}

// advanceDisaster moves a disaster forward after a completed failover. A
// failover leaves it recovering; a failback resolves it.
func (c *Coordinator) advanceDisaster(id string, fo *registry.FailoverExecution, target RegionHealth) {
	now := c.clock.Now()
	next := registry.DisasterRecovering
	if fo.Direction == DirectionFailback {
		next = registry.DisasterResolved
	}
	_, err := c.registry.UpdateDisaster(id, func(d *registry.DisasterEvent) error {
		if !d.Status.CanAdvanceTo(next) {
			return nil
		}
		d.Status = next
		if next == registry.DisasterResolved {
			d.ResolvedAt = now
		}
		d.Timeline = append(d.Timeline, registry.TimelineEntry{
			Timestamp: now,
			Action:    fo.Direction + "-completed",
			Message:   fmt.Sprintf("%s is now primary", fo.ToRegion),
		})
		return nil
	})
	if err != nil {
		c.logger.Warn("disaster not updated", zap.String("disaster_id", id), zap.Error(err))
	}
	if fo.Direction == DirectionFailover && c.tracker.HasActiveIncident(id) {
		if _, err := c.tracker.ResolveIncident(id, target.ReplicationLag); err != nil {
			c.logger.Warn("recovery objective not recorded", zap.String("disaster_id", id), zap.Error(err))
		}
	}
	if next == registry.DisasterResolved {
		c.events.Publish(events.Event{Type: events.DisasterResolved, Subject: id, Reason: "failback completed"})
	}
}

// disasterAffecting returns the newest unresolved disaster listing region
// as affected.
func (c *Coordinator) disasterAffecting(region string) *registry.DisasterEvent {
	var found *registry.DisasterEvent
	for _, d := range c.registry.ActiveDisasters() {
		for _, r := range d.AffectedRegions {
			if r == region && (found == nil || d.DeclaredAt.After(found.DeclaredAt)) {
				found = d
			}
		}
	}
	return found
}

func (c *Coordinator) closeIncident(id string) {
	if !c.tracker.HasActiveIncident(id) {
		return
	}
	if _, err := c.tracker.ResolveIncident(id, 0); err != nil {
		c.logger.Warn("recovery objective not recorded", zap.String("disaster_id", id), zap.Error(err))
	}
}

func (c *Coordinator) timeline(id, action, msg string) {
	now := c.clock.Now()
	_, err := c.registry.UpdateDisaster(id, func(d *registry.DisasterEvent) error {
		d.Timeline = append(d.Timeline, registry.TimelineEntry{Timestamp: now, Action: action, Message: msg})
		return nil
	})
	if err != nil {
		c.logger.Warn("disaster timeline not updated", zap.String("disaster_id", id), zap.Error(err))
	}
}

// reserve takes the failover slot for id. Only real failovers change the
// current region, so a running dry run never blocks one; a dry run waits
// for both slots to be free.
func (c *Coordinator) reserve(id string, dryRun bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight != "" {
		return fmt.Errorf("%w: %s", ErrFailoverInProgress, c.inFlight)
	}
	if !dryRun {
		c.inFlight = id
		return nil
	}
	if c.dryInFlight != "" {
		return fmt.Errorf("%w: dry run %s", ErrFailoverInProgress, c.dryInFlight)
	}
	c.dryInFlight = id
	return nil
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(id)
}

func (c *Coordinator) releaseLocked(id string) {
	switch id {
	case c.inFlight:
		c.inFlight = ""
	case c.dryInFlight:
		c.dryInFlight = ""
	}
}

// finish releases the failover slot and wakes AwaitFailover callers.
func (c *Coordinator) finish(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(id)
	if ch, ok := c.done[id]; ok {
		close(ch)
		delete(c.done, id)
	}
}
