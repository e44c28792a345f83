package ha

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/registry"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeDialer struct {
	mu   sync.Mutex
	down map[string]bool
}

func (d *fakeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down[address] {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func (d *fakeDialer) setDown(address string, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down == nil {
		d.down = make(map[string]bool)
	}
	d.down[address] = down
}

type fakeLoad struct {
	mu   sync.Mutex
	util map[string]float64
}

func (l *fakeLoad) Utilization(_ context.Context, r Region) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.util[r.Name], nil
}

func (l *fakeLoad) set(region string, u float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.util[region] = u
}

type fakeLag struct {
	mu  sync.Mutex
	lag map[string]time.Duration
}

func (l *fakeLag) ReplicationLag(_ context.Context, region string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lag[region], nil
}

type fakePromoter struct {
	mu       sync.Mutex
	promoted []string
}

func (p *fakePromoter) Promote(_ context.Context, region string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = append(p.promoted, region)
	return nil
}

func (p *fakePromoter) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.promoted...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]Notification
}

func (n *fakeNotifier) Notify(_ context.Context, to Stakeholder, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]Notification)
	}
	n.sent[to.Name] = append(n.sent[to.Name], msg)
	return nil
}

func (n *fakeNotifier) received(name string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent[name]...)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	coord    *Coordinator
	reg      *registry.Registry
	clock    *testclock.Clock
	dialer   *fakeDialer
	load     *fakeLoad
	lag      *fakeLag
	promoter *fakePromoter
	notifier *fakeNotifier
	events   *recorder
}

func testRegions() []Region {
	return []Region{
		{Name: "primary", Role: RolePrimary, Priority: 0, Endpoints: []string{"primary:5432"}},
		{Name: "a", Role: RoleSecondary, Priority: 1, Endpoints: []string{"a:5432"}},
		{Name: "b", Role: RoleSecondary, Priority: 1, Endpoints: []string{"b:5432"}},
		{Name: "c", Role: RoleBackup, Priority: 2, Endpoints: []string{"c:5432"}},
	}
}

func newEnv(t *testing.T, mutate func(*Config, *Dependencies)) *env {
	t.Helper()
	e := &env{
		reg:      registry.New(nil, nil),
		clock:    testclock.NewClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		dialer:   &fakeDialer{},
		load:     &fakeLoad{util: map[string]float64{"primary": 0.2, "a": 0.5, "b": 0.9, "c": 0.1}},
		lag:      &fakeLag{lag: map[string]time.Duration{}},
		promoter: &fakePromoter{},
		notifier: &fakeNotifier{},
		events:   &recorder{},
	}
	cfg := DefaultConfig()
	cfg.Regions = testRegions()
	deps := Dependencies{
		Registry: e.reg,
		Promoter: e.promoter,
		Notifier: e.notifier,
		Lag:      e.lag,
		Load:     e.load,
		Dialer:   e.dialer,
		Events:   e.events,
		Clock:    e.clock,
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	c.prober.ProbeAll(context.Background())
	e.coord = c
	return e
}

func (e *env) await(t *testing.T, id string) *registry.FailoverExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	fo, err := e.coord.AwaitFailover(ctx, id)
	require.NoError(t, err)
	return fo
}

func TestCoordinator_DeclareDisaster(t *testing.T) {
	e := newEnv(t, nil)

	id, err := e.coord.DeclareDisaster(context.Background(), Declaration{
		Kind:            registry.DisasterOutage,
		Severity:        registry.SeverityCritical,
		AffectedRegions: []string{"primary"},
	})
	require.NoError(t, err)

	fo := e.await(t, id)
	assert.Equal(t, registry.FailoverCompleted, fo.Status)
	assert.Equal(t, PlanFullFailover, fo.PlanRef)
	assert.Equal(t, "primary", fo.FromRegion)
	assert.Equal(t, "a", fo.ToRegion, "b shares a's priority but is busier")
	assert.Equal(t, 3, fo.StepsCompleted)
	assert.Equal(t, 3, fo.TotalSteps)
	assert.Equal(t, 100.0, fo.Metrics.TrafficRedirectedPct)
	assert.Equal(t, "a", e.coord.CurrentRegion())
	assert.Equal(t, []string{"a"}, e.promoter.calls())

	ev, ok := e.reg.Disaster(fo.DisasterEventRef)
	require.True(t, ok)
	assert.Equal(t, registry.DisasterRecovering, ev.Status)
	assert.Equal(t, id, ev.FailoverRef)

	router, ok := e.coord.router.(*WeightedRouter)
	require.True(t, ok)
	assert.Equal(t, map[string]float64{"a": 1}, router.Weights())

	assert.Len(t, e.events.ofType(events.DisasterDeclared), 1)
	assert.Len(t, e.events.ofType(events.FailoverStepStarted), 3)
	assert.Len(t, e.events.ofType(events.FailoverStepCompleted), 3)
	assert.Len(t, e.events.ofType(events.FailoverCompleted), 1)
	assert.Equal(t, 1, e.coord.Tracker().Metrics().TotalIncidents)
}

func TestCoordinator_PlanBySeverity(t *testing.T) {
	tests := []struct {
		severity registry.Severity
		level    RecoveryLevel
		want     string
	}{
		{registry.SeverityCatastrophic, "", PlanFullFailover},
		{registry.SeverityCritical, "", PlanFullFailover},
		{registry.SeverityMajor, "", PlanPartialFailover},
		{registry.SeverityMinor, "", PlanServiceRestart},
		{registry.SeverityMinor, LevelFull, PlanFullFailover},
		{registry.SeverityCatastrophic, LevelServiceRestart, PlanServiceRestart},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.severity, tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, planFor(tt.severity, tt.level))
		})
	}
}

func TestCoordinator_PartialRollback(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(name string, err error) ActionFunc {
		return func(context.Context, ActionContext, map[string]string) (ActionResult, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return ActionResult{}, err
		}
	}
	errStep2 := errors.New("replica refused writes")
	errUndo := errors.New("undo failed")

	actions := NewActionRegistry()
	require.NoError(t, actions.Register("test.step1", record("step1", nil)))
	require.NoError(t, actions.Register("test.undo1", record("undo1", nil)))
	require.NoError(t, actions.Register("test.step2", record("step2", errStep2)))
	require.NoError(t, actions.Register("test.undo2", record("undo2", nil)))
	require.NoError(t, actions.Register("test.undo2b", record("undo2b", errUndo)))
	require.NoError(t, actions.Register("test.step3", record("step3", nil)))

	plan := Plan{ID: "three-step", Kind: PlanFailover, Steps: []Step{
		{Name: "one", Commands: []Action{{Type: "test.step1"}}, Rollback: []Action{{Type: "test.undo1"}}},
		{Name: "two", Commands: []Action{{Type: "test.step2"}}, Rollback: []Action{{Type: "test.undo2"}, {Type: "test.undo2b"}}},
		{Name: "three", Commands: []Action{{Type: "test.step3"}}},
	}}
	e := newEnv(t, func(cfg *Config, deps *Dependencies) {
		cfg.Plans = []Plan{plan}
		deps.Actions = actions
	})

	ev := &registry.DisasterEvent{
		ID:              "dis-1",
		Kind:            registry.DisasterOutage,
		Severity:        registry.SeverityCritical,
		AffectedRegions: []string{"primary"},
		Status:          registry.DisasterActive,
		DeclaredAt:      e.clock.Now(),
	}
	require.NoError(t, e.reg.PutDisaster(ev))

	fo, err := e.coord.ExecuteFailover(context.Background(), "dis-1", "a", "three-step")
	require.Error(t, err)
	assert.ErrorIs(t, err, errStep2)
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Index)
	assert.Equal(t, "two", se.Step)
	require.Len(t, se.RollbackErrs, 1)
	assert.ErrorIs(t, se.RollbackErrs[0], errUndo)

	mu.Lock()
	assert.Equal(t, []string{"step1", "step2", "undo2", "undo2b"}, calls)
	mu.Unlock()

	require.NotNil(t, fo)
	assert.Equal(t, registry.FailoverFailed, fo.Status)
	assert.Equal(t, 1, fo.StepsCompleted)
	require.Len(t, fo.Errors, 2)
	assert.Contains(t, fo.Errors[0], errStep2.Error())
	assert.Contains(t, fo.Errors[1], errUndo.Error())
	require.Len(t, fo.Steps, 2)
	assert.Equal(t, "completed", fo.Steps[0].Status)
	assert.Equal(t, "failed", fo.Steps[1].Status)
	assert.Len(t, fo.Steps[1].RollbackErrors, 1)

	assert.Equal(t, "primary", e.coord.CurrentRegion())
	got, _ := e.reg.Disaster("dis-1")
	assert.Equal(t, registry.DisasterActive, got.Status)
	assert.Len(t, e.events.ofType(events.FailoverStepFailed), 1)
	assert.Len(t, e.events.ofType(events.FailoverFailed), 1)
}

func TestCoordinator_CancelledBetweenStepsKeepsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	actions := NewActionRegistry()
	require.NoError(t, actions.Register("test.cancel", func(context.Context, ActionContext, map[string]string) (ActionResult, error) {
		cancel()
		return ActionResult{}, nil
	}))
	require.NoError(t, actions.Register("test.never", func(context.Context, ActionContext, map[string]string) (ActionResult, error) {
		t.Error("step after cancellation ran")
		return ActionResult{}, nil
	}))
	e := newEnv(t, func(cfg *Config, deps *Dependencies) {
		deps.Actions = actions
		cfg.Plans = []Plan{{ID: "two-step", Kind: PlanFailover, Steps: []Step{
			{Name: "one", Commands: []Action{{Type: "test.cancel"}}},
			{Name: "two", Commands: []Action{{Type: "test.never"}}},
		}}}
	})
	require.NoError(t, e.reg.PutDisaster(&registry.DisasterEvent{
		ID:              "dis-1",
		Kind:            registry.DisasterOutage,
		Severity:        registry.SeverityCritical,
		AffectedRegions: []string{"primary"},
		Status:          registry.DisasterActive,
		DeclaredAt:      e.clock.Now(),
	}))

	fo, err := e.coord.ExecuteFailover(ctx, "dis-1", "a", "two-step")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, fo)
	assert.Equal(t, registry.FailoverFailed, fo.Status)
	assert.Equal(t, 1, fo.StepsCompleted)
	require.Len(t, fo.Errors, 1)
	assert.Contains(t, fo.Errors[0], "two")
	assert.Contains(t, fo.Errors[0], context.Canceled.Error())

	stored, ok := e.reg.Failover(fo.ID)
	require.True(t, ok)
	assert.Equal(t, fo.Errors, stored.Errors)
	assert.Equal(t, "primary", e.coord.CurrentRegion())
}

func TestCoordinator_ExecuteFailover_InvalidTarget(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.reg.PutDisaster(&registry.DisasterEvent{
		ID:              "dis-1",
		Kind:            registry.DisasterOutage,
		Severity:        registry.SeverityMajor,
		AffectedRegions: []string{"a"},
		Status:          registry.DisasterActive,
		RecoveryPlanRef: PlanPartialFailover,
	}))

	_, err := e.coord.ExecuteFailover(context.Background(), "dis-1", "a", "")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = e.coord.ExecuteFailover(context.Background(), "dis-1", "primary", "")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = e.coord.ExecuteFailover(context.Background(), "dis-1", "nowhere", "")
	assert.ErrorIs(t, err, ErrUnknownRegion)
	_, err = e.coord.ExecuteFailover(context.Background(), "missing", "c", "")
	assert.ErrorIs(t, err, ErrDisasterNotFound)
}

func TestCoordinator_PreFailoverValidation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *env)
	}{
		{"overloaded", func(e *env) { e.load.set("a", 0.85) }},
		{"unreachable", func(e *env) { e.dialer.setDown("a:5432", true) }},
		{"lagging", func(e *env) {
			e.lag.mu.Lock()
			e.lag.lag["a"] = 10 * time.Minute
			e.lag.mu.Unlock()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			tt.setup(e)

			_, err := e.coord.DeclareDisaster(context.Background(), Declaration{
				Kind:            registry.DisasterOutage,
				Severity:        registry.SeverityCritical,
				AffectedRegions: []string{"primary"},
			})
			require.ErrorIs(t, err, ErrPreFailoverValidation)
			assert.Empty(t, e.reg.Failovers(""))
			assert.Empty(t, e.promoter.calls())
			assert.Equal(t, "primary", e.coord.CurrentRegion())
			require.Len(t, e.reg.ActiveDisasters(), 1)
			assert.Equal(t, registry.DisasterActive, e.reg.ActiveDisasters()[0].Status)
		})
	}
}

func TestCoordinator_OneFailoverAtATime(t *testing.T) {
	release := make(chan struct{})
	actions := NewActionRegistry()
	require.NoError(t, actions.Register("test.block", func(ctx context.Context, _ ActionContext, _ map[string]string) (ActionResult, error) {
		select {
		case <-release:
			return ActionResult{}, nil
		case <-ctx.Done():
			return ActionResult{}, ctx.Err()
		}
	}))
	e := newEnv(t, func(cfg *Config, deps *Dependencies) {
		deps.Actions = actions
		cfg.Plans = []Plan{{ID: PlanFullFailover, Kind: PlanFailover, Steps: []Step{
			{Name: "wait", Commands: []Action{{Type: "test.block"}}},
		}}}
	})

	decl := Declaration{Kind: registry.DisasterOutage, Severity: registry.SeverityCritical, AffectedRegions: []string{"primary"}}
	first, err := e.coord.DeclareDisaster(context.Background(), decl)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.coord.Status().OngoingFailovers) == 1
	}, waitFor, tick)

	_, err = e.coord.DeclareDisaster(context.Background(), decl)
	assert.ErrorIs(t, err, ErrFailoverInProgress)
	_, err = e.coord.Failback(context.Background(), "c", FailbackOptions{DryRun: true})
	assert.ErrorIs(t, err, ErrFailoverInProgress)

	close(release)
	fo := e.await(t, first)
	assert.Equal(t, registry.FailoverCompleted, fo.Status)
	assert.Empty(t, e.coord.Status().OngoingFailovers)
	assert.Len(t, e.reg.Disasters(""), 2)
}

func TestCoordinator_DrillDoesNotBlockDeclaration(t *testing.T) {
	release := make(chan struct{})
	actions := NewActionRegistry()
	require.NoError(t, actions.Register("test.hold", func(ctx context.Context, ac ActionContext, _ map[string]string) (ActionResult, error) {
		if !ac.DryRun {
			return ActionResult{}, nil
		}
		select {
		case <-release:
			return ActionResult{}, nil
		case <-ctx.Done():
			return ActionResult{}, ctx.Err()
		}
	}))
	e := newEnv(t, func(cfg *Config, deps *Dependencies) {
		deps.Actions = actions
		cfg.Plans = []Plan{{ID: "drill", Kind: PlanFailover, Steps: []Step{
			{Name: "hold", Commands: []Action{{Type: "test.hold"}}},
		}}}
	})

	drill := make(chan TestResult, 1)
	go func() {
		res, err := e.coord.RunDRTest(context.Background(), TestFailover, TestOptions{Plan: "drill"})
		assert.NoError(t, err)
		drill <- res
	}()
	require.Eventually(t, func() bool {
		return len(e.reg.Failovers(registry.FailoverInProgress)) == 1
	}, waitFor, tick)

	t.Run("second drill waits", func(t *testing.T) {
		res, err := e.coord.RunDRTest(context.Background(), TestFailover, TestOptions{Plan: "drill"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Empty(t, res.FailoverIDs)
	})

	id, err := e.coord.DeclareDisaster(context.Background(), Declaration{
		Kind:            registry.DisasterOutage,
		Severity:        registry.SeverityCatastrophic,
		AffectedRegions: []string{"primary"},
	})
	require.NoError(t, err)
	fo := e.await(t, id)
	assert.Equal(t, registry.FailoverCompleted, fo.Status)
	assert.False(t, fo.DryRun)
	assert.Equal(t, "a", e.coord.CurrentRegion())

	close(release)
	select {
	case res := <-drill:
		require.Len(t, res.FailoverIDs, 1)
		dry, ok := e.reg.Failover(res.FailoverIDs[0])
		require.True(t, ok)
		assert.True(t, dry.DryRun)
		assert.Equal(t, registry.FailoverCompleted, dry.Status)
	case <-time.After(waitFor):
		t.Fatal("drill did not finish")
	}
	assert.Equal(t, "a", e.coord.CurrentRegion())
}

func TestCoordinator_Failback(t *testing.T) {
	e := newEnv(t, nil)
	id, err := e.coord.DeclareDisaster(context.Background(), Declaration{
		Kind:            registry.DisasterOutage,
		Severity:        registry.SeverityCritical,
		AffectedRegions: []string{"primary"},
	})
	require.NoError(t, err)
	fo := e.await(t, id)
	require.Equal(t, "a", e.coord.CurrentRegion())
	eventID := fo.DisasterEventRef

	t.Run("original not ready", func(t *testing.T) {
		e.dialer.setDown("primary:5432", true)
		_, err := e.coord.Failback(context.Background(), "primary", FailbackOptions{})
		assert.ErrorIs(t, err, ErrRegionNotReady)
		e.dialer.setDown("primary:5432", false)
	})

	t.Run("current region", func(t *testing.T) {
		_, err := e.coord.Failback(context.Background(), "a", FailbackOptions{})
		assert.ErrorIs(t, err, ErrInvalidTarget)
	})

	t.Run("dry run", func(t *testing.T) {
		id, err := e.coord.Failback(context.Background(), "primary", FailbackOptions{DryRun: true})
		require.NoError(t, err)
		fo := e.await(t, id)
		assert.Equal(t, registry.FailoverCompleted, fo.Status)
		assert.True(t, fo.DryRun)
		assert.Equal(t, "a", e.coord.CurrentRegion())
		assert.Equal(t, []string{"a"}, e.promoter.calls())
		ev, _ := e.reg.Disaster(eventID)
		assert.Equal(t, registry.DisasterRecovering, ev.Status)
	})

	t.Run("real", func(t *testing.T) {
		id, err := e.coord.Failback(context.Background(), "primary", FailbackOptions{})
		require.NoError(t, err)
		fo := e.await(t, id)
		assert.Equal(t, registry.FailoverCompleted, fo.Status)
		assert.Equal(t, DirectionFailback, fo.Direction)
		assert.Equal(t, eventID, fo.DisasterEventRef)
		assert.Equal(t, "primary", e.coord.CurrentRegion())
		ev, _ := e.reg.Disaster(eventID)
		assert.Equal(t, registry.DisasterResolved, ev.Status)
		assert.False(t, ev.ResolvedAt.IsZero())
	})
}

func TestCoordinator_Readiness(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, 80, e.coord.Readiness(), "no DR test has run")

	res, err := e.coord.RunDRTest(context.Background(), TestPartial, TestOptions{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 100, e.coord.Readiness())

	e.clock.Advance(35 * 24 * time.Hour)
	_, err = e.coord.DeclareDisaster(context.Background(), Declaration{
		Kind:            registry.DisasterNaturalDisaster,
		Severity:        registry.SeverityCatastrophic,
		AffectedRegions: []string{"a", "b", "c"},
	})
	require.ErrorIs(t, err, ErrNoAvailableRegion)

	active := e.reg.Disasters(registry.DisasterActive)
	require.Len(t, active, 1)
	assert.Equal(t, 50, e.coord.Readiness())

	st := e.coord.Status()
	assert.Equal(t, 50, st.ReadinessScore)
	assert.Equal(t, "primary", st.CurrentRegion)
	assert.Len(t, st.RegionHealth, 4)
	assert.Len(t, st.ActiveDisasters, 1)

	require.NoError(t, e.coord.ResolveDisaster(active[0].ID, "region restored by provider"))
	assert.Equal(t, 80, e.coord.Readiness())
	assert.ErrorIs(t, e.coord.ResolveDisaster("missing", ""), ErrDisasterNotFound)
	assert.Error(t, e.coord.ResolveDisaster(active[0].ID, "again"))
}

func TestCoordinator_NotifiesByEscalationLevel(t *testing.T) {
	e := newEnv(t, func(cfg *Config, _ *Dependencies) {
		cfg.Stakeholders = []Stakeholder{
			{Name: "oncall", EscalationLevel: 1},
			{Name: "lead", EscalationLevel: 2},
			{Name: "exec", EscalationLevel: 4},
		}
	})

	id, err := e.coord.DeclareDisaster(context.Background(), Declaration{
		Kind:            registry.DisasterDegradation,
		Severity:        registry.SeverityMajor,
		AffectedRegions: []string{"primary"},
	})
	require.NoError(t, err)
	fo := e.await(t, id)
	require.Equal(t, registry.FailoverCompleted, fo.Status)
	assert.Equal(t, PlanPartialFailover, fo.PlanRef)
	assert.Equal(t, 50.0, fo.Metrics.TrafficRedirectedPct)

	require.Eventually(t, func() bool {
		return len(e.notifier.received("oncall")) == 2 && len(e.notifier.received("lead")) == 2
	}, waitFor, tick)
	assert.Empty(t, e.notifier.received("exec"))

	got := e.notifier.received("lead")
	types := []string{got[0].Type, got[1].Type}
	assert.ElementsMatch(t, []string{string(events.DisasterDeclared), string(events.FailoverCompleted)}, types)
}

func TestCoordinator_RunDRTest(t *testing.T) {
	t.Run("full dry run leaves the current region", func(t *testing.T) {
		e := newEnv(t, nil)
		res, err := e.coord.RunDRTest(context.Background(), TestFull, TestOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "a", res.Target)
		assert.Len(t, res.FailoverIDs, 2)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, IssueLow, res.Issues[0].Severity)

		assert.Equal(t, "primary", e.coord.CurrentRegion())
		assert.Empty(t, e.promoter.calls())
		for _, id := range res.FailoverIDs {
			fo, ok := e.reg.Failover(id)
			require.True(t, ok)
			assert.True(t, fo.DryRun)
			assert.Equal(t, registry.FailoverCompleted, fo.Status)
		}
		assert.Len(t, e.events.ofType(events.DRTestCompleted), 1)
		assert.Len(t, e.coord.Tests(), 1)
	})

	t.Run("no target is critical", func(t *testing.T) {
		e := newEnv(t, nil)
		res, err := e.coord.RunDRTest(context.Background(), TestFailover, TestOptions{AffectedRegions: []string{"a", "b", "c"}})
		require.NoError(t, err)
		assert.False(t, res.Success)
		require.NotEmpty(t, res.Issues)
		assert.Equal(t, IssueCritical, res.Issues[0].Severity)
	})

	t.Run("failed region is only medium", func(t *testing.T) {
		e := newEnv(t, func(cfg *Config, _ *Dependencies) {
			cfg.Thresholds = Thresholds{Failure: 1, Recovery: 1}
		})
		e.dialer.setDown("c:5432", true)
		res, err := e.coord.RunDRTest(context.Background(), TestPartial, TestOptions{})
		require.NoError(t, err)
		assert.True(t, res.Success)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, IssueMedium, res.Issues[0].Severity)
	})

	t.Run("lag over RPO", func(t *testing.T) {
		e := newEnv(t, nil)
		e.lag.mu.Lock()
		e.lag.lag["a"] = 7 * time.Minute
		e.lag.mu.Unlock()
		res, err := e.coord.RunDRTest(context.Background(), TestPartial, TestOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success, "lag beyond the replication bound fails pre-failover validation")
		assert.Equal(t, 7*time.Minute, res.AchievedRPO)
	})

	t.Run("unknown kind", func(t *testing.T) {
		e := newEnv(t, nil)
		_, err := e.coord.RunDRTest(context.Background(), TestKind("chaos"), TestOptions{})
		assert.Error(t, err)
	})
}

func TestCoordinator_AwaitFailover_NotFound(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.coord.AwaitFailover(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFailoverNotFound)
}

func TestNew_RejectsBadPlans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Regions = testRegions()
	cfg.Plans = []Plan{{ID: "bad", Steps: []Step{{Name: "x", Commands: []Action{{Type: "nope"}}}}}}
	_, err := New(cfg, Dependencies{Registry: registry.New(nil, nil)})
	assert.ErrorIs(t, err, ErrUnknownAction)

	cfg.Plans = nil
	cfg.Regions = testRegions()[:1]
	_, err = New(cfg, Dependencies{Registry: registry.New(nil, nil)})
	assert.Error(t, err)

	cfg.Regions = testRegions()
	_, err = New(cfg, Dependencies{})
	assert.Error(t, err)
}
