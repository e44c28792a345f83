package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/loadcheck"
	"github.com/FairForge/warden/internal/registry"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeBackups struct {
	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	err         error
	// gate, when set, must yield one token per Produce call.
	gate chan struct{}
}

func (f *fakeBackups) Produce(ctx context.Context, kind backup.Kind) (*backup.Artifact, error) {
	f.mu.Lock()
	f.calls++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	gate, err := f.gate, f.err
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &backup.Artifact{ID: uuid.NewString(), Kind: kind, SizeBytes: 10}, nil
}

func (f *fakeBackups) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackups) stats() (calls, maxInflight int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.maxInflight
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

type harness struct {
	sched   *Scheduler
	backups *fakeBackups
	events  *recorder
	clock   *testclock.Clock
	reg     *registry.Registry
	start   time.Time
}

func newHarness(t *testing.T, cfg Config, backups *fakeBackups, load loadcheck.Monitor) *harness {
	t.Helper()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	h := &harness{
		backups: backups,
		events:  &recorder{},
		clock:   testclock.NewClock(start),
		reg:     registry.New(nil, nil),
		start:   start,
	}
	s, err := New(cfg, Dependencies{
		Backups:  backups,
		Registry: h.reg,
		Load:     load,
		Events:   h.events,
		Clock:    h.clock,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	h.sched = s
	return h
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.LoadCheck = false
	cfg.RetryInterval = time.Minute
	return cfg
}

func TestScheduler_ConcurrencyCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentBackups = 2
	backups := &fakeBackups{gate: make(chan struct{}, 5)}
	h := newHarness(t, cfg, backups, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.sched.RunningCount())
	assert.Len(t, h.sched.Status().Queue, 3)

	for i := 0; i < 5; i++ {
		backups.gate <- struct{}{}
		assert.LessOrEqual(t, h.sched.RunningCount(), 2)
	}
	require.Eventually(t, func() bool {
		return h.sched.Status().Metrics.Completed == 5
	}, waitFor, tick)

	calls, maxInflight := backups.stats()
	assert.Equal(t, 5, calls)
	assert.LessOrEqual(t, maxInflight, 2)
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentBackups = 1
	backups := &fakeBackups{gate: make(chan struct{}, 4)}
	h := newHarness(t, cfg, backups, nil)
	ctx := context.Background()

	first, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{Priority: 1})
	require.NoError(t, err)

	ids := map[int]string{}
	for _, p := range []int{5, 8, 3} {
		id, err := h.sched.TriggerBackup(ctx, backup.KindIncremental, TriggerOptions{Priority: p})
		require.NoError(t, err)
		ids[p] = id
	}

	queued := h.sched.Status().Queue
	require.Len(t, queued, 3)
	assert.Equal(t, []int{8, 5, 3}, []int{queued[0].Priority, queued[1].Priority, queued[2].Priority})

	backups.gate <- struct{}{}
	require.Eventually(t, func() bool {
		return len(h.events.ofType(events.JobStarted)) == 2
	}, waitFor, tick)
	assert.Equal(t, ids[8], h.events.ofType(events.JobStarted)[1].Subject, "priority 8 must dispatch first")

	for i := 0; i < 3; i++ {
		backups.gate <- struct{}{}
	}
	require.Eventually(t, func() bool {
		return h.sched.Status().Metrics.Completed == 4
	}, waitFor, tick)

	var order []string
	for _, e := range h.events.ofType(events.JobStarted) {
		order = append(order, e.Subject)
	}
	assert.Equal(t, []string{first, ids[8], ids[5], ids[3]}, order)
}

func TestScheduler_RetryBackoff(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxRetries = 3
	cfg.ExponentialBackoff = true
	cfg.Jobs = []JobSpec{{ID: "nightly", Kind: backup.KindFull, Schedule: "@every 1h"}}
	backups := &fakeBackups{err: errors.New("pg_basebackup: connection refused")}
	h := newHarness(t, cfg, backups, nil)

	retries := func() int { return len(h.events.ofType(events.JobRetryScheduled)) }

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return retries() == 1 }, waitFor, tick)

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return retries() == 2 }, waitFor, tick)

	h.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return retries() == 3 }, waitFor, tick)

	h.clock.Advance(4 * time.Minute)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(events.JobPermanentFailure)) == 1
	}, waitFor, tick)

	var delays []time.Duration
	for _, e := range h.events.ofType(events.JobRetryScheduled) {
		delays = append(delays, e.Delay)
	}
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}, delays)

	h.clock.Advance(10 * time.Minute)
	assert.Never(t, func() bool {
		calls, _ := backups.stats()
		return calls > 4
	}, 100*time.Millisecond, tick, "no fifth attempt after permanent failure")

	calls, _ := backups.stats()
	assert.Equal(t, 4, calls)
	assert.Zero(t, h.sched.Status().Jobs[0].RetryCount, "retry count resets after permanent failure")
}

func TestScheduler_SuccessResetsRetryCount(t *testing.T) {
	cfg := baseConfig()
	cfg.Jobs = []JobSpec{{ID: "wal", Kind: backup.KindIncremental, Schedule: "@every 15m"}}
	backups := &fakeBackups{err: errors.New("archive not ready")}
	h := newHarness(t, cfg, backups, nil)

	h.clock.Advance(15 * time.Minute)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(events.JobRetryScheduled)) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, h.sched.Status().Jobs[0].RetryCount)

	backups.setErr(nil)
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return h.sched.Status().Metrics.Completed == 1
	}, waitFor, tick)
	assert.Zero(t, h.sched.Status().Jobs[0].RetryCount)

	execs := h.reg.Executions(registry.ExecutionFilter{JobRef: "wal"})
	require.Len(t, execs, 2)
	assert.Equal(t, 2, execs[1].Attempt)
}

func TestScheduler_RetryDelay(t *testing.T) {
	tests := []struct {
		name        string
		exponential bool
		want        []time.Duration
	}{
		{"exponential", true, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}},
		{"fixed", false, []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.ExponentialBackoff = tt.exponential
			s, err := New(cfg, Dependencies{Backups: &fakeBackups{}})
			require.NoError(t, err)
			for i, want := range tt.want {
				assert.Equal(t, want, s.RetryDelay(i+1))
			}
		})
	}
}

func TestScheduler_ReentrancyGuard(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentBackups = 3
	cfg.Jobs = []JobSpec{{ID: "nightly", Kind: backup.KindFull, Schedule: "@every 1h"}}
	backups := &fakeBackups{gate: make(chan struct{})}
	h := newHarness(t, cfg, backups, nil)

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.sched.RunningCount() == 1 }, waitFor, tick)

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		return h.sched.Status().Jobs[0].NextRun.Equal(h.start.Add(3 * time.Hour))
	}, waitFor, tick)

	assert.Len(t, h.reg.Executions(registry.ExecutionFilter{JobRef: "nightly"}), 1, "tick while running must be a no-op")

	id, err := h.sched.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	require.NoError(t, err)
	manual, ok := h.reg.Execution(id)
	require.True(t, ok)
	assert.Equal(t, registry.ManualJobRef, manual.JobRef)
	assert.Equal(t, 2, h.sched.RunningCount())
}

func TestScheduler_LoadCheck(t *testing.T) {
	cfg := baseConfig()
	cfg.LoadCheck = true
	cfg.Jobs = []JobSpec{{ID: "nightly", Kind: backup.KindFull, Schedule: "@every 1h"}}
	backups := &fakeBackups{}
	h := newHarness(t, cfg, backups, loadcheck.Static{CPU: 95, Memory: 40, DiskIO: 10})

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(events.JobSkipped)) == 1
	}, waitFor, tick)
	skipped := h.events.ofType(events.JobSkipped)[0]
	assert.Contains(t, skipped.Reason, "cpu")
	assert.Empty(t, h.reg.Executions(registry.ExecutionFilter{}))
	assert.Empty(t, h.events.ofType(events.JobRetryScheduled), "a load skip is not a failure")

	_, err := h.sched.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	assert.ErrorIs(t, err, ErrSystemOverloaded)

	id, err := h.sched.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{SkipLoadCheck: true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestScheduler_BackupWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.BackupWindow = "01:00-02:00"
	cfg.Jobs = []JobSpec{{ID: "half-hourly", Kind: backup.KindIncremental, Schedule: "@every 30m"}}
	backups := &fakeBackups{}
	h := newHarness(t, cfg, backups, nil)

	h.clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool {
		return h.sched.Status().Jobs[0].NextRun.Equal(h.start.Add(time.Hour))
	}, waitFor, tick)
	calls, _ := backups.stats()
	assert.Zero(t, calls, "00:30 is outside the window")

	h.clock.Advance(30 * time.Minute)
	require.Eventually(t, func() bool {
		calls, _ := backups.stats()
		return calls == 1
	}, waitFor, tick)
}

func TestScheduler_Cancel(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentBackups = 1
	backups := &fakeBackups{gate: make(chan struct{})}
	h := newHarness(t, cfg, backups, nil)
	ctx := context.Background()

	running, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{})
	require.NoError(t, err)
	queued, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{})
	require.NoError(t, err)

	assert.True(t, h.sched.CancelBackup(queued))
	e, _ := h.reg.Execution(queued)
	assert.Equal(t, registry.ExecutionCancelled, e.Status)
	assert.Empty(t, h.sched.Status().Queue)

	assert.True(t, h.sched.CancelBackup(running))
	require.Eventually(t, func() bool {
		e, _ := h.reg.Execution(running)
		return e.Status == registry.ExecutionCancelled
	}, waitFor, tick)

	assert.False(t, h.sched.CancelBackup("does-not-exist"))
	assert.False(t, h.sched.CancelBackup(running), "terminal executions cannot be cancelled")
	assert.Equal(t, int64(0), h.sched.Status().Metrics.Failed, "cancellations are not failures")
}

func TestScheduler_ExecutionTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.ExecutionTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, &fakeBackups{gate: make(chan struct{})}, nil)

	id, err := h.sched.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, _ := h.reg.Execution(id)
		return e.Status == registry.ExecutionFailed
	}, waitFor, tick)
	e, _ := h.reg.Execution(id)
	assert.Contains(t, e.ErrorMessage, ErrExecutionTimeout.Error())
}

func TestScheduler_PauseResume(t *testing.T) {
	h := newHarness(t, baseConfig(), &fakeBackups{}, nil)

	h.sched.Pause()
	id, err := h.sched.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	require.NoError(t, err)
	assert.True(t, h.sched.Status().Paused)
	require.Len(t, h.sched.Status().Queue, 1)
	assert.Zero(t, h.sched.RunningCount())

	h.sched.Resume()
	require.Eventually(t, func() bool {
		e, _ := h.reg.Execution(id)
		return e.Status == registry.ExecutionCompleted
	}, waitFor, tick)
}

func TestScheduler_IdempotencyKey(t *testing.T) {
	backups := &fakeBackups{gate: make(chan struct{})}
	h := newHarness(t, baseConfig(), backups, nil)
	ctx := context.Background()

	a, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{IdempotencyKey: "pre-migration"})
	require.NoError(t, err)
	b, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{IdempotencyKey: "pre-migration"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "without a key duplicate triggers are independent")
}

func TestScheduler_IdempotencyKeyReleasedWhenTerminal(t *testing.T) {
	backups := &fakeBackups{gate: make(chan struct{})}
	h := newHarness(t, baseConfig(), backups, nil)
	ctx := context.Background()
	trackedKeys := func() int {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		return len(h.sched.keys)
	}

	first, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{IdempotencyKey: "nightly-manual"})
	require.NoError(t, err)
	assert.Equal(t, 1, trackedKeys())

	backups.gate <- struct{}{}
	require.Eventually(t, func() bool {
		e, _ := h.reg.Execution(first)
		return e.Status == registry.ExecutionCompleted
	}, waitFor, tick)
	require.Eventually(t, func() bool { return trackedKeys() == 0 }, waitFor, tick)

	second, err := h.sched.TriggerBackup(ctx, backup.KindFull, TriggerOptions{IdempotencyKey: "nightly-manual"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "a finished execution no longer holds its key")

	require.True(t, h.sched.CancelBackup(second))
	require.Eventually(t, func() bool { return trackedKeys() == 0 }, waitFor, tick)
}

func TestScheduler_RetryDueWhilePausedRunsOnResume(t *testing.T) {
	cfg := baseConfig()
	cfg.Jobs = []JobSpec{{ID: "nightly", Kind: backup.KindFull, Schedule: "@every 1h"}}
	backups := &fakeBackups{err: errors.New("pg_basebackup: connection refused")}
	h := newHarness(t, cfg, backups, nil)

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool {
		return len(h.events.ofType(events.JobRetryScheduled)) == 1
	}, waitFor, tick)

	h.sched.Pause()
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		h.sched.mu.Lock()
		defer h.sched.mu.Unlock()
		return h.sched.jobs["nightly"].retryDue
	}, waitFor, tick)
	calls, _ := backups.stats()
	assert.Equal(t, 1, calls, "no attempt while paused")
	assert.Equal(t, 1, h.sched.Status().Jobs[0].RetryCount)

	backups.setErr(nil)
	h.sched.Resume()
	require.Eventually(t, func() bool {
		return h.sched.Status().Metrics.Completed == 1
	}, waitFor, tick)
	assert.Zero(t, h.sched.Status().Jobs[0].RetryCount)

	execs := h.reg.Executions(registry.ExecutionFilter{JobRef: "nightly"})
	require.Len(t, execs, 2)
	assert.Equal(t, 2, execs[1].Attempt)
}

func TestScheduler_TriggerValidation(t *testing.T) {
	s, err := New(baseConfig(), Dependencies{Backups: &fakeBackups{}})
	require.NoError(t, err)

	_, err = s.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	assert.ErrorIs(t, err, ErrNotRunning)

	h := newHarness(t, baseConfig(), &fakeBackups{}, nil)
	_, err = h.sched.TriggerBackup(context.Background(), backup.Kind("differential"), TriggerOptions{})
	assert.Error(t, err)
}

func TestScheduler_DeactivatedJobDoesNotRun(t *testing.T) {
	cfg := baseConfig()
	cfg.Jobs = []JobSpec{{ID: "nightly", Kind: backup.KindFull, Schedule: "@every 1h"}}
	backups := &fakeBackups{}
	h := newHarness(t, cfg, backups, nil)

	require.NoError(t, h.sched.SetJobActive("nightly", false))
	h.clock.Advance(2 * time.Hour)
	assert.Never(t, func() bool {
		calls, _ := backups.stats()
		return calls > 0
	}, 100*time.Millisecond, tick)
	assert.False(t, h.sched.Status().Jobs[0].IsActive)

	assert.ErrorIs(t, h.sched.SetJobActive("missing", true), ErrUnknownJob)
}

func TestScheduler_StopCancelsWork(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentBackups = 1
	backups := &fakeBackups{gate: make(chan struct{})}
	reg := registry.New(nil, nil)
	s, err := New(cfg, Dependencies{Backups: backups, Registry: reg, Clock: testclock.NewClock(time.Now())})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	running, err := s.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	require.NoError(t, err)
	queued, err := s.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	require.NoError(t, err)

	s.Stop()
	for _, id := range []string{running, queued} {
		e, ok := reg.Execution(id)
		require.True(t, ok)
		assert.Equal(t, registry.ExecutionCancelled, e.Status)
	}
	_, err = s.TriggerBackup(context.Background(), backup.KindFull, TriggerOptions{})
	assert.ErrorIs(t, err, ErrNotRunning)
}
