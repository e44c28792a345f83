package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/crypto"
	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRestore struct {
	mu          sync.Mutex
	calls       []string
	fail        map[string]error
	block       map[string]bool
	basePath    string
	baseContent []byte
	directive   Directive
	selection   Selection
	promoted    *Selection
	restored    int
	report      ConsistencyReport
}

func newFakeRestore() *fakeRestore {
	return &fakeRestore{
		fail:     map[string]error{},
		block:    map[string]bool{},
		restored: 7,
		report:   ConsistencyReport{Databases: 3, ProbeLatency: time.Millisecond},
	}
}

func (f *fakeRestore) call(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	err, block := f.fail[name], f.block[name]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeRestore) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeRestore) RequiredTools() []string { return []string{"pg_ctl", "tar"} }

func (f *fakeRestore) FetchBaseBackup(ctx context.Context, artifactPath, dataDir string) error {
	f.mu.Lock()
	f.basePath = artifactPath
	f.baseContent, _ = os.ReadFile(artifactPath)
	f.mu.Unlock()
	return f.call(ctx, "FetchBaseBackup")
}

func (f *fakeRestore) ApplyLogSegments(ctx context.Context, dataDir string, d Directive) error {
	f.mu.Lock()
	f.directive = d
	f.mu.Unlock()
	return f.call(ctx, "ApplyLogSegments")
}

func (f *fakeRestore) StartInstance(ctx context.Context, dataDir string) error {
	return f.call(ctx, "StartInstance")
}

func (f *fakeRestore) StopInstance(ctx context.Context, dataDir string) error {
	return f.call(ctx, "StopInstance")
}

func (f *fakeRestore) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	if err := f.call(ctx, "CheckConsistency"); err != nil {
		return nil, err
	}
	r := f.report
	return &r, nil
}

func (f *fakeRestore) RestoreSelective(ctx context.Context, artifactPath string, sel Selection) (int, error) {
	f.mu.Lock()
	f.selection = sel
	f.mu.Unlock()
	if err := f.call(ctx, "RestoreSelective"); err != nil {
		return 0, err
	}
	return f.restored, nil
}

func (f *fakeRestore) PromoteSelective(ctx context.Context, sel Selection) error {
	f.mu.Lock()
	f.promoted = &sel
	f.mu.Unlock()
	return f.call(ctx, "PromoteSelective")
}

type fakeKV struct {
	mu       sync.Mutex
	restored string
	keys     int64
	err      error
}

func (f *fakeKV) RestoreSnapshot(ctx context.Context, artifactPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = artifactPath
	return f.err
}

func (f *fakeKV) KeyCount(ctx context.Context) (int64, error) { return f.keys, nil }

type fakeServices struct {
	mu        sync.Mutex
	restarted []string
}

func (f *fakeServices) Restart(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, service)
	return nil
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
	orch     *Orchestrator
	catalog  *backup.Catalog
	restore  *fakeRestore
	kv       *fakeKV
	services *fakeServices
	runner   *process.Fake
	events   *recorder
	workDir  string
	dir      string
	base     time.Time
}

func writeArtifact(t *testing.T, dir, id string, kind backup.Kind, ts time.Time) *backup.Artifact {
	t.Helper()
	path := filepath.Join(dir, id)
	require.NoError(t, os.WriteFile(path, []byte("payload "+id), 0600))
	sum, size, err := backup.FileChecksum(path)
	require.NoError(t, err)
	_, err = backup.WriteChecksumFile(path, sum)
	require.NoError(t, err)
	return &backup.Artifact{
		ID: id, Store: kind.Store(), Kind: kind, Location: path,
		Timestamp: ts, Checksum: sum, SizeBytes: size, Metadata: map[string]string{},
	}
}

func newEnv(t *testing.T, mutate func(*Config, *Dependencies)) *env {
	t.Helper()
	e := &env{
		catalog:  backup.NewCatalog(nil),
		restore:  newFakeRestore(),
		kv:       &fakeKV{keys: 42},
		services: &fakeServices{},
		runner:   process.NewFake(),
		events:   &recorder{},
		workDir:  filepath.Join(t.TempDir(), "work"),
		dir:      t.TempDir(),
		base:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	for _, a := range []struct {
		id   string
		kind backup.Kind
		at   time.Duration
	}{
		{"t1", backup.KindFull, 0},
		{"t2", backup.KindFull, 2 * time.Hour},
		{"t3", backup.KindFull, 4 * time.Hour},
		{"wal-1", backup.KindIncremental, 150 * time.Minute},
		{"wal-2", backup.KindIncremental, 170 * time.Minute},
		{"wal-3", backup.KindIncremental, 250 * time.Minute},
		{"rdb-1", backup.KindFullSecondary, 2 * time.Hour},
		{"snap-1", backup.KindSnapshotPrimary, 3 * time.Hour},
	} {
		art := writeArtifact(t, e.dir, a.id, a.kind, e.base.Add(a.at))
		if a.kind == backup.KindIncremental {
			art.Metadata["segment"] = "0000000100000000000000" + a.id[len(a.id)-1:] + "0"
		}
		if a.kind == backup.KindFullSecondary {
			art.Metadata["keys"] = "42"
		}
		e.catalog.Record(art)
	}

	cfg := Config{WorkDir: e.workDir, PhaseTimeout: 5 * time.Second}
	deps := Dependencies{
		Catalog:   e.catalog,
		Primary:   e.restore,
		Secondary: e.kv,
		Services:  e.services,
		Runner:    e.runner,
		Events:    e.events,
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	orch, err := New(cfg, deps)
	require.NoError(t, err)
	e.orch = orch
	return e
}

func (e *env) workspace(id string) string { return filepath.Join(e.workDir, id) }

func TestPITR_SelectsLatestBackupBeforeTarget(t *testing.T) {
	e := newEnv(t, nil)
	target := e.base.Add(160 * time.Minute)

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: target, Verify: true})
	require.NoError(t, err)

	assert.Equal(t, registry.RecoveryCompleted, job.Status)
	assert.Equal(t, 100, job.Progress.Percentage)
	assert.Equal(t, "t2", job.BackupSource)
	assert.Equal(t, []string{"t2", "wal-1", "wal-2"}, job.ArtifactRefs)
	assert.Equal(t, 3, job.Result.RecoveredCount)
	assert.Equal(t, filepath.Join(e.dir, "t2"), e.restore.basePath)
	assert.Equal(t, target, e.restore.directive.TargetTime)
	assert.True(t, e.restore.called("CheckConsistency"))

	ws := e.workspace(job.ID)
	assert.Equal(t, ws, job.WorkDir)
	conf, err := os.ReadFile(filepath.Join(ws, DirectiveFile))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "recovery_target_time = '2024-03-01 02:40:00.000000+00'")

	segs, err := os.ReadDir(filepath.Join(ws, "wal"))
	require.NoError(t, err)
	assert.Len(t, segs, 2)
	_, err = os.Stat(filepath.Join(ws, "fetch"))
	assert.True(t, os.IsNotExist(err), "staging files are removed after success")
}

func TestPITR_ProgressNeverDecreases(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base.Add(3 * time.Hour), Verify: true})
	require.NoError(t, err)

	changes := e.events.ofType(events.RecoveryPhaseChanged)
	require.Len(t, changes, 3)
	var phases []string
	last := -1.0
	for _, c := range changes {
		assert.GreaterOrEqual(t, c.Value, last)
		last = c.Value
		phases = append(phases, c.Phase)
	}
	assert.Equal(t, []string{PhasePreparing, PhaseRecovering, PhaseValidating}, phases)
	assert.Len(t, e.events.ofType(events.RecoveryCompleted), 1)
}

func TestPITR_NoEligibleBackup(t *testing.T) {
	e := newEnv(t, nil)

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base.Add(-time.Hour)})
	require.ErrorIs(t, err, ErrNoEligibleBackup)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseRecovering, pe.Phase)
	assert.Equal(t, registry.RecoveryFailed, job.Status)
	assert.NotEmpty(t, job.Result.Errors)
	assert.False(t, e.restore.called("FetchBaseBackup"))

	_, statErr := os.Stat(e.workspace(job.ID))
	assert.True(t, os.IsNotExist(statErr), "workspace is cleaned up")
}

func TestPITR_NamedBackup(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	job, err := e.orch.PerformPITR(ctx, PITRRequest{TargetTime: e.base.Add(3 * time.Hour), BackupName: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", job.BackupSource)

	_, err = e.orch.PerformPITR(ctx, PITRRequest{TargetTime: e.base.Add(3 * time.Hour), BackupName: "t3"})
	assert.ErrorIs(t, err, ErrNoEligibleBackup, "base taken after the target")

	_, err = e.orch.PerformPITR(ctx, PITRRequest{TargetTime: e.base.Add(3 * time.Hour), BackupName: "wal-1"})
	assert.ErrorIs(t, err, ErrNoEligibleBackup, "segments are not bases")
}

func TestPITR_DryRun(t *testing.T) {
	e := newEnv(t, nil)

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{
		TargetTime: e.base.Add(160 * time.Minute),
		DryRun:     true,
		Verify:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, registry.RecoveryCompleted, job.Status)
	assert.Equal(t, 100, job.Progress.Percentage)
	assert.True(t, job.DryRun)
	assert.Equal(t, "t2", job.BackupSource)
	assert.Empty(t, job.WorkDir)
	assert.Empty(t, e.restore.calls, "a dry run touches nothing")

	_, statErr := os.Stat(e.workspace(job.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPITR_ToolMissingIsFatalPreflight(t *testing.T) {
	e := newEnv(t, nil)
	e.runner.Missing("pg_ctl")

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base.Add(time.Hour)})
	require.ErrorIs(t, err, ErrToolMissing)
	assert.Nil(t, job)
	assert.Contains(t, err.Error(), "pg_ctl")
	assert.Empty(t, e.orch.Jobs(), "the job never starts")
}

func TestPITR_InvalidRequest(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.orch.PerformPITR(context.Background(), PITRRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base, TargetLSN: "0/16B3748", TargetXID: "42"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPITR_MidPhaseFailureCleansUp(t *testing.T) {
	e := newEnv(t, nil)
	startErr := errors.New("pg_ctl: could not start server")
	e.restore.fail["StartInstance"] = startErr

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base.Add(3 * time.Hour), Verify: true})
	require.ErrorIs(t, err, startErr)

	assert.Equal(t, registry.RecoveryFailed, job.Status)
	assert.Contains(t, job.FailureReason, "could not start server")
	assert.Equal(t, PhaseFailed, job.Progress.CurrentPhase)
	assert.True(t, e.restore.called("StopInstance"))
	assert.False(t, e.restore.called("CheckConsistency"), "later phases never run")

	_, statErr := os.Stat(e.workspace(job.ID))
	assert.True(t, os.IsNotExist(statErr))
	assert.Len(t, e.events.ofType(events.RecoveryFailed), 1)
}

func TestPITR_IntegrityFailureQuarantines(t *testing.T) {
	e := newEnv(t, nil)
	t2, _ := e.catalog.Get("t2")
	_, err := backup.WriteChecksumFile(t2.Location, "deadbeef")
	require.NoError(t, err)
	target := e.base.Add(160 * time.Minute)

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: target, Verify: true})
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, registry.RecoveryFailed, job.Status)

	_, quarantined := e.catalog.IsQuarantined("t2")
	assert.True(t, quarantined)
	require.Len(t, e.events.ofType(events.ArtifactQuarantined), 1)

	next, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: target})
	require.NoError(t, err)
	assert.Equal(t, "t1", next.BackupSource, "quarantined artifacts are never selected")
}

func TestPITR_EncryptedArtifact(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	enc, err := crypto.NewFileProvider(crypto.ProviderConfig{Key: key})
	require.NoError(t, err)

	e := newEnv(t, func(_ *Config, d *Dependencies) { d.Encryption = enc })

	plain := filepath.Join(e.dir, "sealed-base")
	require.NoError(t, os.WriteFile(plain, []byte("base backup bytes"), 0600))
	res, err := enc.Encrypt(plain)
	require.NoError(t, err)
	sum, _, err := backup.FileChecksum(res.Path)
	require.NoError(t, err)
	_, err = backup.WriteChecksumFile(res.Path, sum)
	require.NoError(t, err)
	e.catalog.Record(&backup.Artifact{
		ID: "sealed", Store: backup.StorePrimary, Kind: backup.KindFull,
		Location: res.Path, Timestamp: e.base.Add(5 * time.Hour), Encrypted: true,
	})

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base.Add(6 * time.Hour), Verify: true})
	require.NoError(t, err)
	assert.Equal(t, "sealed", job.BackupSource)
	assert.Equal(t, "base backup bytes", string(e.restore.baseContent))
	assert.Equal(t, filepath.Join(e.workspace(job.ID), "fetch"), filepath.Dir(e.restore.basePath),
		"decryption happens inside the workspace")
}

func TestCancel(t *testing.T) {
	e := newEnv(t, nil)
	e.restore.block["FetchBaseBackup"] = true

	id, err := e.orch.Submit(context.Background(), PITRRequest{TargetTime: e.base.Add(3 * time.Hour)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.restore.called("FetchBaseBackup") }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.orch.Cancel(id))
	e.orch.Wait()

	job, ok := e.orch.Job(id)
	require.True(t, ok)
	assert.Equal(t, registry.RecoveryFailed, job.Status)
	assert.Equal(t, CancelledReason, job.FailureReason)

	_, statErr := os.Stat(e.workspace(id))
	assert.True(t, os.IsNotExist(statErr), "scratch workspace is removed")
	assert.False(t, e.orch.Cancel(id), "terminal jobs cannot be cancelled")
	assert.False(t, e.orch.Cancel("missing"))
}

func TestPhaseTimeout(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Dependencies) { c.PhaseTimeout = 30 * time.Millisecond })
	e.restore.block["FetchBaseBackup"] = true

	job, err := e.orch.PerformPITR(context.Background(), PITRRequest{TargetTime: e.base.Add(3 * time.Hour)})
	require.ErrorIs(t, err, ErrPhaseTimeout)
	assert.Equal(t, registry.RecoveryFailed, job.Status)
	assert.NotEqual(t, CancelledReason, job.FailureReason)
}

func TestParallelWorkersAreBounded(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Dependencies) { c.MaxParallelWorkers = 1 })
	e.restore.block["FetchBaseBackup"] = true
	ctx := context.Background()

	first, err := e.orch.Submit(ctx, PITRRequest{TargetTime: e.base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.restore.called("FetchBaseBackup") }, 2*time.Second, 5*time.Millisecond)

	second, err := e.orch.Submit(ctx, PITRRequest{TargetTime: e.base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Never(t, func() bool {
		j, _ := e.orch.Job(second)
		return j.Status != registry.RecoveryPending
	}, 50*time.Millisecond, 5*time.Millisecond)

	e.orch.Cancel(first)
	require.Eventually(t, func() bool {
		j, _ := e.orch.Job(second)
		return j.Status == registry.RecoveryRecovering
	}, 2*time.Second, 5*time.Millisecond)
	e.orch.Cancel(second)
	e.orch.Wait()
}

func TestFullSystemRecovery(t *testing.T) {
	t.Run("restores both stores and restarts services", func(t *testing.T) {
		e := newEnv(t, nil)
		job, err := e.orch.PerformFullSystemRecovery(context.Background(), FullSystemRequest{
			TargetTime: e.base.Add(160 * time.Minute),
			Services:   []string{"api", "worker"},
		})
		require.NoError(t, err)

		assert.Equal(t, registry.RecoveryCompleted, job.Status)
		assert.Equal(t, registry.DataStoreFullSystem, job.DataStore)
		assert.Equal(t, []string{"t2", "wal-1", "wal-2", "rdb-1"}, job.ArtifactRefs)
		assert.Equal(t, 4, job.Result.RecoveredCount)
		assert.Equal(t, filepath.Join(e.dir, "rdb-1"), e.kv.restored)
		assert.Equal(t, []string{"api", "worker"}, e.services.restarted)
		assert.Empty(t, job.Result.Warnings)
	})

	t.Run("secondary failure aborts remaining phases", func(t *testing.T) {
		e := newEnv(t, nil)
		e.kv.err = errors.New("redis did not come back")

		job, err := e.orch.PerformFullSystemRecovery(context.Background(), FullSystemRequest{
			TargetTime: e.base.Add(3 * time.Hour),
			Services:   []string{"api"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secondary store")
		assert.Equal(t, registry.RecoveryFailed, job.Status)
		assert.Empty(t, e.services.restarted)
		assert.True(t, e.restore.called("StopInstance"), "the recovered primary is stopped")
	})

	t.Run("empty secondary is an integrity failure", func(t *testing.T) {
		e := newEnv(t, nil)
		e.kv.keys = 0

		_, err := e.orch.PerformFullSystemRecovery(context.Background(), FullSystemRequest{TargetTime: e.base.Add(3 * time.Hour)})
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("requires a key-value restorer", func(t *testing.T) {
		e := newEnv(t, func(_ *Config, d *Dependencies) { d.Secondary = nil })
		_, err := e.orch.PerformFullSystemRecovery(context.Background(), FullSystemRequest{TargetTime: e.base.Add(3 * time.Hour)})
		assert.ErrorIs(t, err, ErrToolMissing)
	})
}

func TestSelectiveRecoveryAndPromote(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := SelectiveRequest{
		TargetTime:     e.base.Add(5 * time.Hour),
		Include:        []string{"public.orders", "public.customers"},
		Exclude:        []string{"public.audit_log"},
		TargetDatabase: "orders_restore",
	}

	job, err := e.orch.PerformSelectiveRecovery(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, registry.RecoveryCompleted, job.Status)
	assert.Equal(t, "snap-1", job.BackupSource)
	assert.Equal(t, 7, job.Result.RecoveredCount)
	assert.Equal(t, req.selection(), e.restore.selection)
	assert.False(t, e.restore.called("PromoteSelective"), "promotion is a separate operation")

	_, statErr := os.Stat(e.workspace(job.ID))
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, e.orch.Promote(ctx, job.ID))
	require.NotNil(t, e.restore.promoted)
	assert.Equal(t, "orders_restore", e.restore.promoted.TargetDatabase)
	promoted, _ := e.orch.Job(job.ID)
	assert.True(t, promoted.Promoted)

	assert.ErrorIs(t, e.orch.Promote(ctx, job.ID), ErrNotPromotable)
	assert.ErrorIs(t, e.orch.Promote(ctx, "missing"), ErrJobNotFound)

	pitr, err := e.orch.PerformPITR(ctx, PITRRequest{TargetTime: e.base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.ErrorIs(t, e.orch.Promote(ctx, pitr.ID), ErrNotPromotable)
}

func TestSelectiveRequest_Validate(t *testing.T) {
	tests := []struct {
		name string
		req  SelectiveRequest
	}{
		{"no scope", SelectiveRequest{TargetTime: time.Now(), TargetDatabase: "scratch"}},
		{"no target database", SelectiveRequest{TargetTime: time.Now(), Include: []string{"a"}}},
		{"overlap", SelectiveRequest{TargetTime: time.Now(), Include: []string{"a"}, Exclude: []string{"a"}, TargetDatabase: "scratch"}},
		{"no time or name", SelectiveRequest{Include: []string{"a"}, TargetDatabase: "scratch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.req.Validate(), ErrInvalidRequest)
		})
	}
}

func TestValidate(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	job, err := e.orch.PerformPITR(ctx, PITRRequest{TargetTime: e.base.Add(160 * time.Minute)})
	require.NoError(t, err)

	out, err := e.orch.Validate(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, out.IsValid)
	assert.Equal(t, string(backup.RiskLow), out.RiskLevel)
	assert.InDelta(t, 1.0, out.Confidence, 0.001)

	wal, _ := e.catalog.Get("wal-1")
	_, err = backup.WriteChecksumFile(wal.Location, "deadbeef")
	require.NoError(t, err)

	out, err = e.orch.Validate(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, out.IsValid)
	assert.Equal(t, string(backup.RiskCritical), out.RiskLevel)
	assert.Equal(t, []string{"wal-1"}, out.Quarantined)
	_, quarantined := e.catalog.IsQuarantined("wal-1")
	assert.True(t, quarantined)

	_, err = e.orch.Validate(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListRecoveryPoints(t *testing.T) {
	e := newEnv(t, nil)

	points := e.orch.ListRecoveryPoints(TimeRange{From: e.base.Add(time.Hour), To: e.base.Add(3 * time.Hour)})
	ids := make([]string, 0, len(points))
	for _, p := range points {
		ids = append(ids, p.ArtifactID)
	}
	assert.ElementsMatch(t, []string{"t2", "wal-1", "wal-2", "rdb-1", "snap-1"}, ids)
	assert.Len(t, e.orch.ListRecoveryPoints(TimeRange{}), 8)
}

func TestDirective_Render(t *testing.T) {
	target := time.Date(2024, 3, 1, 2, 40, 0, 0, time.FixedZone("CET", 3600))

	t.Run("time target", func(t *testing.T) {
		out := NewDirective("/work/wal", target, "", "").Render()
		assert.Contains(t, out, "restore_command = 'cp /work/wal/%f %p'")
		assert.Contains(t, out, "recovery_target_time = '2024-03-01 01:40:00.000000+00'")
		assert.Contains(t, out, "recovery_target_action = 'promote'")
		assert.NotContains(t, out, "recovery_target_inclusive")
	})

	t.Run("lsn wins over time", func(t *testing.T) {
		out := NewDirective("/w", target, "0/16B3748", "").Render()
		assert.Contains(t, out, "recovery_target_lsn = '0/16B3748'")
		assert.NotContains(t, out, "recovery_target_time")
	})

	t.Run("xid target", func(t *testing.T) {
		d := NewDirective("/w", target, "", "9001")
		d.Inclusive = false
		d.TargetAction = ActionPause
		out := d.Render()
		assert.Contains(t, out, "recovery_target_xid = '9001'")
		assert.Contains(t, out, "recovery_target_inclusive = 'false'")
		assert.Contains(t, out, "recovery_target_action = 'pause'")
	})
}
