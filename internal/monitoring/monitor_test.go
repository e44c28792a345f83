package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, cfg RulesConfig) (*Monitor, *PrometheusSink) {
	t.Helper()
	sink := NewPrometheusSink(testclock.NewClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), nil)
	m, err := NewMonitor(sink, cfg, nil)
	require.NoError(t, err)
	return m, sink
}

func rules(alerts []Alert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Rule + "/" + a.Subject
	}
	return out
}

func TestRulesConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RulesConfig
		wantErr bool
	}{
		{"defaults", DefaultRulesConfig(), false},
		{"zero window", RulesConfig{FailureRateMinimum: 1, FailureRateThreshold: 0.5}, true},
		{"minimum above window", RulesConfig{FailureRateWindow: 3, FailureRateMinimum: 4, FailureRateThreshold: 0.5}, true},
		{"threshold above one", RulesConfig{FailureRateWindow: 3, FailureRateMinimum: 1, FailureRateThreshold: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantErr {
				assert.Error(t, tt.cfg.Validate())
			} else {
				assert.NoError(t, tt.cfg.Validate())
			}
		})
	}
}

func TestMonitor_PermanentFailure(t *testing.T) {
	m, sink := newTestMonitor(t, RulesConfig{})

	m.Handle(events.Event{Type: events.JobPermanentFailure, Subject: "exec-3", JobID: "nightly", Kind: "full", Value: 4})
	m.Handle(events.Event{Type: events.JobPermanentFailure, Subject: "exec-4", JobID: "nightly", Kind: "full", Value: 4})

	active := sink.ActiveAlerts()
	require.Len(t, active, 1, "one alert per job")
	assert.Equal(t, SeverityCritical, active[0].Severity)
	assert.Contains(t, active[0].Message, "4 attempts")

	m.Handle(events.Event{Type: events.JobCompleted, Subject: "exec-5", JobID: "nightly", Kind: "full"})
	assert.Empty(t, sink.ActiveAlerts())
	require.Len(t, sink.ResolvedAlerts(), 1)
	assert.False(t, sink.ResolvedAlerts()[0].ResolvedAt.IsZero())
}

func TestMonitor_FailureRate(t *testing.T) {
	m, sink := newTestMonitor(t, RulesConfig{FailureRateWindow: 4, FailureRateMinimum: 3, FailureRateThreshold: 0.5})

	m.Handle(events.Event{Type: events.JobFailed, JobID: "a"})
	m.Handle(events.Event{Type: events.JobFailed, JobID: "a"})
	assert.Empty(t, sink.ActiveAlerts(), "below minimum sample size")

	m.Handle(events.Event{Type: events.JobCancelled, JobID: "a"})
	m.Handle(events.Event{Type: events.JobCancelled, JobID: "a"})
	_, n := m.FailureRate()
	assert.Equal(t, 2, n, "cancellations are not outcomes")

	m.Handle(events.Event{Type: events.JobCompleted, JobID: "a"})
	rate, _ := m.FailureRate()
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)
	assert.Equal(t, []string{RuleFailureRate + "/scheduler"}, rules(sink.ActiveAlerts()))

	m.Handle(events.Event{Type: events.JobCompleted, JobID: "a"})
	m.Handle(events.Event{Type: events.JobCompleted, JobID: "a"})
	rate, n = m.FailureRate()
	assert.Equal(t, 4, n)
	assert.Equal(t, 0.25, rate)
	assert.Empty(t, sink.ActiveAlerts())
}

func TestMonitor_RecoveryAndDisasterRules(t *testing.T) {
	m, sink := newTestMonitor(t, RulesConfig{})

	m.Handle(events.Event{Type: events.RecoveryFailed, Subject: "r-1", Kind: "pitr", Reason: "cancelled"})
	assert.Empty(t, sink.ActiveAlerts(), "cancellation is not a failure")

	m.Handle(events.Event{Type: events.RecoveryFailed, Subject: "r-2", Kind: "pitr", Phase: "recovering", Reason: "timeout"})
	m.Handle(events.Event{Type: events.ArtifactQuarantined, Subject: "art-9", Reason: "checksum mismatch"})
	m.Handle(events.Event{Type: events.DisasterDeclared, Subject: "d-1", Kind: "regional-outage", Severity: "critical"})
	m.Handle(events.Event{Type: events.FailoverFailed, Subject: "fo-dry", Region: "a", Attrs: map[string]string{"dry_run": "true"}})
	m.Handle(events.Event{Type: events.RTOBreached, Subject: "d-1", Reason: "recovery took 20m0s"})

	active := sink.ActiveAlerts()
	assert.ElementsMatch(t, []string{
		RuleRecoveryFailed + "/r-2",
		RuleArtifactQuarantined + "/art-9",
		RuleDisasterActive + "/d-1",
		RuleFailoverFailed + "/fo-dry",
		RuleRTOBreached + "/d-1",
	}, rules(active))
	for _, a := range active {
		if a.Rule == RuleFailoverFailed {
			assert.Equal(t, SeverityWarning, a.Severity, "drills only warn")
		}
	}

	m.Handle(events.Event{Type: events.DisasterResolved, Subject: "d-1"})
	assert.NotContains(t, rules(sink.ActiveAlerts()), RuleDisasterActive+"/d-1")
}

func TestMonitor_RegionAndDRTest(t *testing.T) {
	m, sink := newTestMonitor(t, RulesConfig{})

	m.Handle(events.Event{Type: events.RegionHealth, Region: "eu", Reason: "failed", Error: "connection refused", Value: 0.3})
	m.Handle(events.Event{Type: events.DRTestCompleted, Subject: "t-1", Kind: "full", Attrs: map[string]string{"success": "false"}})
	assert.ElementsMatch(t, []string{RuleRegionDown + "/eu", RuleDRTestFailed + "/full"}, rules(sink.ActiveAlerts()))

	m.Handle(events.Event{Type: events.RegionHealth, Region: "eu", Reason: "healthy"})
	m.Handle(events.Event{Type: events.DRTestCompleted, Subject: "t-2", Kind: "full", Attrs: map[string]string{"success": "true"}})
	assert.Empty(t, sink.ActiveAlerts())
}

func TestMonitor_Run(t *testing.T) {
	m, sink := newTestMonitor(t, RulesConfig{})
	bus := events.NewBus(10, nil)
	ch, unsubscribe := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ch)
	}()

	bus.Publish(events.Event{Type: events.DisasterDeclared, Subject: "d-7"})
	require.Eventually(t, func() bool { return len(sink.ActiveAlerts()) == 1 }, time.Second, 10*time.Millisecond)
	unsubscribe()
	<-done
}

func TestPrometheusSink_Exposition(t *testing.T) {
	m, sink := newTestMonitor(t, RulesConfig{})
	m.Handle(events.Event{Type: events.JobCompleted, JobID: "nightly", Kind: "full", Duration: 90 * time.Second, Value: 2048})
	m.Handle(events.Event{Type: events.RegionHealth, Region: "eu", Reason: "degraded", Value: 0.42})
	m.Handle(events.Event{Type: events.FailoverCompleted, Region: "eu", Duration: 4 * time.Minute, Attrs: map[string]string{"dry_run": "false"}})
	sink.RecordMetric("custom metric!", 3, map[string]string{"a": "1"})

	srv := httptest.NewServer(sink.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `warden_events_total{type="job.completed"} 1`)
	assert.Contains(t, text, `warden_backup_bytes_total{kind="full"} 2048`)
	assert.Contains(t, text, `warden_backup_duration_seconds_count{kind="full",status="completed"} 1`)
	assert.Contains(t, text, `warden_region_utilization{region="eu"} 0.42`)
	assert.Contains(t, text, `warden_failover_rto_seconds{region="eu"} 240`)
	assert.Contains(t, text, `warden_custom_metric_{a="1"} 3`)
}
