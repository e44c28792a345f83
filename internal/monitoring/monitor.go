package monitoring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/recovery"
	"go.uber.org/zap"
)

// Alert rules raised by the monitor.
const (
	RulePermanentFailure    = "backup-permanent-failure"
	RuleFailureRate         = "backup-failure-rate"
	RuleRecoveryFailed      = "recovery-failed"
	RuleArtifactQuarantined = "artifact-quarantined"
	RuleDisasterActive      = "disaster-active"
	RuleFailoverFailed      = "failover-failed"
	RuleRTOBreached         = "rto-breached"
	RuleRegionDown          = "region-down"
	RuleDRTestFailed        = "drtest-failed"
)

// failureRateSubject is the subject of the scheduler-wide failure-rate alert.
const failureRateSubject = "scheduler"

// Observer receives every event before the alert rules run.
type Observer interface {
	Observe(events.Event)
}

// RulesConfig configures the backup failure-rate rule.
type RulesConfig struct {
	FailureRateWindow    int     `yaml:"failure_rate_window"`
	FailureRateMinimum   int     `yaml:"failure_rate_minimum"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
}

// DefaultRulesConfig returns sensible defaults
func DefaultRulesConfig() RulesConfig {
	return RulesConfig{
		FailureRateWindow:    20,
		FailureRateMinimum:   5,
		FailureRateThreshold: 0.5,
	}
}

// ApplyDefaults fills in default values
func (c *RulesConfig) ApplyDefaults() {
	d := DefaultRulesConfig()
	if c.FailureRateWindow == 0 {
		c.FailureRateWindow = d.FailureRateWindow
	}
	if c.FailureRateMinimum == 0 {
		c.FailureRateMinimum = d.FailureRateMinimum
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
}

// Validate checks configuration
func (c RulesConfig) Validate() error {
	if c.FailureRateWindow <= 0 {
		return errors.New("monitoring: failure rate window must be positive")
	}
	if c.FailureRateMinimum <= 0 || c.FailureRateMinimum > c.FailureRateWindow {
		return fmt.Errorf("monitoring: failure rate minimum must be in 1..%d", c.FailureRateWindow)
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return errors.New("monitoring: failure rate threshold must be in (0,1]")
	}
	return nil
}

// Monitor consumes lifecycle events, records metrics and raises or clears
// alerts on its sink.
type Monitor struct {
	sink   Sink
	cfg    RulesConfig
	logger *zap.Logger

	mu       sync.Mutex
	outcomes []bool
}

// NewMonitor creates a monitor writing to sink.
func NewMonitor(sink Sink, cfg RulesConfig, logger *zap.Logger) (*Monitor, error) {
	if sink == nil {
		return nil, errors.New("monitoring: sink is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{sink: sink, cfg: cfg, logger: logger.Named("monitor")}, nil
}

// Run handles events until the channel closes.
func (m *Monitor) Run(ch <-chan events.Event) {
	for e := range ch {
		m.Handle(e)
	}
}

// FailureRate reports the failed share of the recent backup outcomes and
// how many outcomes it is based on.
func (m *Monitor) FailureRate() (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureRateLocked()
}

func (m *Monitor) failureRateLocked() (float64, int) {
	if len(m.outcomes) == 0 {
		return 0, 0
	}
	failed := 0
	for _, f := range m.outcomes {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(m.outcomes)), len(m.outcomes)
}

// Handle applies one event.
func (m *Monitor) Handle(e events.Event) {
	if o, ok := m.sink.(Observer); ok {
		o.Observe(e)
	}

	switch e.Type {
	case events.JobCompleted:
		m.resolve(RulePermanentFailure, e.JobID)
		m.recordOutcome(false)
	case events.JobFailed:
		m.recordOutcome(true)
	case events.JobRetryScheduled:
		m.sink.RecordMetric("backup_retry_count", e.Value, map[string]string{"job": e.JobID})
	case events.JobPermanentFailure:
		m.sink.RecordMetric("backup_retry_count", 0, map[string]string{"job": e.JobID})
		m.sink.RaiseAlert(Alert{
			Rule:     RulePermanentFailure,
			Severity: SeverityCritical,
			Subject:  e.JobID,
			Message:  fmt.Sprintf("backup job %s failed after %.0f attempts", e.JobID, e.Value),
			Labels:   map[string]string{"kind": e.Kind, "execution": e.Subject},
		})

	case events.RecoveryFailed:
		if e.Reason == recovery.CancelledReason {
			return
		}
		m.sink.RaiseAlert(Alert{
			Rule:     RuleRecoveryFailed,
			Severity: SeverityCritical,
			Subject:  e.Subject,
			Message:  fmt.Sprintf("%s recovery failed in %s: %s", e.Kind, e.Phase, e.Reason),
			Labels:   map[string]string{"method": e.Kind, "phase": e.Phase},
		})
	case events.ArtifactQuarantined:
		m.sink.RaiseAlert(Alert{
			Rule:     RuleArtifactQuarantined,
			Severity: SeverityCritical,
			Subject:  e.Subject,
			Message:  "artifact quarantined: " + e.Reason,
		})

	case events.DisasterDeclared:
		m.sink.RaiseAlert(Alert{
			Rule:     RuleDisasterActive,
			Severity: SeverityCritical,
			Subject:  e.Subject,
			Message:  fmt.Sprintf("%s disaster declared (%s)", e.Severity, e.Kind),
			Labels:   map[string]string{"kind": e.Kind, "severity": e.Severity},
		})
	case events.DisasterResolved:
		m.resolve(RuleDisasterActive, e.Subject)
	case events.FailoverFailed:
		severity := SeverityCritical
		if e.Attrs["dry_run"] == "true" {
			severity = SeverityWarning
		}
		m.sink.RaiseAlert(Alert{
			Rule:     RuleFailoverFailed,
			Severity: severity,
			Subject:  e.Subject,
			Message:  fmt.Sprintf("failover to %s failed: %s", e.Region, e.Error),
			Labels:   map[string]string{"region": e.Region},
		})
	case events.FailoverCompleted:
		if e.Attrs["dry_run"] != "true" {
			m.sink.RecordMetric("failover_rto_seconds", e.Duration.Seconds(), map[string]string{"region": e.Region})
		}
	case events.RTOBreached:
		m.sink.RaiseAlert(Alert{
			Rule:     RuleRTOBreached,
			Severity: SeverityCritical,
			Subject:  e.Subject,
			Message:  e.Reason,
		})

	case events.RegionHealth:
		m.sink.RecordMetric("region_utilization", e.Value, map[string]string{"region": e.Region})
		switch e.Reason {
		case "failed":
			m.sink.RaiseAlert(Alert{
				Rule:     RuleRegionDown,
				Severity: SeverityWarning,
				Subject:  e.Region,
				Message:  fmt.Sprintf("region %s failed health checks: %s", e.Region, e.Error),
			})
		case "healthy":
			m.resolve(RuleRegionDown, e.Region)
		}
	case events.DRTestCompleted:
		m.sink.RecordMetric("drtest_achieved_rto_seconds", e.Duration.Seconds(), map[string]string{"kind": e.Kind})
		if e.Attrs["success"] == "true" {
			m.resolve(RuleDRTestFailed, e.Kind)
			return
		}
		m.sink.RaiseAlert(Alert{
			Rule:     RuleDRTestFailed,
			Severity: SeverityWarning,
			Subject:  e.Kind,
			Message:  fmt.Sprintf("%s DR test %s failed: %s", e.Kind, e.Subject, e.Reason),
		})
	}
}

// recordOutcome tracks completed and failed backups. Cancelled executions
// never reach it.
func (m *Monitor) recordOutcome(failed bool) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, failed)
	if len(m.outcomes) > m.cfg.FailureRateWindow {
		m.outcomes = m.outcomes[len(m.outcomes)-m.cfg.FailureRateWindow:]
	}
	rate, n := m.failureRateLocked()
	m.mu.Unlock()

	m.sink.RecordMetric("backup_failure_rate", rate, nil)
	if n < m.cfg.FailureRateMinimum {
		return
	}
	if rate >= m.cfg.FailureRateThreshold {
		m.sink.RaiseAlert(Alert{
			Rule:     RuleFailureRate,
			Severity: SeverityWarning,
			Subject:  failureRateSubject,
			Message:  fmt.Sprintf("%.0f%% of the last %d backups failed", rate*100, n),
		})
		return
	}
	m.resolve(RuleFailureRate, failureRateSubject)
}

func (m *Monitor) resolve(rule, subject string) {
	if err := m.sink.ResolveAlert(rule, subject); err != nil && !errors.Is(err, ErrAlertNotFound) {
		m.logger.Warn("could not resolve alert", zap.String("rule", rule), zap.String("subject", subject), zap.Error(err))
	}
}
