package monitoring

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/FairForge/warden/internal/events"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "warden"

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

type gauge struct {
	vec    *prometheus.GaugeVec
	labels []string
}

// PrometheusSink keeps metrics on a private registry and holds the set of
// active alerts in memory.
type PrometheusSink struct {
	registry *prometheus.Registry
	clock    clock.Clock
	logger   *zap.Logger

	events       *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	backupBytes  *prometheus.CounterVec
	recoveryTime *prometheus.HistogramVec
	failoverTime *prometheus.HistogramVec
	alertsRaised *prometheus.CounterVec
	alertsActive *prometheus.GaugeVec

	mu      sync.RWMutex
	gauges  map[string]*gauge
	alerts  map[string]Alert
	history []Alert
}

// NewPrometheusSink creates a sink with its own registry.
func NewPrometheusSink(clk clock.Clock, logger *zap.Logger) *PrometheusSink {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		clock:    clk,
		logger:   logger.Named("monitoring"),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events by type",
		}, []string{"type"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Backup execution duration",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind", "status"}),
		backupBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_bytes_total",
			Help:      "Bytes written by completed backups",
		}, []string{"kind"}),
		recoveryTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Recovery job duration",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"method"}),
		failoverTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "failover_duration_seconds",
			Help:      "Failover duration from declaration to completion",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"status"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Alerts raised by rule",
		}, []string{"rule", "severity"}),
		alertsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Currently active alerts",
		}, []string{"severity"}),
		gauges: make(map[string]*gauge),
		alerts: make(map[string]Alert),
	}
	s.registry.MustRegister(
		s.events,
		s.jobDuration,
		s.backupBytes,
		s.recoveryTime,
		s.failoverTime,
		s.alertsRaised,
		s.alertsActive,
		collectors.NewGoCollector(),
	)
	return s
}

// Registry exposes the registry so other components can add collectors.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Observe counts the event and feeds the duration histograms.
func (s *PrometheusSink) Observe(e events.Event) {
	s.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.JobCompleted:
		s.jobDuration.WithLabelValues(e.Kind, "completed").Observe(e.Duration.Seconds())
		if e.Value > 0 {
			s.backupBytes.WithLabelValues(e.Kind).Add(e.Value)
		}
	case events.JobFailed:
		if e.Duration > 0 {
			s.jobDuration.WithLabelValues(e.Kind, "failed").Observe(e.Duration.Seconds())
		}
	case events.RecoveryCompleted:
		s.recoveryTime.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
	case events.FailoverCompleted:
		s.failoverTime.WithLabelValues("completed").Observe(e.Duration.Seconds())
	case events.FailoverFailed:
		s.failoverTime.WithLabelValues("failed").Observe(e.Duration.Seconds())
	}
}

func metricName(name string) string {
	name = invalidMetricChars.ReplaceAllString(strings.ToLower(name), "_")
	if !strings.HasPrefix(name, namespace+"_") {
		name = namespace + "_" + name
	}
	return name
}

// RecordMetric sets a gauge, registering it on first use. The label names
// are fixed by the first call; later calls fill missing labels with "" and
// ignore unknown ones.
func (s *PrometheusSink) RecordMetric(name string, value float64, labels map[string]string) {
	name = metricName(name)

	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
		if err := s.registry.Register(vec); err != nil {
			s.mu.Unlock()
			s.logger.Warn("could not register gauge", zap.String("metric", name), zap.Error(err))
			return
		}
		g = &gauge{vec: vec, labels: keys}
		s.gauges[name] = g
	}
	s.mu.Unlock()

	values := make([]string, len(g.labels))
	for i, k := range g.labels {
		values[i] = labels[k]
	}
	g.vec.WithLabelValues(values...).Set(value)
}

// RaiseAlert activates an alert. Raising an alert whose rule and subject
// are already active returns the existing one unchanged.
func (s *PrometheusSink) RaiseAlert(a Alert) Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.alerts[a.Key()]; ok {
		return existing
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}
	if a.FiredAt.IsZero() {
		a.FiredAt = s.clock.Now()
	}
	s.alerts[a.Key()] = a
	s.alertsRaised.WithLabelValues(a.Rule, a.Severity).Inc()
	s.alertsActive.WithLabelValues(a.Severity).Inc()

	s.logger.Warn("alert raised",
		zap.String("rule", a.Rule),
		zap.String("severity", a.Severity),
		zap.String("subject", a.Subject),
		zap.String("message", a.Message))
	return a
}

// ResolveAlert clears the active alert for rule and subject.
func (s *PrometheusSink) ResolveAlert(rule, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Alert{Rule: rule, Subject: subject}.Key()
	a, ok := s.alerts[key]
	if !ok {
		return ErrAlertNotFound
	}
	delete(s.alerts, key)
	a.ResolvedAt = s.clock.Now()
	s.history = append(s.history, a)
	s.alertsActive.WithLabelValues(a.Severity).Dec()

	s.logger.Info("alert resolved", zap.String("rule", rule), zap.String("subject", subject))
	return nil
}

// ActiveAlerts returns the active alerts, oldest first.
func (s *PrometheusSink) ActiveAlerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].FiredAt.Before(out[j].FiredAt)
	})
	return out
}

// ResolvedAlerts returns alerts that have been cleared.
func (s *PrometheusSink) ResolvedAlerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Alert(nil), s.history...)
}
