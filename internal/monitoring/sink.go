// Package monitoring turns the lifecycle event stream into Prometheus
// metrics and operator alerts.
package monitoring

import (
	"errors"
	"time"
)

// Severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ErrAlertNotFound is returned when resolving an unknown alert.
var ErrAlertNotFound = errors.New("monitoring: alert not found")

// Alert is a raised condition that stays active until resolved.
type Alert struct {
	ID         string            `json:"id"`
	Rule       string            `json:"rule"`
	Severity   string            `json:"severity"`
	Subject    string            `json:"subject,omitempty"`
	Message    string            `json:"message"`
	Labels     map[string]string `json:"labels,omitempty"`
	FiredAt    time.Time         `json:"fired_at"`
	ResolvedAt time.Time         `json:"resolved_at,omitempty"`
}

// Key identifies an alert for de-duplication: one active alert per rule
// and subject.
func (a Alert) Key() string {
	return a.Rule + "/" + a.Subject
}

// Sink receives metrics and alerts. Implementations must not block.
type Sink interface {
	RecordMetric(name string, value float64, labels map[string]string)
	RaiseAlert(a Alert) Alert
	ResolveAlert(rule, subject string) error
	ActiveAlerts() []Alert
}
