package ha

import (
	"time"
)

// HealthState is the health of a region as seen by the prober.
type HealthState int

const (
	StateHealthy HealthState = iota
	StateDegraded
	StateFailed
	StateRecovering
	StateUnknown
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// usable reports whether a region in this state may take traffic.
func (s HealthState) usable() bool {
	return s == StateHealthy || s == StateRecovering
}

// RegionHealth is the last known condition of a region. Utilization is a
// fraction in [0, 1].
type RegionHealth struct {
	Region           string        `json:"region"`
	State            HealthState   `json:"state"`
	Reachable        bool          `json:"reachable"`
	Latency          time.Duration `json:"latency"`
	Utilization      float64       `json:"utilization"`
	ReplicationLag   time.Duration `json:"replication_lag"`
	ConsecutiveFails int           `json:"consecutive_fails"`
	ConsecutiveOK    int           `json:"consecutive_ok"`
	LastCheck        time.Time     `json:"last_check"`
	LastError        string        `json:"last_error,omitempty"`
}

// Observation is the outcome of one probe of a region.
type Observation struct {
	Reachable      bool
	Latency        time.Duration
	Utilization    float64
	ReplicationLag time.Duration
	Err            error
	At             time.Time
}

// Thresholds control how many probes it takes to change state.
type Thresholds struct {
	// Failures before a region is marked failed. It is degraded one probe
	// earlier.
	Failure int `yaml:"failure" json:"failure"`
	// Successes before a failed or degraded region is healthy again.
	Recovery int `yaml:"recovery" json:"recovery"`
}

// DefaultThresholds returns sensible defaults
func DefaultThresholds() Thresholds {
	return Thresholds{Failure: 3, Recovery: 2}
}

// apply folds an observation into the previous health and returns the new
// health.
func (th Thresholds) apply(prev RegionHealth, o Observation) RegionHealth {
	next := prev
	next.Reachable = o.Reachable
	next.Latency = o.Latency
	next.Utilization = o.Utilization
	next.ReplicationLag = o.ReplicationLag
	next.LastCheck = o.At
	next.LastError = ""
	if o.Err != nil {
		next.LastError = o.Err.Error()
	}

	if o.Err == nil && o.Reachable {
		next.ConsecutiveFails = 0
		next.ConsecutiveOK++
		switch prev.State {
		case StateFailed, StateDegraded:
			next.State = StateRecovering
			if next.ConsecutiveOK >= th.Recovery {
				next.State = StateHealthy
			}
		case StateRecovering:
			if next.ConsecutiveOK >= th.Recovery {
				next.State = StateHealthy
			}
		default:
			next.State = StateHealthy
		}
		return next
	}

	next.ConsecutiveOK = 0
	next.ConsecutiveFails++
	switch {
	case next.ConsecutiveFails >= th.Failure:
		next.State = StateFailed
	case next.ConsecutiveFails >= th.Failure-1 && prev.State != StateFailed:
		next.State = StateDegraded
	case prev.State == StateUnknown:
		next.State = StateDegraded
	}
	return next
}
