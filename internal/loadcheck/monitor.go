// Package loadcheck samples host load so backups can be deferred while the
// machine is busy.
package loadcheck

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is one load reading. All values are percentages in [0, 100].
type Snapshot struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	DiskIO    float64   `json:"disk_io"`
	SampledAt time.Time `json:"sampled_at"`
}

// Thresholds are the upper bounds above which the host counts as overloaded.
type Thresholds struct {
	CPU    float64 `yaml:"cpu" json:"cpu"`
	Memory float64 `yaml:"memory" json:"memory"`
	DiskIO float64 `yaml:"disk_io" json:"disk_io"`
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 80, Memory: 85, DiskIO: 90}
}

// Validate checks the thresholds are usable percentages.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{"cpu": t.CPU, "memory": t.Memory, "disk_io": t.DiskIO} {
		if v <= 0 || v > 100 {
			return fmt.Errorf("loadcheck: %s threshold must be in (0, 100], got %v", name, v)
		}
	}
	return nil
}

// Exceeded returns the names of the resources above their threshold.
func (t Thresholds) Exceeded(s Snapshot) []string {
	var over []string
	if s.CPU > t.CPU {
		over = append(over, "cpu")
	}
	if s.Memory > t.Memory {
		over = append(over, "memory")
	}
	if s.DiskIO > t.DiskIO {
		over = append(over, "disk_io")
	}
	return over
}

// Monitor reports the current host load.
type Monitor interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// Static always reports the same snapshot. Useful for tests and for hosts
// where load checking is disabled.
type Static Snapshot

func (s Static) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot(s)
	snap.SampledAt = time.Now()
	return snap, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
