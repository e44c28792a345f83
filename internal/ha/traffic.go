package ha

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// healthMultiplier scales a region's traffic weight by its health.
var healthMultiplier = map[HealthState]float64{
	StateHealthy:    1.0,
	StateDegraded:   0.5,
	StateRecovering: 0.3,
	StateFailed:     0.0,
	StateUnknown:    0.0,
}

// WeightedRouter keeps the share of traffic each region should get. It is
// the router used when no external one is configured.
type WeightedRouter struct {
	mu       sync.RWMutex
	topology *Topology
	weights  map[string]float64
}

// NewWeightedRouter sends all traffic to the current region.
func NewWeightedRouter(t *Topology) *WeightedRouter {
	return &WeightedRouter{
		topology: t,
		weights:  map[string]float64{t.Current(): 1},
	}
}

// Redirect sends percent of from's traffic to to. Zero sends everything
// back to from.
func (w *WeightedRouter) Redirect(_ context.Context, from, to string, percent float64) error {
	if _, ok := w.topology.Region(to); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, to)
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("ha: traffic share %.1f out of range", percent)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	total := w.weights[from] + w.weights[to]
	if total == 0 {
		total = 1
	}
	moved := total * percent / 100
	w.weights[from] = total - moved
	w.weights[to] = moved
	return nil
}

// Weights returns the configured share per region.
func (w *WeightedRouter) Weights() map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]float64, len(w.weights))
	for k, v := range w.weights {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// Route returns the region that should serve new traffic: the highest
// share after scaling by health. Unprobed regions are not penalised.
func (w *WeightedRouter) Route() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.weights))
	for name := range w.weights {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestScore := "", -1.0
	for _, name := range names {
		m := 1.0
		if h := w.topology.Health(name); !h.LastCheck.IsZero() {
			m = healthMultiplier[h.State]
		}
		if score := w.weights[name] * m; score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore <= 0 {
		return w.topology.Current()
	}
	return best
}
