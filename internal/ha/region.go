package ha

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoAvailableRegion = errors.New("ha: no available region")
	ErrUnknownRegion     = errors.New("ha: unknown region")
)

// RegionRole is the part a region plays in the topology.
type RegionRole string

const (
	RolePrimary   RegionRole = "primary"
	RoleSecondary RegionRole = "secondary"
	RoleBackup    RegionRole = "backup"
)

// Capacity describes how much load a region can take and how quickly it
// can take over.
type Capacity struct {
	MaxLoad      float64       `yaml:"max_load" json:"max_load"`
	EstimatedRTO time.Duration `yaml:"estimated_rto" json:"estimated_rto"`
	EstimatedRPO time.Duration `yaml:"estimated_rpo" json:"estimated_rpo"`
}

// Network describes the link to a region.
type Network struct {
	Latency     time.Duration `yaml:"latency" json:"latency"`
	Bandwidth   int64         `yaml:"bandwidth" json:"bandwidth"`
	Reliability float64       `yaml:"reliability" json:"reliability"`
}

// Region is one deployment location. Lower Priority numbers are preferred
// as failover targets.
type Region struct {
	Name      string     `yaml:"name" json:"name"`
	Role      RegionRole `yaml:"role" json:"role"`
	Priority  int        `yaml:"priority" json:"priority"`
	Capacity  Capacity   `yaml:"capacity" json:"capacity"`
	Network   Network    `yaml:"network" json:"network"`
	Endpoints []string   `yaml:"endpoints" json:"endpoints"`
	// StatusURL is the health endpoint of the warden instance in the
	// region, read for utilization.
	StatusURL string `yaml:"status_url,omitempty" json:"status_url,omitempty"`
}

func (r Region) Validate() error {
	if r.Name == "" {
		return errors.New("ha: region name is required")
	}
	switch r.Role {
	case RolePrimary, RoleSecondary, RoleBackup:
	default:
		return fmt.Errorf("ha: region %s: unknown role %q", r.Name, r.Role)
	}
	if r.Priority < 0 {
		return fmt.Errorf("ha: region %s: priority must not be negative", r.Name)
	}
	return nil
}

// Topology holds the configured regions, their last known health and the
// region currently serving as primary.
type Topology struct {
	mu      sync.RWMutex
	regions map[string]Region
	order   []string
	health  map[string]RegionHealth
	current string
}

// NewTopology builds a topology. The current region is the one with the
// primary role unless current names another.
func NewTopology(regions []Region, current string) (*Topology, error) {
	t := &Topology{health: make(map[string]RegionHealth)}
	if err := t.replace(regions, current); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) replace(regions []Region, current string) error {
	if len(regions) == 0 {
		return errors.New("ha: at least one region is required")
	}
	byName := make(map[string]Region, len(regions))
	order := make([]string, 0, len(regions))
	primary := ""
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := byName[r.Name]; dup {
			return fmt.Errorf("ha: duplicate region %s", r.Name)
		}
		byName[r.Name] = r
		order = append(order, r.Name)
		if r.Role == RolePrimary && primary == "" {
			primary = r.Name
		}
	}
	if current == "" {
		current = primary
	}
	if current == "" {
		return errors.New("ha: no primary region configured")
	}
	if _, ok := byName[current]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, current)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.regions = byName
	t.order = order
	t.current = current
	for name := range t.health {
		if _, ok := byName[name]; !ok {
			delete(t.health, name)
		}
	}
	return nil
}

// Update swaps in a new region list, keeping the current region and the
// health of regions that still exist.
func (t *Topology) Update(regions []Region) error {
	return t.replace(regions, t.Current())
}

// Current returns the region serving as primary.
func (t *Topology) Current() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func (t *Topology) setCurrent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = name
}

// Region returns a configured region.
func (t *Topology) Region(name string) (Region, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.regions[name]
	return r, ok
}

// Regions returns every region in configuration order.
func (t *Topology) Regions() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Region, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.regions[name])
	}
	return out
}

// Health returns the last known health of a region. Regions never probed
// report StateUnknown.
func (t *Topology) Health(name string) RegionHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.health[name]
	if !ok {
		return RegionHealth{Region: name, State: StateUnknown}
	}
	return h
}

// SetHealth records the health of a region.
func (t *Topology) SetHealth(h RegionHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.health[h.Region] = h
}

// AllHealth returns the health of every region in configuration order.
func (t *Topology) AllHealth() []RegionHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RegionHealth, 0, len(t.order))
	for _, name := range t.order {
		h, ok := t.health[name]
		if !ok {
			h = RegionHealth{Region: name, State: StateUnknown}
		}
		out = append(out, h)
	}
	return out
}

// SelectTarget picks the failover target: every region except the current
// one and the affected ones, by ascending priority, then by most available
// capacity.
func (t *Topology) SelectTarget(affected []string) (Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	skip := make(map[string]bool, len(affected)+1)
	skip[t.current] = true
	for _, a := range affected {
		skip[a] = true
	}

	type candidate struct {
		region    Region
		available float64
	}
	var candidates []candidate
	for _, name := range t.order {
		if skip[name] {
			continue
		}
		candidates = append(candidates, candidate{
			region:    t.regions[name],
			available: 1 - t.health[name].Utilization,
		})
	}
	if len(candidates) == 0 {
		return Region{}, fmt.Errorf("%w: every region is current or affected", ErrNoAvailableRegion)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].region.Priority != candidates[j].region.Priority {
			return candidates[i].region.Priority < candidates[j].region.Priority
		}
		return candidates[i].available > candidates[j].available
	})
	return candidates[0].region, nil
}
