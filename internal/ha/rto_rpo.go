package ha

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/juju/clock"
)

// Objective is the recovery time and recovery point the system promises.
type Objective struct {
	RTO time.Duration `yaml:"rto" json:"rto"`
	RPO time.Duration `yaml:"rpo" json:"rpo"`
	// AlertThreshold is the fraction of RTO after which an open incident
	// counts as at risk.
	AlertThreshold float64 `yaml:"alert_threshold" json:"alert_threshold"`
}

// DefaultObjective returns sensible defaults
func DefaultObjective() Objective {
	return Objective{RTO: 15 * time.Minute, RPO: 5 * time.Minute, AlertThreshold: 0.8}
}

func (o Objective) Validate() error {
	if o.RTO <= 0 {
		return errors.New("ha: RTO must be greater than zero")
	}
	if o.RPO <= 0 {
		return errors.New("ha: RPO must be greater than zero")
	}
	if o.RPO > o.RTO {
		return errors.New("ha: RPO should not exceed RTO")
	}
	if o.AlertThreshold <= 0 || o.AlertThreshold > 1 {
		return errors.New("ha: alert threshold must be in (0, 1]")
	}
	return nil
}

// RecoveryResult is how one incident measured against the objective.
type RecoveryResult struct {
	IncidentID string        `json:"incident_id"`
	RTOMet     bool          `json:"rto_met"`
	RPOMet     bool          `json:"rpo_met"`
	ActualRTO  time.Duration `json:"actual_rto"`
	ActualRPO  time.Duration `json:"actual_rpo"`
	Timestamp  time.Time     `json:"timestamp"`
}

// RTORPOMetrics aggregates every recorded incident.
type RTORPOMetrics struct {
	TotalIncidents    int           `json:"total_incidents"`
	RTOCompliant      int           `json:"rto_compliant"`
	RPOCompliant      int           `json:"rpo_compliant"`
	RTOComplianceRate float64       `json:"rto_compliance_rate"`
	RPOComplianceRate float64       `json:"rpo_compliance_rate"`
	AverageRTO        time.Duration `json:"average_rto"`
	AverageRPO        time.Duration `json:"average_rpo"`
	WorstRTO          time.Duration `json:"worst_rto"`
	WorstRPO          time.Duration `json:"worst_rpo"`
}

// IncidentRisk is an open incident close to or past the RTO.
type IncidentRisk struct {
	IncidentID string        `json:"incident_id"`
	Elapsed    time.Duration `json:"elapsed"`
	Breached   bool          `json:"breached"`
}

// RTORPOTracker measures disasters from declaration to recovery.
type RTORPOTracker struct {
	mu        sync.RWMutex
	objective Objective
	history   []RecoveryResult
	open      map[string]time.Time
	clock     clock.Clock
	events    events.Publisher
}

func NewRTORPOTracker(obj Objective, clk clock.Clock, pub events.Publisher) (*RTORPOTracker, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &RTORPOTracker{
		objective: obj,
		open:      make(map[string]time.Time),
		clock:     clk,
		events:    pub,
	}, nil
}

func (t *RTORPOTracker) Objective() Objective {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objective
}

// StartIncident begins timing an incident.
func (t *RTORPOTracker) StartIncident(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; !ok {
		t.open[id] = at
	}
}

func (t *RTORPOTracker) HasActiveIncident(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.open[id]
	return ok
}

// ResolveIncident stops timing an incident and records how it measured.
// dataLoss is the window of writes that were not recovered.
func (t *RTORPOTracker) ResolveIncident(id string, dataLoss time.Duration) (RecoveryResult, error) {
	t.mu.Lock()
	started, ok := t.open[id]
	if !ok {
		t.mu.Unlock()
		return RecoveryResult{}, fmt.Errorf("ha: incident %s not found", id)
	}
	delete(t.open, id)
	now := t.clock.Now()
	res := RecoveryResult{
		IncidentID: id,
		ActualRTO:  now.Sub(started),
		ActualRPO:  dataLoss,
		Timestamp:  now,
	}
	res.RTOMet = res.ActualRTO <= t.objective.RTO
	res.RPOMet = res.ActualRPO <= t.objective.RPO
	t.history = append(t.history, res)
	obj := t.objective
	t.mu.Unlock()

	if !res.RTOMet {
		t.events.Publish(events.Event{
			Type:     events.RTOBreached,
			Subject:  id,
			Duration: res.ActualRTO,
			Reason:   fmt.Sprintf("recovery took %s against an objective of %s", res.ActualRTO, obj.RTO),
		})
	}
	return res, nil
}

// Metrics aggregates the recorded incidents.
func (t *RTORPOTracker) Metrics() RTORPOMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := RTORPOMetrics{
		TotalIncidents:    len(t.history),
		RTOComplianceRate: 100,
		RPOComplianceRate: 100,
	}
	if len(t.history) == 0 {
		return m
	}

	var totalRTO, totalRPO time.Duration
	for _, r := range t.history {
		if r.RTOMet {
			m.RTOCompliant++
		}
		if r.RPOMet {
			m.RPOCompliant++
		}
		totalRTO += r.ActualRTO
		totalRPO += r.ActualRPO
		if r.ActualRTO > m.WorstRTO {
			m.WorstRTO = r.ActualRTO
		}
		if r.ActualRPO > m.WorstRPO {
			m.WorstRPO = r.ActualRPO
		}
	}
	n := len(t.history)
	m.RTOComplianceRate = float64(m.RTOCompliant) / float64(n) * 100
	m.RPOComplianceRate = float64(m.RPOCompliant) / float64(n) * 100
	m.AverageRTO = totalRTO / time.Duration(n)
	m.AverageRPO = totalRPO / time.Duration(n)
	return m
}

// AtRisk lists open incidents past AlertThreshold of the RTO, oldest
// first.
func (t *RTORPOTracker) AtRisk() []IncidentRisk {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	threshold := time.Duration(float64(t.objective.RTO) * t.objective.AlertThreshold)
	var out []IncidentRisk
	for id, started := range t.open {
		elapsed := now.Sub(started)
		if elapsed <= threshold {
			continue
		}
		out = append(out, IncidentRisk{IncidentID: id, Elapsed: elapsed, Breached: elapsed > t.objective.RTO})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Elapsed > out[j].Elapsed })
	return out
}

// History returns recorded incidents resolved within [from, to].
func (t *RTORPOTracker) History(from, to time.Time) []RecoveryResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []RecoveryResult
	for _, r := range t.history {
		if r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}
