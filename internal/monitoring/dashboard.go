package monitoring

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/juju/clock"
)

// Panel names used by the operator dashboard
const (
	PanelScheduler = "scheduler"
	PanelRecovery  = "recovery"
	PanelDR        = "dr"
	PanelAlerts    = "alerts"
)

// Provider returns the current data for a panel.
type Provider func() any

// AlertsSummary counts active alerts per severity
type AlertsSummary struct {
	Total    int     `json:"total"`
	Critical int     `json:"critical"`
	Warning  int     `json:"warning"`
	Info     int     `json:"info"`
	Active   []Alert `json:"active"`
}

// Summarize counts alerts by severity.
func Summarize(alerts []Alert) AlertsSummary {
	s := AlertsSummary{Total: len(alerts), Active: alerts}
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityWarning:
			s.Warning++
		default:
			s.Info++
		}
	}
	return s
}

// Snapshot is a point-in-time view of every panel.
type Snapshot struct {
	GeneratedAt string         `json:"generated_at"`
	Panels      map[string]any `json:"panels"`
}

// Dashboard aggregates panel providers into one JSON document.
type Dashboard struct {
	clock clock.Clock

	mu     sync.RWMutex
	panels map[string]Provider
}

// NewDashboard creates an empty dashboard.
func NewDashboard(clk clock.Clock) *Dashboard {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Dashboard{clock: clk, panels: make(map[string]Provider)}
}

// AddPanel registers a provider under name.
func (d *Dashboard) AddPanel(name string, p Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("dashboard: panel name and provider are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.panels[name]; exists {
		return fmt.Errorf("dashboard: panel %s already exists", name)
	}
	d.panels[name] = p
	return nil
}

// Panels lists the registered panel names.
func (d *Dashboard) Panels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.panels))
	for n := range d.panels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot evaluates every provider.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	providers := make(map[string]Provider, len(d.panels))
	for n, p := range d.panels {
		providers[n] = p
	}
	d.mu.RUnlock()

	panels := make(map[string]any, len(providers))
	for n, p := range providers {
		panels[n] = p()
	}
	return Snapshot{
		GeneratedAt: d.clock.Now().UTC().Format("2006-01-02T15:04:05Z07:00"),
		Panels:      panels,
	}
}

// HTTPHandler serves the snapshot as JSON.
func (d *Dashboard) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Snapshot())
	})
}
