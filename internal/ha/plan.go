package ha

import (
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/warden/internal/registry"
)

// PlanKind says what a recovery plan is for.
type PlanKind string

const (
	PlanFailover  PlanKind = "failover"
	PlanFailback  PlanKind = "failback"
	PlanMigration PlanKind = "migration"
	PlanTest      PlanKind = "test"
)

// Built-in plan names. Configured plans with the same name replace them.
const (
	PlanFullFailover    = "full-failover"
	PlanPartialFailover = "partial-failover"
	PlanServiceRestart  = "service-restart"
	PlanRegionFailback  = "failback"
)

// RecoveryLevel lets a declaration ask for a plan regardless of severity.
type RecoveryLevel string

const (
	LevelFull           RecoveryLevel = "full"
	LevelPartial        RecoveryLevel = "partial"
	LevelServiceRestart RecoveryLevel = "service-restart"
)

// Action is one unit of work inside a step, dispatched by Type through an
// ActionRegistry.
type Action struct {
	Type string            `yaml:"type" json:"type"`
	Args map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

func (a Action) String() string {
	if cmd := a.Args["cmd"]; cmd != "" {
		return a.Type + " " + cmd
	}
	return a.Type
}

// Step is one stage of a plan. Prerequisites, commands and validations run
// in that order; Rollback only runs if this step fails.
type Step struct {
	Name              string        `yaml:"name" json:"name"`
	Prerequisites     []Action      `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	Commands          []Action      `yaml:"commands" json:"commands"`
	Validations       []Action      `yaml:"validations,omitempty" json:"validations,omitempty"`
	Rollback          []Action      `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	EstimatedDuration time.Duration `yaml:"estimated_duration" json:"estimated_duration"`
	Timeout           time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Plan is an ordered list of steps.
type Plan struct {
	ID    string   `yaml:"id" json:"id"`
	Kind  PlanKind `yaml:"kind" json:"kind"`
	Steps []Step   `yaml:"steps" json:"steps"`
}

// EstimatedDuration sums the estimates of every step.
func (p Plan) EstimatedDuration() time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		d += s.EstimatedDuration
	}
	return d
}

// Validate checks the plan is well formed and every action is known to
// actions.
func (p Plan) Validate(actions *ActionRegistry) error {
	if p.ID == "" {
		return errors.New("ha: plan id is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("ha: plan %s has no steps", p.ID)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("ha: plan %s has a step without a name", p.ID)
		}
		if seen[s.Name] {
			return fmt.Errorf("ha: plan %s: duplicate step %s", p.ID, s.Name)
		}
		seen[s.Name] = true
		if actions == nil {
			continue
		}
		for _, group := range [][]Action{s.Prerequisites, s.Commands, s.Validations, s.Rollback} {
			for _, a := range group {
				if !actions.Has(a.Type) {
					return fmt.Errorf("ha: plan %s step %s: %w: %s", p.ID, s.Name, ErrUnknownAction, a.Type)
				}
			}
		}
	}
	return nil
}

// DefaultPlans returns the built-in plans.
func DefaultPlans() map[string]Plan {
	checkTarget := []Action{{Type: ActionCheckRegion}, {Type: ActionCheckReplication}}
	promote := Step{
		Name:              "promote-primary",
		Prerequisites:     checkTarget,
		Commands:          []Action{{Type: ActionPromote}},
		Validations:       []Action{{Type: ActionCheckRegion}},
		EstimatedDuration: 2 * time.Minute,
	}
	restart := Step{
		Name:              "restart-services",
		Commands:          []Action{{Type: ActionRestartServices}},
		Validations:       []Action{{Type: ActionCheckRegion}},
		EstimatedDuration: time.Minute,
	}
	redirect := func(pct string) Step {
		return Step{
			Name:              "redirect-traffic",
			Commands:          []Action{{Type: ActionRedirect, Args: map[string]string{"percent": pct}}},
			Rollback:          []Action{{Type: ActionRedirect, Args: map[string]string{"percent": "0"}}},
			EstimatedDuration: 30 * time.Second,
		}
	}

	return map[string]Plan{
		PlanFullFailover: {
			ID:    PlanFullFailover,
			Kind:  PlanFailover,
			Steps: []Step{promote, restart, redirect("100")},
		},
		PlanPartialFailover: {
			ID:    PlanPartialFailover,
			Kind:  PlanFailover,
			Steps: []Step{restart, redirect("50")},
		},
		PlanServiceRestart: {
			ID:   PlanServiceRestart,
			Kind: PlanFailover,
			Steps: []Step{{
				Name:              "restart-services",
				Prerequisites:     []Action{{Type: ActionCheckRegion}},
				Commands:          []Action{{Type: ActionRestartServices}},
				EstimatedDuration: time.Minute,
			}},
		},
		PlanRegionFailback: {
			ID:    PlanRegionFailback,
			Kind:  PlanFailback,
			Steps: []Step{promote, restart, redirect("100")},
		},
	}
}

// planFor picks the plan name for a declaration. An explicit level wins
// over severity.
func planFor(severity registry.Severity, level RecoveryLevel) string {
	switch level {
	case LevelFull:
		return PlanFullFailover
	case LevelPartial:
		return PlanPartialFailover
	case LevelServiceRestart:
		return PlanServiceRestart
	}
	switch severity {
	case registry.SeverityCritical, registry.SeverityCatastrophic:
		return PlanFullFailover
	case registry.SeverityMajor:
		return PlanPartialFailover
	default:
		return PlanServiceRestart
	}
}
