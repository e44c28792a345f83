package ha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/registry"
	"go.uber.org/zap"
)

// Step record statuses.
const (
	stepRunning   = "running"
	stepCompleted = "completed"
	stepFailed    = "failed"
)

// StepError is returned when a plan step fails. Err is the original
// failure; RollbackErrs are failures of the step's own rollback actions.
type StepError struct {
	Step         string
	Index        int
	Err          error
	RollbackErrs []error

	// recorded is set once the failure is on the failover's error list.
	recorded bool
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("ha: step %d (%s): %v", e.Index+1, e.Step, e.Err)
	if len(e.RollbackErrs) > 0 {
		msg += fmt.Sprintf(" (rollback: %v)", errors.Join(e.RollbackErrs...))
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// runSteps executes plan against the failover fo, one step at a time. On
// failure only the failing step's rollback runs and steps that already
// completed stay in place.
func (c *Coordinator) runSteps(ctx context.Context, foID string, plan Plan, ac ActionContext) error {
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: step.Name, Index: i, Err: err}
		}

		started := c.clock.Now()
		if _, err := c.registry.UpdateFailover(foID, func(f *registry.FailoverExecution) error {
			f.Steps = append(f.Steps, registry.StepRecord{Name: step.Name, Status: stepRunning, StartedAt: started})
			return nil
		}); err != nil {
			return fmt.Errorf("ha: record step %s: %w", step.Name, err)
		}
		c.events.Publish(events.Event{
			Type:    events.FailoverStepStarted,
			Subject: foID,
			Phase:   step.Name,
			Region:  ac.To,
		})
		c.logger.Info("failover step started",
			zap.String("failover_id", foID),
			zap.String("step", step.Name),
			zap.Int("index", i))

		res, err := c.runStep(ctx, step, ac)
		elapsed := c.clock.Now().Sub(started)
		if err != nil {
			rbErrs := c.rollbackStep(ctx, step, ac)
			serr := &StepError{Step: step.Name, Index: i, Err: err, RollbackErrs: rbErrs, recorded: true}
			c.finishStep(foID, i, elapsed, err, rbErrs, ActionResult{})
			c.events.Publish(events.Event{
				Type:     events.FailoverStepFailed,
				Subject:  foID,
				Phase:    step.Name,
				Region:   ac.To,
				Duration: elapsed,
				Error:    err.Error(),
			})
			c.logger.Error("failover step failed",
				zap.String("failover_id", foID),
				zap.String("step", step.Name),
				zap.Int("rollback_errors", len(rbErrs)),
				zap.Error(err))
			return serr
		}

		c.finishStep(foID, i, elapsed, nil, nil, res)
		c.events.Publish(events.Event{
			Type:     events.FailoverStepCompleted,
			Subject:  foID,
			Phase:    step.Name,
			Region:   ac.To,
			Duration: elapsed,
		})
	}
	return nil
}

func (c *Coordinator) runStep(ctx context.Context, step Step, ac ActionContext) (ActionResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.cfg.StepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var total ActionResult
	stages := []struct {
		name    string
		actions []Action
	}{
		{"prerequisite", step.Prerequisites},
		{"command", step.Commands},
		{"validation", step.Validations},
	}
	for _, stage := range stages {
		for _, a := range stage.actions {
			res, err := c.actions.Run(ctx, ac, a)
			if err != nil {
				return total, fmt.Errorf("%s %s: %w", stage.name, a, err)
			}
			total.add(res)
		}
	}
	return total, nil
}

// rollbackStep runs every rollback action of step, even after one fails,
// and returns their errors. It runs on a fresh deadline so a cancelled or
// timed out step can still undo itself.
func (c *Coordinator) rollbackStep(ctx context.Context, step Step, ac ActionContext) []error {
	if len(step.Rollback) == 0 {
		return nil
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = c.cfg.StepTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var errs []error
	for _, a := range step.Rollback {
		if _, err := c.actions.Run(ctx, ac, a); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", a, err))
		}
	}
	return errs
}

func (c *Coordinator) finishStep(foID string, idx int, elapsed time.Duration, err error, rbErrs []error, res ActionResult) {
	_, uerr := c.registry.UpdateFailover(foID, func(f *registry.FailoverExecution) error {
		rec := &f.Steps[len(f.Steps)-1]
		rec.Duration = elapsed
		if err != nil {
			rec.Status = stepFailed
			rec.Error = err.Error()
			f.Errors = append(f.Errors, fmt.Sprintf("step %d (%s): %v", idx+1, rec.Name, err))
			for _, rb := range rbErrs {
				rec.RollbackErrors = append(rec.RollbackErrors, rb.Error())
				f.Errors = append(f.Errors, rb.Error())
			}
			return nil
		}
		rec.Status = stepCompleted
		f.StepsCompleted++
		f.Metrics.DataSynced += res.DataSynced
		f.Metrics.ServicesRelocated += res.ServicesRelocated
		if res.SetTraffic {
			f.Metrics.TrafficRedirectedPct = res.Traffic
		}
		return nil
	})
	if uerr != nil {
		c.logger.Warn("failover step not recorded", zap.String("failover_id", foID), zap.Error(uerr))
	}
}
