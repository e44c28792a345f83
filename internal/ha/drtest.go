package ha

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TestKind selects how much of the failover machinery a DR test exercises.
type TestKind string

const (
	// TestPartial probes every region and runs target selection and
	// pre-failover validation.
	TestPartial TestKind = "partial"
	// TestFailover adds a dry run of the failover plan.
	TestFailover TestKind = "failover"
	// TestFailback adds a dry run of the failback plan back to the current
	// region.
	TestFailback TestKind = "failback"
	// TestFull runs failover and failback dry runs and a dry run recovery.
	TestFull TestKind = "full"
)

func ParseTestKind(s string) (TestKind, error) {
	switch k := TestKind(s); k {
	case TestPartial, TestFailover, TestFailback, TestFull:
		return k, nil
	}
	return "", fmt.Errorf("ha: unknown test kind %q", s)
}

// IssueSeverity grades a problem found by a DR test.
type IssueSeverity string

const (
	IssueLow      IssueSeverity = "low"
	IssueMedium   IssueSeverity = "medium"
	IssueHigh     IssueSeverity = "high"
	IssueCritical IssueSeverity = "critical"
)

type Issue struct {
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// TestOptions tune a DR test.
type TestOptions struct {
	// ID names the test. A random id is assigned when empty.
	ID string `json:"id,omitempty"`
	// Plan overrides the failover plan exercised. Defaults to the full
	// failover plan.
	Plan string `json:"plan,omitempty"`
	// AffectedRegions simulates a disaster in these regions during target
	// selection.
	AffectedRegions []string `json:"affected_regions,omitempty"`
}

// TestResult is the outcome of a DR test. It succeeds when no issue is
// high or critical.
type TestResult struct {
	ID          string        `json:"id"`
	Kind        TestKind      `json:"kind"`
	Success     bool          `json:"success"`
	Target      string        `json:"target,omitempty"`
	AchievedRTO time.Duration `json:"achieved_rto"`
	AchievedRPO time.Duration `json:"achieved_rpo"`
	Issues      []Issue       `json:"issues"`
	FailoverIDs []string      `json:"failover_ids,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

func (r *TestResult) issue(sev IssueSeverity, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: sev, Message: fmt.Sprintf(format, args...)})
}

// RunDRTest exercises disaster recovery without touching the current
// region. Every failover it runs is a dry run.
func (c *Coordinator) RunDRTest(ctx context.Context, kind TestKind, opts TestOptions) (TestResult, error) {
	if _, err := ParseTestKind(string(kind)); err != nil {
		return TestResult{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	res := TestResult{ID: id, Kind: kind, StartedAt: c.clock.Now()}
	log := c.logger.With(zap.String("test_id", res.ID), zap.String("kind", string(kind)))
	log.Info("dr test started")

	current := c.topology.Current()
	c.prober.ProbeAll(ctx)
	for _, h := range c.topology.AllHealth() {
		if h.State == StateFailed {
			res.issue(IssueMedium, "region %s is failed: %s", h.Region, h.LastError)
		}
	}

	target, err := c.topology.SelectTarget(opts.AffectedRegions)
	if err != nil {
		res.issue(IssueCritical, "no failover target: %v", err)
		return c.completeTest(res, log), nil
	}
	res.Target = target.Name

	h, err := c.preFailover(ctx, target.Name)
	res.AchievedRPO = h.ReplicationLag
	if err != nil {
		res.issue(IssueHigh, "%v", err)
	}
	if h.ReplicationLag > c.cfg.Objective.RPO {
		res.issue(IssueMedium, "replication lag %s to %s exceeds the %s RPO", h.ReplicationLag, target.Name, c.cfg.Objective.RPO)
	}
	if kind == TestPartial || err != nil {
		return c.completeTest(res, log), nil
	}

	if kind == TestFailover || kind == TestFull {
		planID := opts.Plan
		if planID == "" {
			planID = PlanFullFailover
		}
		c.dryRun(ctx, &res, planID, DirectionFailover, current, target.Name)
	}
	if kind == TestFailback || kind == TestFull {
		c.dryRun(ctx, &res, PlanRegionFailback, DirectionFailback, target.Name, current)
	}
	if kind == TestFull {
		c.dryRunRecovery(ctx, &res)
	}
	return c.completeTest(res, log), nil
}

// dryRun runs plan as a dry run and adds its duration to the achieved RTO.
func (c *Coordinator) dryRun(ctx context.Context, res *TestResult, planID, direction, from, to string) {
	plan, err := c.Plan(planID)
	if err != nil {
		res.issue(IssueCritical, "%v", err)
		return
	}
	fo, err := c.start(ctx, nil, plan, direction, from, to, true)
	if err != nil {
		res.issue(IssueHigh, "%s dry run to %s not started: %v", direction, to, err)
		return
	}
	res.FailoverIDs = append(res.FailoverIDs, fo.ID)
	final, err := c.execute(ctx, fo, plan, nil)
	if final != nil {
		res.AchievedRTO += final.ActualRTO
	}
	if err != nil {
		res.issue(IssueHigh, "%s dry run to %s failed: %v", direction, to, err)
		return
	}
	if final.ActualRTO > c.cfg.Objective.RTO {
		res.issue(IssueMedium, "%s dry run took %s, over the %s RTO", direction, final.ActualRTO, c.cfg.Objective.RTO)
	}
}

func (c *Coordinator) dryRunRecovery(ctx context.Context, res *TestResult) {
	if c.recovery == nil {
		res.issue(IssueLow, "no recovery service configured; data recovery not exercised")
		return
	}
	_, err := c.recovery.PerformFullSystemRecovery(ctx, recovery.FullSystemRequest{
		TargetTime: c.clock.Now(),
		DryRun:     true,
	})
	if err != nil {
		res.issue(IssueHigh, "full-system recovery dry run failed: %v", err)
	}
}

func (c *Coordinator) completeTest(res TestResult, log *zap.Logger) TestResult {
	res.CompletedAt = c.clock.Now()
	res.Success = true
	for _, is := range res.Issues {
		if is.Severity == IssueHigh || is.Severity == IssueCritical {
			res.Success = false
		}
	}

	c.mu.Lock()
	c.lastTest = res.CompletedAt
	c.tests = append(c.tests, res)
	c.mu.Unlock()

	c.events.Publish(events.Event{
		Type:     events.DRTestCompleted,
		Subject:  res.ID,
		Kind:     string(res.Kind),
		Region:   res.Target,
		Duration: res.AchievedRTO,
		Reason:   fmt.Sprintf("success=%t issues=%d", res.Success, len(res.Issues)),
		Attrs:    map[string]string{"success": strconv.FormatBool(res.Success)},
	})
	log.Info("dr test completed",
		zap.Bool("success", res.Success),
		zap.Int("issues", len(res.Issues)),
		zap.Duration("achieved_rto", res.AchievedRTO),
		zap.Duration("achieved_rpo", res.AchievedRPO))
	return res
}

// Test returns a completed DR test by id.
func (c *Coordinator) Test(id string) (TestResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tests {
		if t.ID == id {
			return t, true
		}
	}
	return TestResult{}, false
}

// Tests returns every DR test run since start, oldest first.
func (c *Coordinator) Tests() []TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TestResult(nil), c.tests...)
}
