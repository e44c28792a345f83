package ha

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/process"
	"github.com/FairForge/warden/internal/recovery"
	"github.com/FairForge/warden/internal/registry"
	"github.com/FairForge/warden/internal/scheduler"
	"go.uber.org/zap"
)

var ErrUnknownAction = errors.New("ha: unknown action")

// Built-in action types.
const (
	ActionExec             = "exec"
	ActionFullRecovery     = "recovery.full-system"
	ActionPITR             = "recovery.pitr"
	ActionPromote          = "region.promote"
	ActionCheckRegion      = "region.check"
	ActionCheckReplication = "replication.check"
	ActionRestartServices  = "services.restart"
	ActionRedirect         = "traffic.redirect"
	ActionBackup           = "backup.trigger"
)

// ActionContext is what an action knows about the failover running it.
type ActionContext struct {
	FailoverID string
	From       string
	To         string
	DryRun     bool
	// Services are the services affected by the disaster, if any.
	Services []string
	// TargetTime is the moment recovery actions restore to.
	TargetTime time.Time
}

// ActionResult is what an action adds to the failover metrics.
type ActionResult struct {
	DataSynced        int64
	ServicesRelocated int
	// Traffic is the share of traffic now sent to the target, when the
	// action changed it.
	Traffic    float64
	SetTraffic bool
}

func (r *ActionResult) add(o ActionResult) {
	r.DataSynced += o.DataSynced
	r.ServicesRelocated += o.ServicesRelocated
	if o.SetTraffic {
		r.Traffic = o.Traffic
		r.SetTraffic = true
	}
}

// ActionFunc runs one action. Handlers must honour ac.DryRun by leaving
// production state untouched.
type ActionFunc func(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error)

// ActionRegistry maps action types to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionFunc
}

func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{handlers: make(map[string]ActionFunc)}
}

// Register adds or replaces the handler for an action type.
func (r *ActionRegistry) Register(name string, fn ActionFunc) error {
	if name == "" || fn == nil {
		return errors.New("ha: action name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
	return nil
}

func (r *ActionRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names lists the registered action types.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run dispatches a to its handler.
func (r *ActionRegistry) Run(ctx context.Context, ac ActionContext, a Action) (ActionResult, error) {
	r.mu.RLock()
	fn, ok := r.handlers[a.Type]
	r.mu.RUnlock()
	if !ok {
		return ActionResult{}, fmt.Errorf("%w: %s", ErrUnknownAction, a.Type)
	}
	args := a.Args
	if args == nil {
		args = map[string]string{}
	}
	return fn(ctx, ac, args)
}

// RecoveryService runs recoveries on behalf of a failover.
// recovery.Orchestrator implements it.
type RecoveryService interface {
	PerformPITR(ctx context.Context, req recovery.PITRRequest) (*registry.RecoveryJob, error)
	PerformFullSystemRecovery(ctx context.Context, req recovery.FullSystemRequest) (*registry.RecoveryJob, error)
}

// Promoter makes a region's standby database the primary.
type Promoter interface {
	Promote(ctx context.Context, region string) error
}

// TrafficRouter moves client traffic between regions.
type TrafficRouter interface {
	Redirect(ctx context.Context, from, to string, percent float64) error
}

// BackupTrigger starts a manual backup. scheduler.Scheduler implements it.
type BackupTrigger interface {
	TriggerBackup(ctx context.Context, kind backup.Kind, opts scheduler.TriggerOptions) (string, error)
}

// registerBuiltins wires the built-in actions to the coordinator's
// collaborators. Actions whose collaborator is missing are still
// registered and fail when run.
func (c *Coordinator) registerBuiltins() {
	builtins := map[string]ActionFunc{
		ActionExec:             c.actionExec,
		ActionFullRecovery:     c.actionFullRecovery,
		ActionPITR:             c.actionPITR,
		ActionPromote:          c.actionPromote,
		ActionCheckRegion:      c.actionCheckRegion,
		ActionCheckReplication: c.actionCheckReplication,
		ActionRestartServices:  c.actionRestartServices,
		ActionRedirect:         c.actionRedirect,
		ActionBackup:           c.actionBackup,
	}
	for name, fn := range builtins {
		if c.actions.Has(name) {
			continue
		}
		_ = c.actions.Register(name, fn)
	}
}

// expand substitutes {from}, {to} and {failover} in an argument.
func expand(s string, ac ActionContext) string {
	return strings.NewReplacer("{from}", ac.From, "{to}", ac.To, "{failover}", ac.FailoverID).Replace(s)
}

func (c *Coordinator) actionExec(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	fields := strings.Fields(expand(args["cmd"], ac))
	if len(fields) == 0 {
		return ActionResult{}, errors.New("exec: cmd is required")
	}
	if ac.DryRun {
		c.logger.Info("dry run: would run command", zap.String("failover_id", ac.FailoverID), zap.Strings("cmd", fields))
		return ActionResult{}, nil
	}
	if c.runner == nil {
		return ActionResult{}, errors.New("exec: no process runner configured")
	}
	_, err := c.runner.Run(ctx, process.Command{Name: fields[0], Args: fields[1:]})
	return ActionResult{}, err
}

func (c *Coordinator) actionFullRecovery(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	if c.recovery == nil {
		return ActionResult{}, errors.New("recovery: no recovery service configured")
	}
	job, err := c.recovery.PerformFullSystemRecovery(ctx, recovery.FullSystemRequest{
		TargetTime: ac.TargetTime,
		Services:   splitList(args["services"]),
		DryRun:     ac.DryRun,
	})
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{DataSynced: int64(job.Result.RecoveredCount)}, nil
}

func (c *Coordinator) actionPITR(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	if c.recovery == nil {
		return ActionResult{}, errors.New("recovery: no recovery service configured")
	}
	target := ac.TargetTime
	if raw := args["target_time"]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ActionResult{}, fmt.Errorf("recovery: target_time: %w", err)
		}
		target = t
	}
	job, err := c.recovery.PerformPITR(ctx, recovery.PITRRequest{
		TargetTime: target,
		DryRun:     ac.DryRun,
		Verify:     true,
	})
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{DataSynced: int64(job.Result.RecoveredCount)}, nil
}

func (c *Coordinator) actionPromote(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	region := ac.To
	if r := args["region"]; r != "" {
		region = expand(r, ac)
	}
	if ac.DryRun {
		return ActionResult{}, nil
	}
	if c.promoter == nil {
		return ActionResult{}, errors.New("promote: no promoter configured")
	}
	return ActionResult{}, c.promoter.Promote(ctx, region)
}

func (c *Coordinator) actionCheckRegion(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	region := ac.To
	if r := args["region"]; r != "" {
		region = expand(r, ac)
	}
	h := c.currentHealth(ctx, region)
	if !h.State.usable() || !h.Reachable {
		return ActionResult{}, fmt.Errorf("region %s is %s", region, h.State)
	}
	return ActionResult{}, nil
}

func (c *Coordinator) actionCheckReplication(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	region := ac.To
	if r := args["region"]; r != "" {
		region = expand(r, ac)
	}
	bound := c.cfg.MaxReplicationLag
	if raw := args["max_lag"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return ActionResult{}, fmt.Errorf("replication: max_lag: %w", err)
		}
		bound = d
	}
	h := c.currentHealth(ctx, region)
	if h.ReplicationLag > bound {
		return ActionResult{}, fmt.Errorf("replication lag to %s is %s, bound %s", region, h.ReplicationLag, bound)
	}
	return ActionResult{}, nil
}

func (c *Coordinator) actionRestartServices(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	services := splitList(args["services"])
	if len(services) == 0 {
		services = ac.Services
	}
	if len(services) == 0 {
		services = c.cfg.Services
	}
	if ac.DryRun || len(services) == 0 {
		return ActionResult{ServicesRelocated: len(services)}, nil
	}
	if c.services == nil {
		return ActionResult{}, errors.New("services: no service manager configured")
	}
	for _, svc := range services {
		if err := c.services.Restart(ctx, svc); err != nil {
			return ActionResult{}, fmt.Errorf("services: restart %s: %w", svc, err)
		}
	}
	return ActionResult{ServicesRelocated: len(services)}, nil
}

func (c *Coordinator) actionRedirect(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	pct := 100.0
	if raw := args["percent"]; raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			return ActionResult{}, fmt.Errorf("traffic: invalid percent %q", raw)
		}
		pct = v
	}
	if ac.DryRun {
		return ActionResult{Traffic: pct, SetTraffic: true}, nil
	}
	if err := c.router.Redirect(ctx, ac.From, ac.To, pct); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Traffic: pct, SetTraffic: true}, nil
}

func (c *Coordinator) actionBackup(ctx context.Context, ac ActionContext, args map[string]string) (ActionResult, error) {
	kind := backup.KindFull
	if raw := args["kind"]; raw != "" {
		k, err := backup.ParseKind(raw)
		if err != nil {
			return ActionResult{}, err
		}
		kind = k
	}
	if ac.DryRun {
		return ActionResult{}, nil
	}
	if c.backups == nil {
		return ActionResult{}, errors.New("backup: no scheduler configured")
	}
	_, err := c.backups.TriggerBackup(ctx, kind, scheduler.TriggerOptions{
		Priority:       10,
		SkipLoadCheck:  true,
		IdempotencyKey: "failover-" + ac.FailoverID,
	})
	return ActionResult{}, err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
