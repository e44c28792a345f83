package recovery

import (
	"context"
	"fmt"
	"strconv"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/registry"
	"go.uber.org/zap"
)

func (o *Orchestrator) runFullSystem(ctx context.Context, rs *runState, req FullSystemRequest) error {
	var (
		plan      primaryPlan
		kv        *backup.Artifact
		directive Directive
	)

	err := o.phase(ctx, rs, registry.RecoveryPreparing, 10, func(ctx context.Context) error {
		directive = NewDirective(rs.segmentDir(), req.TargetTime, "", "")
		if req.DryRun {
			return nil
		}
		if err := rs.prepare(); err != nil {
			return err
		}
		if _, err := directive.WriteFile(rs.workspace); err != nil {
			return err
		}
		o.progress(rs.id, 20)
		return nil
	})
	if err != nil {
		return err
	}

	err = o.phase(ctx, rs, registry.RecoveryRecovering, 30, func(ctx context.Context) error {
		var err error
		if plan, err = o.planPrimary(req.TargetTime, ""); err != nil {
			return err
		}
		if kv, err = o.catalog.LatestBase(backup.StoreSecondary, req.TargetTime); err != nil {
			return fmt.Errorf("%w: %v", ErrNoEligibleBackup, err)
		}
		o.annotate(rs.id, func(j *registry.RecoveryJob) {
			j.BackupSource = plan.base.ID
			j.ArtifactRefs = append(plan.refs(), kv.ID)
		})
		if req.DryRun {
			return nil
		}

		if err := o.restorePrimary(ctx, rs, plan, directive); err != nil {
			return fmt.Errorf("primary store: %w", err)
		}
		o.progress(rs.id, 45)

		path, err := o.stage(ctx, rs, kv)
		if err != nil {
			return fmt.Errorf("secondary store: %w", err)
		}
		if err := o.secondary.RestoreSnapshot(ctx, path); err != nil {
			return fmt.Errorf("secondary store: %w", err)
		}
		o.annotate(rs.id, func(j *registry.RecoveryJob) {
			j.Result.RecoveredCount = 2 + len(plan.segments)
		})
		return nil
	})
	if err != nil {
		return err
	}
	o.progress(rs.id, 60)

	return o.phase(ctx, rs, registry.RecoveryValidating, 80, func(ctx context.Context) error {
		if req.DryRun {
			return nil
		}
		if err := o.verifyStaged(ctx, rs); err != nil {
			return err
		}
		if err := o.verifyPrimary(ctx, rs); err != nil {
			return err
		}
		if err := o.verifyCrossStore(ctx, rs, plan.base, kv); err != nil {
			return err
		}
		o.progress(rs.id, 90)
		return o.restartServices(ctx, rs, req.Services)
	})
}

// verifyCrossStore checks that the secondary store came back with its keys
// and that both stores were restored from roughly the same moment.
func (o *Orchestrator) verifyCrossStore(ctx context.Context, rs *runState, base, kv *backup.Artifact) error {
	keys, err := o.secondary.KeyCount(ctx)
	if err != nil {
		return fmt.Errorf("recovery: count secondary keys: %w", err)
	}
	if want, err := strconv.ParseInt(kv.Metadata["keys"], 10, 64); err == nil {
		if want > 0 && keys == 0 {
			return fmt.Errorf("%w: secondary store is empty, snapshot %s held %d keys", ErrIntegrity, kv.ID, want)
		}
		if keys < want {
			o.warn(rs.id, fmt.Sprintf("secondary store has %d keys, snapshot recorded %d", keys, want))
		}
	}

	skew := base.Timestamp.Sub(kv.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > o.cfg.MaxStoreSkew {
		o.warn(rs.id, fmt.Sprintf("primary and secondary backups are %s apart", skew))
	}
	return nil
}

func (o *Orchestrator) restartServices(ctx context.Context, rs *runState, services []string) error {
	if len(services) == 0 {
		services = o.cfg.Services
	}
	if len(services) > 0 && o.services == nil {
		return fmt.Errorf("recovery: %d services to restart and no service manager configured", len(services))
	}
	for _, svc := range services {
		if err := o.services.Restart(ctx, svc); err != nil {
			return fmt.Errorf("recovery: restart %s: %w", svc, err)
		}
		o.logger.Info("service restarted", zap.String("job_id", rs.id), zap.String("service", svc))
	}
	return nil
}
