package recovery

import (
	"context"
	"fmt"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/registry"
	"go.uber.org/zap"
)

func (o *Orchestrator) planSelective(req SelectiveRequest) (*backup.Artifact, error) {
	if req.BackupName != "" {
		return o.named(req.BackupName, backup.StorePrimary, backup.KindSnapshotPrimary)
	}
	art, err := o.catalog.Latest(backup.StorePrimary, []backup.Kind{backup.KindSnapshotPrimary}, req.TargetTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEligibleBackup, err)
	}
	return art, nil
}

func (o *Orchestrator) runSelective(ctx context.Context, rs *runState, req SelectiveRequest) error {
	err := o.phase(ctx, rs, registry.RecoveryPreparing, 10, func(ctx context.Context) error {
		if req.DryRun {
			return nil
		}
		if err := rs.prepare(); err != nil {
			return err
		}
		o.progress(rs.id, 20)
		return nil
	})
	if err != nil {
		return err
	}

	var restored int
	err = o.phase(ctx, rs, registry.RecoveryRecovering, 30, func(ctx context.Context) error {
		snap, err := o.planSelective(req)
		if err != nil {
			return err
		}
		o.annotate(rs.id, func(j *registry.RecoveryJob) {
			j.BackupSource = snap.ID
			j.ArtifactRefs = []string{snap.ID}
		})
		if req.DryRun {
			return nil
		}

		path, err := o.stage(ctx, rs, snap)
		if err != nil {
			return err
		}
		restored, err = o.primary.RestoreSelective(ctx, path, req.selection())
		if err != nil {
			return err
		}
		o.annotate(rs.id, func(j *registry.RecoveryJob) {
			j.Result.RecoveredCount = restored
		})
		o.logger.Info("selective restore finished",
			zap.String("job_id", rs.id),
			zap.String("target_database", req.TargetDatabase),
			zap.Int("objects", restored))
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
		if restored == 0 {
			o.warn(rs.id, "no objects matched the include and exclude lists")
		}
		o.progress(rs.id, 90)
		return nil
	})
}

// Promote copies the tables of a completed selective recovery from its
// scratch database into the live database. A job is promoted at most once.
func (o *Orchestrator) Promote(ctx context.Context, id string) error {
	job, ok := o.registry.RecoveryJob(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch {
	case job.Method != registry.MethodSelective:
		return fmt.Errorf("%w: %s is a %s recovery", ErrNotPromotable, id, job.Method)
	case job.Status != registry.RecoveryCompleted:
		return fmt.Errorf("%w: %s is %s", ErrNotPromotable, id, job.Status)
	case job.DryRun:
		return fmt.Errorf("%w: %s was a dry run", ErrNotPromotable, id)
	case job.Promoted:
		return fmt.Errorf("%w: %s was already promoted", ErrNotPromotable, id)
	}
	for _, ref := range job.ArtifactRefs {
		if reason, bad := o.catalog.IsQuarantined(ref); bad {
			return fmt.Errorf("%w: artifact %s is quarantined: %s", ErrNotPromotable, ref, reason)
		}
	}

	sel := Selection{
		Include:        job.Parameters.Include,
		Exclude:        job.Parameters.Exclude,
		TargetDatabase: job.Parameters.TargetDatabase,
	}
	if err := o.primary.PromoteSelective(ctx, sel); err != nil {
		return fmt.Errorf("recovery: promote %s: %w", id, err)
	}

	now := o.clock.Now()
	o.annotate(id, func(j *registry.RecoveryJob) {
		j.Promoted = true
		j.Timeline = append(j.Timeline, registry.TimelineEntry{
			Timestamp: now,
			Action:    "promoted",
			Message:   "restored tables copied into the live database",
		})
	})
	o.logger.Info("selective recovery promoted", zap.String("job_id", id))
	return nil
}
