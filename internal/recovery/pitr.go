package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/registry"
	"go.uber.org/zap"
)

// primaryPlan is the base backup and change-log segments that bring the
// primary store to a target.
type primaryPlan struct {
	base     *backup.Artifact
	segments []*backup.Artifact
}

func (p primaryPlan) refs() []string {
	refs := []string{p.base.ID}
	for _, s := range p.segments {
		refs = append(refs, s.ID)
	}
	return refs
}

// SelectBackup returns the newest usable base backup of the primary store
// taken at or before target.
func (o *Orchestrator) SelectBackup(target time.Time) (*backup.Artifact, error) {
	art, err := o.catalog.LatestBase(backup.StorePrimary, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEligibleBackup, err)
	}
	return art, nil
}

// named looks up an operator-chosen artifact and checks it can be restored
// from.
func (o *Orchestrator) named(id string, store backup.Store, kinds ...backup.Kind) (*backup.Artifact, error) {
	art, ok := o.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: backup %s not found", ErrNoEligibleBackup, id)
	}
	if reason, bad := o.catalog.IsQuarantined(id); bad {
		return nil, fmt.Errorf("%w: backup %s is quarantined: %s", ErrNoEligibleBackup, id, reason)
	}
	if art.Store != store {
		return nil, fmt.Errorf("%w: backup %s belongs to the %s store", ErrNoEligibleBackup, id, art.Store)
	}
	for _, k := range kinds {
		if art.Kind == k {
			return art, nil
		}
	}
	return nil, fmt.Errorf("%w: backup %s is a %s backup", ErrNoEligibleBackup, id, art.Kind)
}

// planPrimary picks the base backup and every segment needed to replay to
// target. The first segment archived after the target is included since it
// holds the records up to the target.
func (o *Orchestrator) planPrimary(target time.Time, backupName string) (primaryPlan, error) {
	var (
		base *backup.Artifact
		err  error
	)
	if backupName != "" {
		base, err = o.named(backupName, backup.StorePrimary, backup.KindFull)
		if err == nil && base.Timestamp.After(target) {
			err = fmt.Errorf("%w: backup %s was taken after the target time", ErrNoEligibleBackup, backupName)
		}
	} else {
		base, err = o.SelectBackup(target)
	}
	if err != nil {
		return primaryPlan{}, err
	}

	all := o.catalog.Segments(backup.StorePrimary, base.Timestamp, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	plan := primaryPlan{base: base}
	for _, s := range all {
		plan.segments = append(plan.segments, s)
		if s.Timestamp.After(target) {
			break
		}
	}
	return plan, nil
}

func (o *Orchestrator) runPITR(ctx context.Context, rs *runState, req PITRRequest) error {
	var (
		plan      primaryPlan
		directive Directive
	)

	err := o.phase(ctx, rs, registry.RecoveryPreparing, 10, func(ctx context.Context) error {
		directive = NewDirective(rs.segmentDir(), req.TargetTime, req.TargetLSN, req.TargetXID)
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
		plan, err = o.planPrimary(req.TargetTime, req.BackupName)
		if err != nil {
			return err
		}
		o.annotate(rs.id, func(j *registry.RecoveryJob) {
			j.BackupSource = plan.base.ID
			j.ArtifactRefs = plan.refs()
		})
		if req.DryRun {
			o.logger.Info("dry run: would restore base backup",
				zap.String("job_id", rs.id),
				zap.String("base", plan.base.ID),
				zap.Int("segments", len(plan.segments)))
			return nil
		}
		if err := o.restorePrimary(ctx, rs, plan, directive); err != nil {
			return err
		}
		o.annotate(rs.id, func(j *registry.RecoveryJob) {
			j.Result.RecoveredCount = 1 + len(plan.segments)
		})
		return nil
	})
	if err != nil {
		return err
	}
	o.progress(rs.id, 60)

	if !req.Verify {
		return nil
	}
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
		o.progress(rs.id, 90)
		return nil
	})
}

// restorePrimary unpacks the base backup, stages the segments for replay
// and starts the instance, which replays up to the directive's target.
func (o *Orchestrator) restorePrimary(ctx context.Context, rs *runState, plan primaryPlan, d Directive) error {
	basePath, err := o.stage(ctx, rs, plan.base)
	if err != nil {
		return err
	}
	if err := o.primary.FetchBaseBackup(ctx, basePath, rs.dataDir()); err != nil {
		return err
	}

	for _, seg := range plan.segments {
		path, err := o.stage(ctx, rs, seg)
		if err != nil {
			return err
		}
		name := seg.Metadata["segment"]
		if name == "" {
			name = filepath.Base(path)
		}
		if err := copyFile(path, filepath.Join(rs.segmentDir(), name)); err != nil {
			return fmt.Errorf("recovery: stage segment %s: %w", seg.ID, err)
		}
	}

	if err := o.primary.ApplyLogSegments(ctx, rs.dataDir(), d); err != nil {
		return err
	}
	rs.started = true
	rs.keep = true
	if err := o.primary.StartInstance(ctx, rs.dataDir()); err != nil {
		return err
	}
	return nil
}

// verifyStaged checks the checksum of every artifact the run restored.
// Damaged artifacts are quarantined.
func (o *Orchestrator) verifyStaged(ctx context.Context, rs *runState) error {
	for _, s := range rs.staged {
		res, err := o.validator.Validate(ctx, s.fetched)
		if err != nil {
			return fmt.Errorf("recovery: validate artifact %s: %w", s.id, err)
		}
		if res.RiskLevel.IsIntegrityFailure() {
			o.quarantine(s.id, res.Details)
			return fmt.Errorf("%w: artifact %s: %s", ErrIntegrity, s.id, res.Details)
		}
		if !res.IsValid {
			o.warn(rs.id, fmt.Sprintf("artifact %s could not be fully verified: %s", s.id, res.Details))
		}
	}
	return nil
}

// verifyPrimary checks the structure of the recovered instance and probes
// its latency.
func (o *Orchestrator) verifyPrimary(ctx context.Context, rs *runState) error {
	report, err := o.primary.CheckConsistency(ctx)
	if err != nil {
		return fmt.Errorf("recovery: consistency check: %w", err)
	}
	if report.Databases == 0 {
		return fmt.Errorf("%w: recovered instance has no databases", ErrIntegrity)
	}
	for _, issue := range report.Issues {
		o.warn(rs.id, issue)
	}
	if report.ProbeLatency > o.cfg.SlowProbe {
		o.warn(rs.id, fmt.Sprintf("probe latency %s above %s", report.ProbeLatency, o.cfg.SlowProbe))
	}
	return nil
}

func (o *Orchestrator) quarantine(artifactID, reason string) {
	if err := o.catalog.Quarantine(artifactID, reason); err != nil {
		o.logger.Warn("could not quarantine artifact", zap.String("artifact_id", artifactID), zap.Error(err))
		return
	}
	o.events.Publish(events.Event{
		Type:    events.ArtifactQuarantined,
		Subject: artifactID,
		Reason:  reason,
	})
}
