package recovery

import (
	"context"
	"fmt"
	"os"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/registry"
	"go.uber.org/zap"
)

var riskOrder = map[backup.RiskLevel]int{
	backup.RiskLow:      0,
	backup.RiskMedium:   1,
	backup.RiskHigh:     2,
	backup.RiskCritical: 3,
}

// Validate re-checks the artifacts a job restored from and, for jobs that
// brought up an instance, the instance itself. Damaged artifacts are
// quarantined. Only completed jobs can be valid.
func (o *Orchestrator) Validate(ctx context.Context, id string) (*ValidationOutcome, error) {
	job, ok := o.registry.RecoveryJob(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	vctx, cancel := context.WithTimeout(ctx, o.cfg.ValidationTimeout)
	defer cancel()

	out := &ValidationOutcome{JobID: id, IsValid: true, Confidence: 1, RiskLevel: string(backup.RiskLow)}
	risk := backup.RiskLow
	raise := func(r backup.RiskLevel) {
		if riskOrder[r] > riskOrder[risk] {
			risk = r
		}
	}

	if job.Status != registry.RecoveryCompleted {
		out.IsValid = false
		out.Details = append(out.Details, fmt.Sprintf("job is %s", job.Status))
		raise(backup.RiskMedium)
	}

	scratch, err := os.MkdirTemp("", "warden-validate-")
	if err != nil {
		return nil, fmt.Errorf("recovery: validation workspace: %w", err)
	}
	defer os.RemoveAll(scratch)

	for _, ref := range job.ArtifactRefs {
		art, ok := o.catalog.Get(ref)
		if !ok {
			out.IsValid = false
			out.Details = append(out.Details, fmt.Sprintf("artifact %s is no longer catalogued", ref))
			raise(backup.RiskMedium)
			continue
		}
		path, err := o.fetcher.Fetch(vctx, art, scratch)
		if err != nil {
			out.IsValid = false
			out.Details = append(out.Details, fmt.Sprintf("artifact %s: %v", ref, err))
			raise(backup.RiskHigh)
			continue
		}
		res, err := o.validator.Validate(vctx, path)
		if err != nil {
			return nil, fmt.Errorf("recovery: validate artifact %s: %w", ref, err)
		}
		// Validator confidence is in its verdict; turn it into confidence
		// that the artifact is good.
		good := res.Confidence
		if !res.IsValid {
			good = 1 - res.Confidence
		}
		if good < out.Confidence {
			out.Confidence = good
		}
		raise(res.RiskLevel)
		if !res.IsValid {
			out.IsValid = false
			out.Details = append(out.Details, fmt.Sprintf("artifact %s: %s", ref, res.Details))
		}
		if res.RiskLevel.IsIntegrityFailure() {
			o.quarantine(ref, res.Details)
			out.Quarantined = append(out.Quarantined, ref)
		}
	}

	if o.checksInstance(job) {
		report, err := o.primary.CheckConsistency(vctx)
		switch {
		case err != nil:
			out.IsValid = false
			out.Details = append(out.Details, "consistency check: "+err.Error())
			raise(backup.RiskHigh)
		default:
			for _, issue := range report.Issues {
				out.Details = append(out.Details, issue)
				out.Confidence -= 0.1
			}
			if report.ProbeLatency > o.cfg.SlowProbe {
				out.Details = append(out.Details, fmt.Sprintf("probe latency %s", report.ProbeLatency))
				out.Confidence -= 0.05
			}
		}
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	out.RiskLevel = string(risk)

	now := o.clock.Now()
	o.annotate(id, func(j *registry.RecoveryJob) {
		j.Timeline = append(j.Timeline, registry.TimelineEntry{
			Timestamp: now,
			Action:    "validated",
			Message:   fmt.Sprintf("valid=%t confidence=%.2f risk=%s", out.IsValid, out.Confidence, out.RiskLevel),
		})
	})
	o.logger.Info("recovery validated",
		zap.String("job_id", id),
		zap.Bool("valid", out.IsValid),
		zap.Float64("confidence", out.Confidence),
		zap.String("risk", out.RiskLevel))
	return out, nil
}

func (o *Orchestrator) checksInstance(job *registry.RecoveryJob) bool {
	if job.DryRun || job.Status != registry.RecoveryCompleted {
		return false
	}
	return job.Method == registry.MethodPITR || job.Method == registry.MethodFullRestore
}
