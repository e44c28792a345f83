// Package recovery drives point-in-time, full-system and selective
// recoveries as phase state machines over the backup catalog.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/warden/internal/registry"
)

var (
	ErrNoEligibleBackup = errors.New("recovery: no eligible backup")
	ErrToolMissing      = errors.New("recovery: restore tooling missing")
	ErrPhaseTimeout     = errors.New("recovery: phase timed out")
	ErrCancelled        = errors.New("recovery: cancelled")
	ErrJobNotFound      = errors.New("recovery: job not found")
	ErrInvalidRequest   = errors.New("recovery: invalid request")
	ErrNotPromotable    = errors.New("recovery: job cannot be promoted")
	ErrIntegrity        = errors.New("recovery: data integrity check failed")
)

// CancelledReason is the failure reason of a cancelled job.
const CancelledReason = "cancelled"

// Phase names as they appear in job progress and events.
const (
	PhasePending    = "pending"
	PhasePreparing  = "preparing"
	PhaseRecovering = "recovering"
	PhaseValidating = "validating"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
)

// PhaseError ties a failure to the phase it happened in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("recovery: phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// RecoveryRequest is one of PITRRequest, FullSystemRequest or
// SelectiveRequest.
type RecoveryRequest interface {
	Validate() error
	describe(j *registry.RecoveryJob)
}

// PITRRequest restores the primary store to TargetTime, or to an LSN or
// transaction id when one is given.
type PITRRequest struct {
	TargetTime time.Time `json:"target_time"`
	BackupName string    `json:"backup_name,omitempty"`
	TargetLSN  string    `json:"target_lsn,omitempty"`
	TargetXID  string    `json:"target_xid,omitempty"`
	DryRun     bool      `json:"dry_run"`
	Verify     bool      `json:"validate"`
}

func (r PITRRequest) Validate() error {
	if r.TargetTime.IsZero() {
		return fmt.Errorf("%w: target time is required", ErrInvalidRequest)
	}
	if r.TargetLSN != "" && r.TargetXID != "" {
		return fmt.Errorf("%w: target lsn and target xid are mutually exclusive", ErrInvalidRequest)
	}
	return nil
}

func (r PITRRequest) describe(j *registry.RecoveryJob) {
	j.Method = registry.MethodPITR
	j.DataStore = registry.DataStorePrimary
	j.TargetTime = timePtr(r.TargetTime)
	j.BackupSource = r.BackupName
	j.DryRun = r.DryRun
	j.Parameters.TargetLSN = r.TargetLSN
	j.Parameters.TargetXID = r.TargetXID
}

// FullSystemRequest restores both stores and restarts services.
type FullSystemRequest struct {
	TargetTime time.Time `json:"target_time"`
	Services   []string  `json:"services,omitempty"`
	DryRun     bool      `json:"dry_run"`
}

func (r FullSystemRequest) Validate() error {
	if r.TargetTime.IsZero() {
		return fmt.Errorf("%w: target time is required", ErrInvalidRequest)
	}
	return nil
}

func (r FullSystemRequest) describe(j *registry.RecoveryJob) {
	j.Method = registry.MethodFullRestore
	j.DataStore = registry.DataStoreFullSystem
	j.TargetTime = timePtr(r.TargetTime)
	j.DryRun = r.DryRun
}

// SelectiveRequest restores a subset of tables into a scratch database.
type SelectiveRequest struct {
	TargetTime     time.Time `json:"target_time"`
	BackupName     string    `json:"backup_name,omitempty"`
	Include        []string  `json:"include,omitempty"`
	Exclude        []string  `json:"exclude,omitempty"`
	TargetDatabase string    `json:"target_database"`
	DryRun         bool      `json:"dry_run"`
}

func (r SelectiveRequest) Validate() error {
	if r.TargetTime.IsZero() && r.BackupName == "" {
		return fmt.Errorf("%w: target time or backup name is required", ErrInvalidRequest)
	}
	if len(r.Include) == 0 && len(r.Exclude) == 0 {
		return fmt.Errorf("%w: include or exclude list is required", ErrInvalidRequest)
	}
	if r.TargetDatabase == "" {
		return fmt.Errorf("%w: scratch target database is required", ErrInvalidRequest)
	}
	for _, inc := range r.Include {
		for _, exc := range r.Exclude {
			if inc == exc {
				return fmt.Errorf("%w: %q is both included and excluded", ErrInvalidRequest, inc)
			}
		}
	}
	return nil
}

func (r SelectiveRequest) describe(j *registry.RecoveryJob) {
	j.Method = registry.MethodSelective
	j.DataStore = registry.DataStorePrimary
	j.TargetTime = timePtr(r.TargetTime)
	j.BackupSource = r.BackupName
	j.DryRun = r.DryRun
	j.Parameters.Include = append([]string(nil), r.Include...)
	j.Parameters.Exclude = append([]string(nil), r.Exclude...)
	j.Parameters.TargetDatabase = r.TargetDatabase
}

func (r SelectiveRequest) selection() Selection {
	return Selection{Include: r.Include, Exclude: r.Exclude, TargetDatabase: r.TargetDatabase}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ConsistencyReport is what a restore tool learns about a started instance.
type ConsistencyReport struct {
	Databases    int
	InRecovery   bool
	ProbeLatency time.Duration
	Issues       []string
}

// Selection scopes a selective restore.
type Selection struct {
	Include        []string
	Exclude        []string
	TargetDatabase string
}

// RestoreTool restores the primary store.
type RestoreTool interface {
	RequiredTools() []string
	FetchBaseBackup(ctx context.Context, artifactPath, dataDir string) error
	ApplyLogSegments(ctx context.Context, dataDir string, d Directive) error
	StartInstance(ctx context.Context, dataDir string) error
	StopInstance(ctx context.Context, dataDir string) error
	CheckConsistency(ctx context.Context) (*ConsistencyReport, error)
	RestoreSelective(ctx context.Context, artifactPath string, sel Selection) (int, error)
	PromoteSelective(ctx context.Context, sel Selection) error
}

// KVRestorer restores the secondary key-value store.
type KVRestorer interface {
	RestoreSnapshot(ctx context.Context, artifactPath string) error
	KeyCount(ctx context.Context) (int64, error)
}

// ServiceManager restarts application services after a full-system recovery.
type ServiceManager interface {
	Restart(ctx context.Context, service string) error
}

// ValidationOutcome is the result of validating a recovery job.
type ValidationOutcome struct {
	JobID       string   `json:"job_id"`
	IsValid     bool     `json:"is_valid"`
	Confidence  float64  `json:"confidence"`
	RiskLevel   string   `json:"risk_level"`
	Quarantined []string `json:"quarantined,omitempty"`
	Details     []string `json:"details,omitempty"`
}

// TimeRange bounds ListRecoveryPoints. Zero ends are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}
