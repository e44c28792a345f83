package registry

import (
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/loadcheck"
)

// ManualJobRef is the job reference of executions started by an operator.
const ManualJobRef = "manual"

// TimelineEntry is one append-only record of something that happened to a
// recovery job or disaster event.
type TimelineEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	Actor     string    `json:"actor,omitempty"`
}

// ScheduledJob is a periodic backup definition. Jobs are deactivated, never
// deleted.
type ScheduledJob struct {
	ID                 string        `json:"id"`
	Kind               backup.Kind   `json:"kind"`
	Schedule           string        `json:"schedule"`
	Priority           int           `json:"priority"`
	IsActive           bool          `json:"is_active"`
	RetryCount         int           `json:"retry_count"`
	MaxRetries         int           `json:"max_retries"`
	NextRun            time.Time     `json:"next_run"`
	LastExecutionStart time.Time     `json:"last_execution_start,omitempty"`
	LastDuration       time.Duration `json:"last_duration,omitempty"`
}

// ExecutionStatus is the lifecycle state of one backup run.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is one run of a scheduled job or a manual trigger.
type Execution struct {
	ID             string              `json:"id"`
	JobRef         string              `json:"job_ref"`
	Kind           backup.Kind         `json:"kind"`
	Priority       int                 `json:"priority"`
	Status         ExecutionStatus     `json:"status"`
	Attempt        int                 `json:"attempt"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	QueuedAt       time.Time           `json:"queued_at"`
	StartTime      time.Time           `json:"start_time,omitempty"`
	EndTime        time.Time           `json:"end_time,omitempty"`
	Result         *backup.Artifact    `json:"result,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Load           *loadcheck.Snapshot `json:"load,omitempty"`
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Result = e.Result.Clone()
	if e.Load != nil {
		l := *e.Load
		c.Load = &l
	}
	return &c
}

// DataStore is the target of a recovery.
type DataStore string

const (
	DataStorePrimary    DataStore = "primary"
	DataStoreSecondary  DataStore = "secondary"
	DataStoreFullSystem DataStore = "full-system"
)

// RecoveryMethod is how a recovery restores data.
type RecoveryMethod string

const (
	MethodPITR        RecoveryMethod = "pitr"
	MethodFullRestore RecoveryMethod = "full-restore"
	MethodSelective   RecoveryMethod = "selective"
	MethodIncremental RecoveryMethod = "incremental"
)

// RecoveryStatus is the phase a recovery job is in.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryPreparing  RecoveryStatus = "preparing"
	RecoveryRecovering RecoveryStatus = "recovering"
	RecoveryValidating RecoveryStatus = "validating"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
)

func (s RecoveryStatus) Terminal() bool {
	return s == RecoveryCompleted || s == RecoveryFailed
}

// RecoveryParameters scope a recovery.
type RecoveryParameters struct {
	Include        []string `json:"include,omitempty"`
	Exclude        []string `json:"exclude,omitempty"`
	TargetDataDir  string   `json:"target_data_dir,omitempty"`
	TargetDatabase string   `json:"target_database,omitempty"`
	TargetLSN      string   `json:"target_lsn,omitempty"`
	TargetXID      string   `json:"target_xid,omitempty"`
}

// Progress is monotone: Percentage never decreases.
type Progress struct {
	Percentage   int    `json:"percentage"`
	CurrentPhase string `json:"current_phase"`
}

// RecoveryOutcome summarises what a recovery restored.
type RecoveryOutcome struct {
	RecoveredCount int      `json:"recovered_count"`
	Warnings       []string `json:"warnings,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

// RecoveryJob is one point-in-time, full-system or selective recovery.
type RecoveryJob struct {
	ID            string             `json:"id"`
	DataStore     DataStore          `json:"data_store"`
	Method        RecoveryMethod     `json:"method"`
	Status        RecoveryStatus     `json:"status"`
	TargetTime    *time.Time         `json:"target_time,omitempty"`
	BackupSource  string             `json:"backup_source,omitempty"`
	ArtifactRefs  []string           `json:"artifact_refs,omitempty"`
	Parameters    RecoveryParameters `json:"parameters"`
	Progress      Progress           `json:"progress"`
	Result        RecoveryOutcome    `json:"result"`
	DryRun        bool               `json:"dry_run"`
	Promoted      bool               `json:"promoted,omitempty"`
	WorkDir       string             `json:"work_dir,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   time.Time          `json:"completed_at,omitempty"`
	Timeline      []TimelineEntry    `json:"timeline"`
}

func (j *RecoveryJob) Clone() *RecoveryJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.TargetTime != nil {
		t := *j.TargetTime
		c.TargetTime = &t
	}
	c.ArtifactRefs = append([]string(nil), j.ArtifactRefs...)
	c.Parameters.Include = append([]string(nil), j.Parameters.Include...)
	c.Parameters.Exclude = append([]string(nil), j.Parameters.Exclude...)
	c.Result.Warnings = append([]string(nil), j.Result.Warnings...)
	c.Result.Errors = append([]string(nil), j.Result.Errors...)
	c.Timeline = append([]TimelineEntry(nil), j.Timeline...)
	return &c
}

// DisasterKind categorises a declared disaster.
type DisasterKind string

const (
	DisasterOutage          DisasterKind = "outage"
	DisasterDegradation     DisasterKind = "degradation"
	DisasterSecurity        DisasterKind = "security"
	DisasterDataCorruption  DisasterKind = "data-corruption"
	DisasterNaturalDisaster DisasterKind = "natural-disaster"
)

// Severity of a disaster. Rank orders them from minor (1) to catastrophic (4).
type Severity string

const (
	SeverityMinor        Severity = "minor"
	SeverityMajor        Severity = "major"
	SeverityCritical     Severity = "critical"
	SeverityCatastrophic Severity = "catastrophic"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityMajor:
		return 2
	case SeverityCritical:
		return 3
	case SeverityCatastrophic:
		return 4
	default:
		return 0
	}
}

// DisasterStatus moves active -> recovering -> resolved.
type DisasterStatus string

const (
	DisasterActive     DisasterStatus = "active"
	DisasterRecovering DisasterStatus = "recovering"
	DisasterResolved   DisasterStatus = "resolved"
)

func (s DisasterStatus) order() int {
	switch s {
	case DisasterActive:
		return 0
	case DisasterRecovering:
		return 1
	case DisasterResolved:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether next does not move the status backwards.
func (s DisasterStatus) CanAdvanceTo(next DisasterStatus) bool {
	return next.order() >= s.order()
}

// DisasterEvent is a declared disaster and everything done about it.
type DisasterEvent struct {
	ID               string          `json:"id"`
	Kind             DisasterKind    `json:"kind"`
	Severity         Severity        `json:"severity"`
	AffectedRegions  []string        `json:"affected_regions"`
	AffectedServices []string        `json:"affected_services"`
	Status           DisasterStatus  `json:"status"`
	DeclaredAt       time.Time       `json:"declared_at"`
	ResolvedAt       time.Time       `json:"resolved_at,omitempty"`
	RecoveryPlanRef  string          `json:"recovery_plan_ref,omitempty"`
	FailoverRef      string          `json:"failover_ref,omitempty"`
	Timeline         []TimelineEntry `json:"timeline"`
}

func (d *DisasterEvent) Clone() *DisasterEvent {
	if d == nil {
		return nil
	}
	c := *d
	c.AffectedRegions = append([]string(nil), d.AffectedRegions...)
	c.AffectedServices = append([]string(nil), d.AffectedServices...)
	c.Timeline = append([]TimelineEntry(nil), d.Timeline...)
	return &c
}

// FailoverStatus is the lifecycle of a failover execution.
type FailoverStatus string

const (
	FailoverPending    FailoverStatus = "pending"
	FailoverInProgress FailoverStatus = "in-progress"
	FailoverCompleted  FailoverStatus = "completed"
	FailoverFailed     FailoverStatus = "failed"
	FailoverRolledBack FailoverStatus = "rolled-back"
)

func (s FailoverStatus) Terminal() bool {
	return s == FailoverCompleted || s == FailoverFailed || s == FailoverRolledBack
}

// FailoverMetrics are reported by the steps of a failover.
type FailoverMetrics struct {
	DataSynced           int64   `json:"data_synced"`
	ServicesRelocated    int     `json:"services_relocated"`
	TrafficRedirectedPct float64 `json:"traffic_redirected_pct"`
}

// StepRecord is the outcome of one recovery plan step.
type StepRecord struct {
	Name           string        `json:"name"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	RollbackErrors []string      `json:"rollback_errors,omitempty"`
}

// FailoverExecution is one run of a recovery plan moving service between
// regions.
type FailoverExecution struct {
	ID               string          `json:"id"`
	DisasterEventRef string          `json:"disaster_event_ref,omitempty"`
	PlanRef          string          `json:"plan_ref"`
	Direction        string          `json:"direction"`
	FromRegion       string          `json:"from_region"`
	ToRegion         string          `json:"to_region"`
	Status           FailoverStatus  `json:"status"`
	StepsCompleted   int             `json:"steps_completed"`
	TotalSteps       int             `json:"total_steps"`
	Steps            []StepRecord    `json:"steps"`
	Errors           []string        `json:"errors,omitempty"`
	Metrics          FailoverMetrics `json:"metrics"`
	ActualRTO        time.Duration   `json:"actual_rto"`
	DryRun           bool            `json:"dry_run"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
}

func (f *FailoverExecution) Clone() *FailoverExecution {
	if f == nil {
		return nil
	}
	c := *f
	c.Errors = append([]string(nil), f.Errors...)
	c.Steps = make([]StepRecord, len(f.Steps))
	for i, s := range f.Steps {
		s.RollbackErrors = append([]string(nil), s.RollbackErrors...)
		c.Steps[i] = s
	}
	return &c
}
