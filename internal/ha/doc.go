// Package ha coordinates disaster recovery across regions.
//
// # Overview
//
// A Coordinator owns the region topology and moves the primary between
// regions when a disaster is declared:
//   - Region health probing with failure and recovery thresholds
//   - Failover target selection by priority and available capacity
//   - Pre-failover validation of utilization, connectivity and replication lag
//   - Step-wise execution of recovery plans with per-step rollback
//   - Failback gated on the readiness of the original region
//   - Stakeholder notification by escalation level
//   - RTO/RPO tracking and a readiness score
//   - DR tests that never touch the current region
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                     Coordinator                         │
//	│  (declarations, failover slot, readiness, DR tests)     │
//	├──────────────────┬──────────────────┬───────────────────┤
//	│     Topology     │  ActionRegistry  │   RTORPOTracker   │
//	│ (regions, health)│ (step handlers)  │ (objectives)      │
//	├──────────────────┼──────────────────┼───────────────────┤
//	│      Prober      │  WeightedRouter  │  WebhookNotifier  │
//	│ (TCP, lag, load) │ (traffic shares) │  (stakeholders)   │
//	└──────────────────┴──────────────────┴───────────────────┘
//
// # Declaring a disaster
//
//	coord, err := ha.New(cfg, ha.Dependencies{
//		Registry: reg,
//		Recovery: orchestrator,
//		Promoter: pg,
//		Lag:      pg,
//		Backups:  sched,
//		Logger:   logger,
//	})
//
//	id, err := coord.DeclareDisaster(ctx, ha.Declaration{
//		Kind:            registry.DisasterOutage,
//		Severity:        registry.SeverityCritical,
//		AffectedRegions: []string{"us-east"},
//	})
//	fo, err := coord.AwaitFailover(ctx, id)
//
// Critical and catastrophic disasters run the full failover plan, major
// ones the partial plan and anything else a service restart, unless the
// declaration asks for a recovery level.
//
// # Plans and actions
//
// A plan is a list of steps. Each step runs its prerequisites, commands and
// validations in order. Each entry names an action type that is dispatched
// through the ActionRegistry:
//
//	exec                   run a command; {from}, {to} and {failover} are expanded
//	region.check           the region is reachable and healthy
//	replication.check      replication lag is within bounds
//	region.promote         promote the region's standby database
//	services.restart       restart affected services
//	traffic.redirect       move a share of traffic to the target
//	recovery.pitr          point-in-time recovery of the primary store
//	recovery.full-system   full-system recovery
//	backup.trigger         take a backup through the scheduler
//
// When a step fails only that step's rollback runs. Steps that already
// completed are left in place and the failover ends failed.
//
// # Concurrency
//
// At most one failover or failback is in progress system-wide. Declaring
// while one runs returns ErrFailoverInProgress after the disaster has been
// recorded.
package ha
