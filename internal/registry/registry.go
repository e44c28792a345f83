// Package registry holds the authoritative in-memory state of executions,
// recovery jobs, disaster events and failovers. Reads return copies; an
// optional Store receives write-through snapshots.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("registry: not found")
	ErrTerminal  = errors.New("registry: record is terminal")
	ErrDuplicate = errors.New("registry: duplicate id")
)

// RecordKind names a table in the Store.
type RecordKind string

const (
	KindExecution RecordKind = "execution"
	KindRecovery  RecordKind = "recovery"
	KindDisaster  RecordKind = "disaster"
	KindFailover  RecordKind = "failover"
)

// Store persists snapshots of registry records.
type Store interface {
	Save(ctx context.Context, kind RecordKind, id, status string, record any) error
}

type table[T any] struct {
	mu    sync.RWMutex
	items map[string]*T
	order []string
	clone func(*T) *T
}

func newTable[T any](clone func(*T) *T) *table[T] {
	return &table[T]{items: make(map[string]*T), clone: clone}
}

func (t *table[T]) put(id string, v *T) (*T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	t.items[id] = t.clone(v)
	t.order = append(t.order, id)
	return t.clone(v), nil
}

func (t *table[T]) update(id string, terminal func(*T) bool, fn func(*T) error) (*T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if terminal != nil && terminal(cur) {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	next := t.clone(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	t.items[id] = next
	return t.clone(next), nil
}

func (t *table[T]) get(id string) (*T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.items[id]
	if !ok {
		return nil, false
	}
	return t.clone(v), true
}

func (t *table[T]) list(keep func(*T) bool) []*T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*T, 0, len(t.order))
	for _, id := range t.order {
		v := t.items[id]
		if keep == nil || keep(v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// Registry is safe for concurrent use.
type Registry struct {
	executions *table[Execution]
	recoveries *table[RecoveryJob]
	disasters  *table[DisasterEvent]
	failovers  *table[FailoverExecution]

	store        Store
	storeTimeout time.Duration
	logger       *zap.Logger
}

// New creates a registry. store may be nil.
func New(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		executions:   newTable((*Execution).Clone),
		recoveries:   newTable((*RecoveryJob).Clone),
		disasters:    newTable((*DisasterEvent).Clone),
		failovers:    newTable((*FailoverExecution).Clone),
		store:        store,
		storeTimeout: 5 * time.Second,
		logger:       logger.Named("registry"),
	}
}

func (r *Registry) persist(kind RecordKind, id, status string, record any) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.store.Save(ctx, kind, id, status, record); err != nil {
		r.logger.Warn("failed to persist record",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Error(err))
	}
}

// PutExecution registers a new execution.
func (r *Registry) PutExecution(e *Execution) error {
	saved, err := r.executions.put(e.ID, e)
	if err != nil {
		return err
	}
	r.persist(KindExecution, saved.ID, string(saved.Status), saved)
	return nil
}

// UpdateExecution applies fn to a copy of the execution and stores it.
// Terminal executions are immutable.
func (r *Registry) UpdateExecution(id string, fn func(*Execution) error) (*Execution, error) {
	saved, err := r.executions.update(id, func(e *Execution) bool { return e.Status.Terminal() }, fn)
	if err != nil {
		return nil, err
	}
	r.persist(KindExecution, saved.ID, string(saved.Status), saved)
	return saved.Clone(), nil
}

func (r *Registry) Execution(id string) (*Execution, bool) {
	return r.executions.get(id)
}

// ExecutionFilter selects executions. Zero fields match everything.
type ExecutionFilter struct {
	JobRef         string
	Status         ExecutionStatus
	IdempotencyKey string
	Since          time.Time
}

// Executions returns matching executions in creation order.
func (r *Registry) Executions(f ExecutionFilter) []*Execution {
	return r.executions.list(func(e *Execution) bool {
		if f.JobRef != "" && e.JobRef != f.JobRef {
			return false
		}
		if f.Status != "" && e.Status != f.Status {
			return false
		}
		if f.IdempotencyKey != "" && e.IdempotencyKey != f.IdempotencyKey {
			return false
		}
		if !f.Since.IsZero() && e.QueuedAt.Before(f.Since) {
			return false
		}
		return true
	})
}

func (r *Registry) PutRecoveryJob(j *RecoveryJob) error {
	saved, err := r.recoveries.put(j.ID, j)
	if err != nil {
		return err
	}
	r.persist(KindRecovery, saved.ID, string(saved.Status), saved)
	return nil
}

// UpdateRecoveryJob applies fn to a copy of the job. Completed jobs may still
// be annotated (validation, promotion).
func (r *Registry) UpdateRecoveryJob(id string, fn func(*RecoveryJob) error) (*RecoveryJob, error) {
	saved, err := r.recoveries.update(id, nil, fn)
	if err != nil {
		return nil, err
	}
	r.persist(KindRecovery, saved.ID, string(saved.Status), saved)
	return saved.Clone(), nil
}

func (r *Registry) RecoveryJob(id string) (*RecoveryJob, bool) {
	return r.recoveries.get(id)
}

// RecoveryJobs returns every recovery job, newest last.
func (r *Registry) RecoveryJobs() []*RecoveryJob {
	return r.recoveries.list(nil)
}

func (r *Registry) PutDisaster(d *DisasterEvent) error {
	saved, err := r.disasters.put(d.ID, d)
	if err != nil {
		return err
	}
	r.persist(KindDisaster, saved.ID, string(saved.Status), saved)
	return nil
}

func (r *Registry) UpdateDisaster(id string, fn func(*DisasterEvent) error) (*DisasterEvent, error) {
	saved, err := r.disasters.update(id, nil, fn)
	if err != nil {
		return nil, err
	}
	r.persist(KindDisaster, saved.ID, string(saved.Status), saved)
	return saved.Clone(), nil
}

func (r *Registry) Disaster(id string) (*DisasterEvent, bool) {
	return r.disasters.get(id)
}

// Disasters returns disaster events, optionally only those in status.
func (r *Registry) Disasters(status DisasterStatus) []*DisasterEvent {
	return r.disasters.list(func(d *DisasterEvent) bool {
		return status == "" || d.Status == status
	})
}

// ActiveDisasters returns every disaster not yet resolved.
func (r *Registry) ActiveDisasters() []*DisasterEvent {
	return r.disasters.list(func(d *DisasterEvent) bool {
		return d.Status != DisasterResolved
	})
}

func (r *Registry) PutFailover(f *FailoverExecution) error {
	saved, err := r.failovers.put(f.ID, f)
	if err != nil {
		return err
	}
	r.persist(KindFailover, saved.ID, string(saved.Status), saved)
	return nil
}

// UpdateFailover applies fn to a copy of a failover. Terminal failovers are
// immutable.
func (r *Registry) UpdateFailover(id string, fn func(*FailoverExecution) error) (*FailoverExecution, error) {
	saved, err := r.failovers.update(id, func(f *FailoverExecution) bool { return f.Status.Terminal() }, fn)
	if err != nil {
		return nil, err
	}
	r.persist(KindFailover, saved.ID, string(saved.Status), saved)
	return saved.Clone(), nil
}

func (r *Registry) Failover(id string) (*FailoverExecution, bool) {
	return r.failovers.get(id)
}

// Failovers returns failovers, optionally only those in status.
func (r *Registry) Failovers(status FailoverStatus) []*FailoverExecution {
	return r.failovers.list(func(f *FailoverExecution) bool {
		return status == "" || f.Status == status
	})
}

// RecentExecutions returns the last n executions, newest first.
func (r *Registry) RecentExecutions(n int) []*Execution {
	all := r.executions.list(nil)
	sort.SliceStable(all, func(i, j int) bool { return all[i].QueuedAt.After(all[j].QueuedAt) })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
