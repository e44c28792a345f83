package scheduler

import (
	"sort"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"github.com/FairForge/warden/internal/registry"
)

// Metrics are cumulative counters since the scheduler was created.
type Metrics struct {
	Queued            int64         `json:"queued"`
	Started           int64         `json:"started"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	Cancelled         int64         `json:"cancelled"`
	Skipped           int64         `json:"skipped"`
	Retries           int64         `json:"retries"`
	PermanentFailures int64         `json:"permanent_failures"`
	TotalDuration     time.Duration `json:"total_duration"`
}

// AverageDuration is the mean duration of completed executions.
func (m Metrics) AverageDuration() time.Duration {
	if m.Completed == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.Completed)
}

// QueuedExecution is a queue entry in dispatch order.
type QueuedExecution struct {
	ID       string      `json:"id"`
	JobRef   string      `json:"job_ref"`
	Kind     backup.Kind `json:"kind"`
	Priority int         `json:"priority"`
	QueuedAt time.Time   `json:"queued_at"`
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Paused  bool                    `json:"paused"`
	Window  string                  `json:"window"`
	Jobs    []registry.ScheduledJob `json:"jobs"`
	Queue   []QueuedExecution       `json:"queue"`
	Running []*registry.Execution   `json:"running"`
	Metrics Metrics                 `json:"metrics"`
}

// Status returns a snapshot of jobs, the queue, running executions and
// counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Paused:  s.paused,
		Window:  s.window.String(),
		Jobs:    make([]registry.ScheduledJob, 0, len(s.jobOrder)),
		Metrics: s.metrics,
	}
	for _, id := range s.jobOrder {
		st.Jobs = append(st.Jobs, s.jobs[id].job)
	}
	for _, item := range s.queue.Items() {
		st.Queue = append(st.Queue, QueuedExecution{
			ID:       item.ID,
			JobRef:   item.Value.JobRef,
			Kind:     item.Value.Kind,
			Priority: item.Priority,
			QueuedAt: item.EnqueuedAt,
		})
	}
	for id := range s.running {
		if e, ok := s.registry.Execution(id); ok {
			st.Running = append(st.Running, e)
		}
	}
	sort.Slice(st.Running, func(i, j int) bool {
		return st.Running[i].StartTime.Before(st.Running[j].StartTime)
	})
	return st
}

// RunningCount reports how many executions hold a concurrency slot.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Execution returns a snapshot of one execution.
func (s *Scheduler) Execution(id string) (*registry.Execution, bool) {
	return s.registry.Execution(id)
}
