package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a lifecycle event emitted by the orchestration subsystems.
type Type string

const (
	JobQueued           Type = "job.queued"
	JobStarted          Type = "job.started"
	JobCompleted        Type = "job.completed"
	JobFailed           Type = "job.failed"
	JobCancelled        Type = "job.cancelled"
	JobSkipped          Type = "job.skipped"
	JobRetryScheduled   Type = "job.retry-scheduled"
	JobPermanentFailure Type = "job.permanent-failure"

	RecoveryPhaseChanged Type = "recovery.phase-changed"
	RecoveryCompleted    Type = "recovery.completed"
	RecoveryFailed       Type = "recovery.failed"
	ArtifactQuarantined  Type = "artifact.quarantined"

	DisasterDeclared Type = "disaster.declared"
	DisasterResolved Type = "disaster.resolved"

	FailoverStepStarted   Type = "failover.step.started"
	FailoverStepCompleted Type = "failover.step.completed"
	FailoverStepFailed    Type = "failover.step.failed"
	FailoverCompleted     Type = "failover.completed"
	FailoverFailed        Type = "failover.failed"
	RTOBreached           Type = "failover.rto-breached"

	DRTestCompleted Type = "drtest.completed"
	RegionHealth    Type = "region.health"
)

// Event is a single lifecycle notification. Subject is the id of the
// execution, recovery job, disaster event or failover the event is about.
type Event struct {
	Type      Type              `json:"type"`
	Subject   string            `json:"subject"`
	Timestamp time.Time         `json:"timestamp"`
	JobID     string            `json:"job_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Phase     string            `json:"phase,omitempty"`
	Region    string            `json:"region,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Delay     time.Duration     `json:"delay,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Publisher is what the subsystems depend on. Publish must never block.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Bus fans events out to buffered subscriber channels. A subscriber that
// falls behind loses events rather than stalling the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped uint64
	closed  bool
	logger  *zap.Logger
}

// NewBus creates a bus whose subscribers get channels of the given capacity.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a receive channel and a function that detaches it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers the event to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			b.logger.Warn("event buffer full, dropping event",
				zap.String("type", string(e.Type)),
				zap.String("subject", e.Subject))
		}
	}
}

// Dropped reports how many deliveries were discarded.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close detaches every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// LogSubscriber writes every event it receives to the logger until the
// channel closes.
func LogSubscriber(ch <-chan Event, logger *zap.Logger) {
	for e := range ch {
		fields := []zap.Field{
			zap.String("type", string(e.Type)),
			zap.String("subject", e.Subject),
		}
		if e.Kind != "" {
			fields = append(fields, zap.String("kind", e.Kind))
		}
		if e.Phase != "" {
			fields = append(fields, zap.String("phase", e.Phase))
		}
		if e.Region != "" {
			fields = append(fields, zap.String("region", e.Region))
		}
		if e.Delay > 0 {
			fields = append(fields, zap.Duration("delay", e.Delay))
		}
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		logger.Info("event", fields...)
	}
}
