package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/FairForge/warden/internal/events"
	"github.com/FairForge/warden/internal/loadcheck"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// LagProbe reports how far a region's standby is behind the primary.
type LagProbe interface {
	ReplicationLag(ctx context.Context, region string) (time.Duration, error)
}

// LoadProbe reports a region's utilization as a fraction in [0, 1].
type LoadProbe interface {
	Utilization(ctx context.Context, region Region) (float64, error)
}

// Dialer opens connections to region endpoints. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ProberConfig configures a Prober. Lag and Load are optional.
type ProberConfig struct {
	Dialer     Dialer
	Lag        LagProbe
	Load       LoadProbe
	Thresholds Thresholds
	Timeout    time.Duration
	Clock      clock.Clock
	Events     events.Publisher
	Logger     *zap.Logger
}

// Prober measures region health and records it on the topology.
type Prober struct {
	topology   *Topology
	dialer     Dialer
	lag        LagProbe
	load       LoadProbe
	thresholds Thresholds
	timeout    time.Duration
	clock      clock.Clock
	events     events.Publisher
	logger     *zap.Logger
}

func NewProber(t *Topology, cfg ProberConfig) *Prober {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Thresholds.Failure == 0 {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Prober{
		topology:   t,
		dialer:     cfg.Dialer,
		lag:        cfg.Lag,
		load:       cfg.Load,
		thresholds: cfg.Thresholds,
		timeout:    cfg.Timeout,
		clock:      cfg.Clock,
		events:     cfg.Events,
		logger:     cfg.Logger.Named("prober"),
	}
}

// Probe measures one region, records the result and returns the new
// health.
func (p *Prober) Probe(ctx context.Context, name string) (RegionHealth, error) {
	region, ok := p.topology.Region(name)
	if !ok {
		return RegionHealth{}, fmt.Errorf("%w: %s", ErrUnknownRegion, name)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	obs := p.observe(ctx, region)
	prev := p.topology.Health(name)
	prev.Region = name
	next := p.thresholds.apply(prev, obs)
	p.topology.SetHealth(next)

	if next.State != prev.State {
		p.logger.Info("region health changed",
			zap.String("region", name),
			zap.Stringer("from", prev.State),
			zap.Stringer("to", next.State),
			zap.String("error", next.LastError))
		p.events.Publish(events.Event{
			Type:    events.RegionHealth,
			Subject: name,
			Region:  name,
			Reason:  next.State.String(),
			Error:   next.LastError,
			Value:   next.Utilization,
		})
	}
	return next, nil
}

// ProbeAll probes every region.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, r := range p.topology.Regions() {
		if _, err := p.Probe(ctx, r.Name); err != nil {
			p.logger.Warn("probe failed", zap.String("region", r.Name), zap.Error(err))
		}
	}
}

// Run probes every region each interval until ctx is done.
func (p *Prober) Run(ctx context.Context, interval time.Duration) {
	for {
		p.ProbeAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
		}
	}
}

func (p *Prober) observe(ctx context.Context, r Region) Observation {
	obs := Observation{At: p.clock.Now()}
	var errs []error

	if len(r.Endpoints) == 0 {
		errs = append(errs, errors.New("no endpoints configured"))
	}
	reachable := len(r.Endpoints) > 0
	for _, ep := range r.Endpoints {
		start := time.Now()
		conn, err := p.dialer.DialContext(ctx, "tcp", ep)
		if err != nil {
			reachable = false
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep, err))
			continue
		}
		_ = conn.Close()
		if d := time.Since(start); d > obs.Latency {
			obs.Latency = d
		}
	}
	obs.Reachable = reachable

	if p.lag != nil {
		lag, err := p.lag.ReplicationLag(ctx, r.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("replication lag: %w", err))
		}
		obs.ReplicationLag = lag
	}
	if p.load != nil {
		u, err := p.load.Utilization(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("utilization: %w", err))
		}
		obs.Utilization = u
	}
	obs.Err = errors.Join(errs...)
	return obs
}

// HTTPLoadProbe reads utilization from the health endpoint of the warden
// instance running in each region.
type HTTPLoadProbe struct {
	Client *http.Client
}

type healthzBody struct {
	Load *loadcheck.Snapshot `json:"load"`
}

// Utilization returns the higher of CPU and memory use reported by the
// region's status URL.
func (h HTTPLoadProbe) Utilization(ctx context.Context, r Region) (float64, error) {
	if r.StatusURL == "" {
		return 0, nil
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.StatusURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d from %s", resp.StatusCode, r.StatusURL)
	}

	var body healthzBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode %s: %w", r.StatusURL, err)
	}
	if body.Load == nil {
		return 0, fmt.Errorf("%s reported no load", r.StatusURL)
	}
	u := body.Load.CPU
	if body.Load.Memory > u {
		u = body.Load.Memory
	}
	return u / 100, nil
}
