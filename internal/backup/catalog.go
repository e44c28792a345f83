package backup

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNoArtifact       = errors.New("backup: no eligible artifact")
	ErrArtifactNotFound = errors.New("backup: artifact not found")
)

// RecoveryPoint is a catalogued artifact as offered to operators.
type RecoveryPoint struct {
	ArtifactID  string    `json:"artifact_id"`
	Store       Store     `json:"store"`
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	SizeBytes   int64     `json:"size_bytes"`
	Location    string    `json:"location"`
	Encrypted   bool      `json:"encrypted"`
	Quarantined bool      `json:"quarantined"`
}

// baseKinds are the kinds a restore can start from, per store.
var baseKinds = map[Store][]Kind{
	StorePrimary:   {KindFull},
	StoreSecondary: {KindFullSecondary, KindSnapshotSecondary},
}

// Catalog indexes finalized artifacts. Quarantined artifacts stay listed
// but are never selected for recovery.
type Catalog struct {
	mu          sync.RWMutex
	artifacts   map[string]*Artifact
	quarantined map[string]string
	logger      *zap.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		artifacts:   make(map[string]*Artifact),
		quarantined: make(map[string]string),
		logger:      logger,
	}
}

// Record adds or replaces an artifact.
func (c *Catalog) Record(a *Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[a.ID] = a.Clone()
}

// Get returns a copy of an artifact.
func (c *Catalog) Get(id string) (*Artifact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.artifacts[id]
	return a.Clone(), ok
}

// Latest returns the newest usable artifact of one of kinds for store whose
// timestamp is not after notAfter.
func (c *Catalog) Latest(store Store, kinds []Kind, notAfter time.Time) (*Artifact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Artifact
	for id, a := range c.artifacts {
		if a.Store != store || !containsKind(kinds, a.Kind) {
			continue
		}
		if _, bad := c.quarantined[id]; bad {
			continue
		}
		if a.Timestamp.After(notAfter) {
			continue
		}
		if best == nil || a.Timestamp.After(best.Timestamp) {
			best = a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: store %s at or before %s", ErrNoArtifact, store, notAfter.Format(time.RFC3339))
	}
	return best.Clone(), nil
}

// LatestBase returns the newest restorable base artifact for store.
func (c *Catalog) LatestBase(store Store, notAfter time.Time) (*Artifact, error) {
	return c.Latest(store, baseKinds[store], notAfter)
}

// Segments returns the incremental artifacts of store taken after after and
// no later than until, oldest first.
func (c *Catalog) Segments(store Store, after, until time.Time) []*Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Artifact
	for id, a := range c.artifacts {
		if a.Store != store || a.Kind != KindIncremental {
			continue
		}
		if _, bad := c.quarantined[id]; bad {
			continue
		}
		if !a.Timestamp.After(after) || a.Timestamp.After(until) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Quarantine excludes an artifact from future recovery selection.
func (c *Catalog) Quarantine(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.artifacts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	c.quarantined[id] = reason
	c.logger.Warn("artifact quarantined", zap.String("artifact_id", id), zap.String("reason", reason))
	return nil
}

// IsQuarantined reports whether an artifact is quarantined and why.
func (c *Catalog) IsQuarantined(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reason, ok := c.quarantined[id]
	return reason, ok
}

// List returns recovery points in [from, to], newest first. Zero bounds are
// open.
func (c *Catalog) List(from, to time.Time) []RecoveryPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	points := make([]RecoveryPoint, 0, len(c.artifacts))
	for id, a := range c.artifacts {
		if !from.IsZero() && a.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && a.Timestamp.After(to) {
			continue
		}
		_, bad := c.quarantined[id]
		points = append(points, RecoveryPoint{
			ArtifactID:  a.ID,
			Store:       a.Store,
			Kind:        a.Kind,
			Timestamp:   a.Timestamp,
			SizeBytes:   a.SizeBytes,
			Location:    a.Location,
			Encrypted:   a.Encrypted,
			Quarantined: bad,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })
	return points
}

// Expire removes artifacts older than cutoff and returns them. The newest
// base artifact of each store is always kept so a restore stays possible.
func (c *Catalog) Expire(cutoff time.Time) []*Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]bool)
	for store, kinds := range baseKinds {
		var newest *Artifact
		for id, a := range c.artifacts {
			if a.Store != store || !containsKind(kinds, a.Kind) {
				continue
			}
			if _, bad := c.quarantined[id]; bad {
				continue
			}
			if newest == nil || a.Timestamp.After(newest.Timestamp) {
				newest = a
			}
		}
		if newest != nil {
			keep[newest.ID] = true
		}
	}

	var removed []*Artifact
	for id, a := range c.artifacts {
		if keep[id] || !a.Timestamp.Before(cutoff) {
			continue
		}
		removed = append(removed, a)
		delete(c.artifacts, id)
		delete(c.quarantined, id)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Timestamp.Before(removed[j].Timestamp) })
	return removed
}

// Len returns the number of catalogued artifacts.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.artifacts)
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
