// Package backup defines backup artifacts, the producers that create them,
// and the catalog recovery reads from.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnsupportedKind = errors.New("backup: kind not supported by producer")
	ErrNoProducer      = errors.New("backup: no producer configured for store")
)

// Kind is the type of backup a scheduled job produces.
type Kind string

const (
	KindFull              Kind = "full"
	KindIncremental       Kind = "incremental"
	KindSnapshotPrimary   Kind = "snapshot-primary"
	KindSnapshotSecondary Kind = "snapshot-secondary"
	KindFullSecondary     Kind = "full-secondary"
)

// Kinds lists every valid kind.
var Kinds = []Kind{KindFull, KindIncremental, KindSnapshotPrimary, KindSnapshotSecondary, KindFullSecondary}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("backup: unknown kind %q", s)
}

// Store returns which data store the kind backs up.
func (k Kind) Store() Store {
	switch k {
	case KindSnapshotSecondary, KindFullSecondary:
		return StoreSecondary
	default:
		return StorePrimary
	}
}

// Store names a protected data store.
type Store string

const (
	StorePrimary   Store = "primary"
	StoreSecondary Store = "secondary"
)

// Artifact is one produced backup.
type Artifact struct {
	ID        string            `json:"id"`
	Store     Store             `json:"store"`
	Kind      Kind              `json:"kind"`
	SizeBytes int64             `json:"size_bytes"`
	Location  string            `json:"location"`
	Timestamp time.Time         `json:"timestamp"`
	Checksum  string            `json:"checksum,omitempty"`
	Encrypted bool              `json:"encrypted"`
	RemoteKey string            `json:"remote_key,omitempty"`
	Position  string            `json:"position,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Warnings = append([]string(nil), a.Warnings...)
	return &c
}

// Producer creates backups of one data store.
type Producer interface {
	PerformFull(ctx context.Context) (*Artifact, error)
	PerformIncremental(ctx context.Context) (*Artifact, error)
}

// Snapshotter is implemented by producers that can take a snapshot backup.
type Snapshotter interface {
	PerformSnapshot(ctx context.Context) (*Artifact, error)
}

// Producers routes a backup kind to the producer of its store.
type Producers struct {
	Primary   Producer
	Secondary Producer
}

// Produce runs the backup for kind.
func (p Producers) Produce(ctx context.Context, kind Kind) (*Artifact, error) {
	producer := p.Primary
	if kind.Store() == StoreSecondary {
		producer = p.Secondary
	}
	if producer == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProducer, kind.Store())
	}

	var (
		art *Artifact
		err error
	)
	switch kind {
	case KindFull, KindFullSecondary:
		art, err = producer.PerformFull(ctx)
	case KindIncremental:
		art, err = producer.PerformIncremental(ctx)
	case KindSnapshotPrimary, KindSnapshotSecondary:
		snap, ok := producer.(Snapshotter)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
		}
		art, err = snap.PerformSnapshot(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, fmt.Errorf("backup: producer returned no artifact for %s", kind)
	}
	art.Kind = kind
	art.Store = kind.Store()
	return art, nil
}
