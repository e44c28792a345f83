package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/FairForge/warden/internal/crypto"
	"github.com/FairForge/warden/internal/drivers"
	"go.uber.org/zap"
)

const manifestPrefix = "manifests/"

// Pipeline runs a producer and finalizes its artifact: optional encryption,
// a checksum sidecar, an off-host copy and a catalog entry.
type Pipeline struct {
	producers  Producers
	catalog    *Catalog
	encryption crypto.Provider
	store      drivers.Driver
	container  string
	logger     *zap.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEncryption encrypts every artifact before it is checksummed.
func WithEncryption(p crypto.Provider) PipelineOption {
	return func(pl *Pipeline) { pl.encryption = p }
}

// WithArtifactStore copies every artifact and its manifest to an off-host store.
func WithArtifactStore(d drivers.Driver, container string) PipelineOption {
	return func(pl *Pipeline) {
		pl.store = d
		pl.container = container
	}
}

// NewPipeline creates a pipeline that records into catalog.
func NewPipeline(producers Producers, catalog *Catalog, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		producers: producers,
		catalog:   catalog,
		logger:    logger.Named("backup"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Catalog returns the catalog the pipeline records into.
func (p *Pipeline) Catalog() *Catalog {
	return p.catalog
}

// Produce runs the backup for kind and finalizes it. Encryption failures are
// attached to the artifact as warnings; everything else fails the backup.
func (p *Pipeline) Produce(ctx context.Context, kind Kind) (*Artifact, error) {
	art, err := p.producers.Produce(ctx, kind)
	if err != nil {
		return nil, err
	}

	if p.encryption != nil {
		res, err := p.encryption.Encrypt(art.Location)
		if err != nil {
			p.logger.Warn("artifact encryption failed",
				zap.String("artifact_id", art.ID),
				zap.Error(err))
			art.Warnings = append(art.Warnings, fmt.Sprintf("encryption failed: %v", err))
		} else {
			art.Location = res.Path
			art.Encrypted = true
			if art.Metadata == nil {
				art.Metadata = make(map[string]string)
			}
			for k, v := range res.Metadata {
				art.Metadata["encryption."+k] = v
			}
		}
	}

	sum, size, err := FileChecksum(art.Location)
	if err != nil {
		return nil, fmt.Errorf("backup: checksum %s: %w", art.ID, err)
	}
	art.Checksum = sum
	art.SizeBytes = size
	if _, err := WriteChecksumFile(art.Location, sum); err != nil {
		return nil, fmt.Errorf("backup: %w", err)
	}

	if p.store != nil {
		if err := p.upload(ctx, art); err != nil {
			return nil, err
		}
	}

	p.catalog.Record(art)
	p.logger.Info("backup finalized",
		zap.String("artifact_id", art.ID),
		zap.String("kind", string(art.Kind)),
		zap.Int64("size_bytes", art.SizeBytes),
		zap.Bool("encrypted", art.Encrypted))
	return art, nil
}

func remoteKey(a *Artifact) string {
	return path.Join(string(a.Store), string(a.Kind), a.Timestamp.UTC().Format("2006/01/02"), a.ID, filepath.Base(a.Location))
}

func (p *Pipeline) upload(ctx context.Context, art *Artifact) error {
	key := remoteKey(art)
	if err := drivers.PutFile(ctx, p.store, p.container, key, art.Location); err != nil {
		return fmt.Errorf("backup: upload artifact: %w", err)
	}
	if err := drivers.PutFile(ctx, p.store, p.container, key+ChecksumSuffix, art.Location+ChecksumSuffix); err != nil {
		return fmt.Errorf("backup: upload checksum: %w", err)
	}
	art.RemoteKey = key

	manifest, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("backup: encode manifest: %w", err)
	}
	if err := p.store.Put(ctx, p.container, manifestPrefix+art.ID+".json", bytes.NewReader(manifest)); err != nil {
		return fmt.Errorf("backup: upload manifest: %w", err)
	}
	return nil
}

// Fetch makes the artifact and its sidecar available on local disk and
// returns the local path. Artifacts still at their original location are
// used in place; otherwise they are downloaded into dir.
func (p *Pipeline) Fetch(ctx context.Context, art *Artifact, dir string) (string, error) {
	if _, err := os.Stat(art.Location); err == nil {
		return art.Location, nil
	}
	if p.store == nil || art.RemoteKey == "" {
		return "", fmt.Errorf("backup: artifact %s not on local disk and no remote copy", art.ID)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("backup: create fetch dir: %w", err)
	}
	local := filepath.Join(dir, filepath.Base(art.RemoteKey))
	if err := drivers.GetFile(ctx, p.store, p.container, art.RemoteKey, local); err != nil {
		return "", fmt.Errorf("backup: fetch artifact: %w", err)
	}
	if err := drivers.GetFile(ctx, p.store, p.container, art.RemoteKey+ChecksumSuffix, local+ChecksumSuffix); err != nil {
		p.logger.Warn("checksum sidecar missing from artifact store",
			zap.String("artifact_id", art.ID), zap.Error(err))
	}
	return local, nil
}

// LoadCatalog reads every manifest from the artifact store into the catalog.
func (p *Pipeline) LoadCatalog(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, nil
	}
	keys, err := p.store.List(ctx, p.container, manifestPrefix)
	if err != nil {
		return 0, fmt.Errorf("backup: list manifests: %w", err)
	}

	loaded := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		art, err := p.readManifest(ctx, key)
		if err != nil {
			p.logger.Warn("skipping unreadable manifest", zap.String("key", key), zap.Error(err))
			continue
		}
		p.catalog.Record(art)
		loaded++
	}
	return loaded, nil
}

func (p *Pipeline) readManifest(ctx context.Context, key string) (*Artifact, error) {
	rc, err := p.store.Get(ctx, p.container, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, err
	}
	if art.ID == "" {
		return nil, errors.New("manifest has no artifact id")
	}
	return &art, nil
}

// Expire drops artifacts older than retention from the catalog, the local
// disk and the artifact store.
func (p *Pipeline) Expire(ctx context.Context, retention time.Duration, now time.Time) ([]*Artifact, error) {
	removed := p.catalog.Expire(now.Add(-retention))

	var errs []error
	for _, art := range removed {
		for _, local := range []string{art.Location, art.Location + ChecksumSuffix} {
			if err := os.Remove(local); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if p.store != nil && art.RemoteKey != "" {
			for _, key := range []string{art.RemoteKey, art.RemoteKey + ChecksumSuffix, manifestPrefix + art.ID + ".json"} {
				if err := p.store.Delete(ctx, p.container, key); err != nil {
					errs = append(errs, err)
				}
			}
		}
		p.logger.Info("artifact expired",
			zap.String("artifact_id", art.ID),
			zap.Time("timestamp", art.Timestamp))
	}
	return removed, errors.Join(errs...)
}
