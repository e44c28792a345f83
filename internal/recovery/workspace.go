package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/FairForge/warden/internal/backup"
	"go.uber.org/zap"
)

// runState is what one run of a job has touched on disk.
type runState struct {
	id        string
	workspace string
	created   bool
	started   bool
	// keep is set when the workspace holds the recovered instance.
	keep   bool
	staged []stagedArtifact
}

type stagedArtifact struct {
	id string
	// fetched carries the checksum sidecar; plain is what gets restored.
	fetched string
	plain   string
}

func newRunState(id, workDir string) *runState {
	return &runState{id: id, workspace: filepath.Join(workDir, id)}
}

func (rs *runState) dataDir() string    { return filepath.Join(rs.workspace, "data") }
func (rs *runState) segmentDir() string { return filepath.Join(rs.workspace, "wal") }
func (rs *runState) stagingDir() string { return filepath.Join(rs.workspace, "fetch") }

func (rs *runState) prepare() error {
	for _, dir := range []string{rs.workspace, rs.segmentDir(), rs.stagingDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("recovery: create workspace: %w", err)
		}
	}
	rs.created = true
	return nil
}

func (rs *runState) keptWorkspace() string {
	if rs.keep {
		return rs.workspace
	}
	return ""
}

// stage fetches an artifact into the workspace and decrypts it when needed.
func (o *Orchestrator) stage(ctx context.Context, rs *runState, art *backup.Artifact) (string, error) {
	fetched, err := o.fetcher.Fetch(ctx, art, rs.stagingDir())
	if err != nil {
		return "", fmt.Errorf("recovery: fetch artifact %s: %w", art.ID, err)
	}
	plain := fetched
	if art.Encrypted {
		if o.encryption == nil {
			return "", fmt.Errorf("recovery: artifact %s is encrypted and no encryption provider is configured", art.ID)
		}
		src := fetched
		if filepath.Dir(src) != rs.stagingDir() {
			src = filepath.Join(rs.stagingDir(), filepath.Base(fetched))
			if err := copyFile(fetched, src); err != nil {
				return "", fmt.Errorf("recovery: stage artifact %s: %w", art.ID, err)
			}
		}
		plain, err = o.encryption.Decrypt(src)
		if err != nil {
			return "", fmt.Errorf("recovery: decrypt artifact %s: %w", art.ID, err)
		}
	}
	rs.staged = append(rs.staged, stagedArtifact{id: art.ID, fetched: fetched, plain: plain})
	return plain, nil
}

// cleanup releases everything a failed run created.
func (o *Orchestrator) cleanup(rs *runState) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if rs.started {
		if err := o.primary.StopInstance(ctx, rs.dataDir()); err != nil {
			o.logger.Warn("cleanup: could not stop recovered instance",
				zap.String("job_id", rs.id), zap.Error(err))
		}
	}
	if rs.created {
		if err := os.RemoveAll(rs.workspace); err != nil {
			o.logger.Warn("cleanup: could not remove workspace",
				zap.String("job_id", rs.id), zap.String("workspace", rs.workspace), zap.Error(err))
		}
	}
}

// cleanupStaging removes fetched and decrypted copies after a successful
// run. Workspaces that do not hold a recovered instance go entirely.
func (o *Orchestrator) cleanupStaging(rs *runState) {
	if !rs.created {
		return
	}
	target := rs.stagingDir()
	if !rs.keep {
		target = rs.workspace
	}
	if err := os.RemoveAll(target); err != nil {
		o.logger.Warn("could not remove staging files", zap.String("job_id", rs.id), zap.Error(err))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
