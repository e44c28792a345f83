// Package drivers stores backup artifacts off the host that produced them.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when an artifact does not exist in a container.
var ErrNotFound = errors.New("drivers: artifact not found")

// Driver is the common interface all artifact stores implement.
type Driver interface {
	Name() string
	Get(ctx context.Context, container, artifact string) (io.ReadCloser, error)
	Put(ctx context.Context, container, artifact string, data io.Reader) error
	Delete(ctx context.Context, container, artifact string) error
	List(ctx context.Context, container, prefix string) ([]string, error)
	Exists(ctx context.Context, container, artifact string) (bool, error)
}

// PutFile uploads a local file.
func PutFile(ctx context.Context, d Driver, container, artifact, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return d.Put(ctx, container, artifact, f)
}

// GetFile downloads an artifact into a local file.
func GetFile(ctx context.Context, d Driver, container, artifact, path string) error {
	rc, err := d.Get(ctx, container, artifact)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("download %s/%s: %w", container, artifact, err)
	}
	return f.Close()
}
