package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/fsutil"
	"github.com/ethpandaops/benchkeeper/pkg/lock"
)

// Compile-time interface check.
var _ Backend = (*localBackend)(nil)

type localBackend struct {
	log    logrus.FieldLogger
	path   string
	owner  *fsutil.OwnerConfig
	locker *lock.FileLocker

	writeFile func(path string, data []byte, perm os.FileMode, owner *fsutil.OwnerConfig) error
}

// NewLocal creates a Backend for the store file at path. The parent
// directory is created if needed and the lock lives in "<path>.lock".
func NewLocal(
	log logrus.FieldLogger,
	path string,
	owner *fsutil.OwnerConfig,
	lockOpts lock.Options,
) (Backend, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving store path %q: %w", path, err)
	}

	if err := fsutil.MkdirAll(filepath.Dir(abs), 0o755, owner); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	return &localBackend{
		log:    log.WithField("component", "local-store"),
		path:   abs,
		owner:  owner,
		locker: lock.NewFileLocker(abs+".lock", lockOpts),

		writeFile: fsutil.WriteFileAtomic,
	}, nil
}

func (b *localBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading %s: %w", b.path, err)
	}

	return data, nil
}

func (b *localBackend) Write(_ context.Context, data []byte) error {
	if err := b.writeFile(b.path, data, 0o644, b.owner); err != nil {
		if !errors.Is(err, fsutil.ErrDirSync) {
			return fmt.Errorf("writing %s: %w", b.path, err)
		}

		// The new store is already in place, so the write has happened.
		b.log.WithError(err).WithField("path", b.path).Warn("Store written but directory sync failed")
	}

	fsutil.Chown(b.locker.Path(), b.owner)

	b.log.WithFields(logrus.Fields{
		"path":  b.path,
		"bytes": len(data),
	}).Debug("Store written")

	return nil
}

func (b *localBackend) Locker() lock.Locker {
	return b.locker
}

func (b *localBackend) Location() string {
	return b.path
}
