// Package storage holds the places a history store can live. A Backend
// reads and atomically replaces one serialized store and hands out the lock
// that serializes writers on it.
package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/fsutil"
	"github.com/ethpandaops/benchkeeper/pkg/lock"
	"github.com/ethpandaops/benchkeeper/pkg/s3client"
)

// Backend stores one serialized history store.
type Backend interface {
	// Read returns the stored bytes, or (nil, nil) when no store exists yet.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the stored bytes. Readers see the old or the new
	// content, never a mix.
	Write(ctx context.Context, data []byte) error

	// Locker returns the lock guarding read-modify-write cycles.
	Locker() lock.Locker

	// Location is a human-readable address, e.g. a path or s3:// URL.
	Location() string
}

// New builds the backend selected by cfg.
func New(log logrus.FieldLogger, cfg *config.StoreConfig) (Backend, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		owner, err := fsutil.ParseOwner(cfg.Local.Owner)
		if err != nil {
			return nil, fmt.Errorf("parsing store owner: %w", err)
		}

		return NewLocal(log, cfg.Local.Path, owner, lockOptions(&cfg.Lock))
	case config.BackendS3:
		return NewS3(
			log, s3client.New(&cfg.S3), cfg.S3.Bucket, cfg.S3.Key,
			cfg.Lock.Owner, lockOptions(&cfg.Lock),
		), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func lockOptions(cfg *config.LockConfig) lock.Options {
	return lock.Options{
		Timeout:      cfg.Timeout,
		PollInterval: cfg.PollInterval,
		StaleAfter:   cfg.StaleAfter,
	}
}

var jsPrefix = []byte("window.")

// ContentType guesses the MIME type of a serialized store.
func ContentType(data []byte) string {
	if bytes.HasPrefix(data, jsPrefix) {
		return "application/javascript"
	}

	return "application/json"
}
