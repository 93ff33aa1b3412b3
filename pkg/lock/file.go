package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileLocker is an advisory flock(2) on a sidecar lock file. flock locks
// belong to the open file description, so two Acquire calls exclude each
// other whether they come from one process or many.
type FileLocker struct {
	path string
	opts Options
}

// Compile-time interface check.
var _ Locker = (*FileLocker)(nil)

// NewFileLocker returns a locker on path. The file is created on first use
// and never removed, since removing it would race with waiters holding the
// old inode.
func NewFileLocker(path string, opts Options) *FileLocker {
	return &FileLocker{path: path, opts: opts.withDefaults()}
}

// Path returns the lock file path.
func (l *FileLocker) Path() string {
	return l.path
}

// Acquire takes the lock, polling non-blocking attempts until the timeout.
func (l *FileLocker) Acquire(ctx context.Context) (Lease, error) {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	err = poll(ctx, l.path, l.opts, func(context.Context) (bool, error) {
		return tryFlock(f)
	})
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	return &fileLease{f: f}, nil
}

func tryFlock(f *os.File) (bool, error) {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)

		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EWOULDBLOCK):
			return false, nil
		default:
			return false, fmt.Errorf("flock %s: %w", f.Name(), err)
		}
	}
}

type fileLease struct {
	once sync.Once
	f    *os.File
	err  error
}

func (l *fileLease) Release() error {
	l.once.Do(func() {
		unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		closeErr := l.f.Close()

		l.err = errors.Join(unlockErr, closeErr)
	})

	return l.err
}
