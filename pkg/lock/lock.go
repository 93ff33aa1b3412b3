// Package lock provides the exclusive, scoped lock that serializes
// load-merge-save cycles on one store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds how long Acquire waits.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is the delay between acquisition attempts.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultStaleAfter is the age at which an abandoned S3 lock object is
	// reclaimed.
	DefaultStaleAfter = 10 * time.Minute
)

// ErrTimeout is matched by every TimeoutError.
var ErrTimeout = errors.New("lock timeout")

// TimeoutError reports that a lock could not be acquired in time.
type TimeoutError struct {
	Resource string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock on %s within %s", e.Resource, e.Waited)
}

// Is makes errors.Is(err, ErrTimeout) true for any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Locker acquires an exclusive lock on one store.
type Locker interface {
	// Acquire blocks until the lock is held, the timeout elapses or ctx is
	// cancelled.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release() error
}

// Options tune acquisition.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// StaleAfter applies to lock objects, which outlive a crashed holder.
	// A lock older than this is deleted and taken over.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}

	return o
}

// poll calls try until it reports acquired, returns an error, the timeout
// passes or ctx ends.
func poll(
	ctx context.Context,
	resource string,
	opts Options,
	try func(ctx context.Context) (bool, error),
) error {
	start := time.Now()
	deadline := start.Add(opts.Timeout)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		if !time.Now().Before(deadline) {
			return &TimeoutError{Resource: resource, Waited: time.Since(start).Round(time.Millisecond)}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquiring lock on %s: %w", resource, ctx.Err())
		case <-ticker.C:
		}
	}
}
