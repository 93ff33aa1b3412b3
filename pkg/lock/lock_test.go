package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/benchkeeper/pkg/lock"
	"github.com/ethpandaops/benchkeeper/pkg/s3client/s3fake"
)

var fastOpts = lock.Options{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond}

// lockers returns one fresh Locker per implementation sharing one resource.
func lockers(t *testing.T) map[string]func() lock.Locker {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.js.lock")

	srv := s3fake.New()
	t.Cleanup(srv.Close)

	return map[string]func() lock.Locker{
		"file": func() lock.Locker {
			return lock.NewFileLocker(path, fastOpts)
		},
		"s3": func() lock.Locker {
			return lock.NewS3Locker(srv.Client(), "bench", "data.js.lock", "test", fastOpts)
		},
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	for name, newLocker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				holders atomic.Int32
				maxSeen atomic.Int32
			)

			for range 4 {
				wg.Add(1)

				go func() {
					defer wg.Done()

					lease, err := newLocker().Acquire(context.Background())
					if !assert.NoError(t, err) {
						return
					}

					n := holders.Add(1)
					for {
						cur := maxSeen.Load()
						if n <= cur || maxSeen.CompareAndSwap(cur, n) {
							break
						}
					}

					time.Sleep(20 * time.Millisecond)
					holders.Add(-1)

					assert.NoError(t, lease.Release())
				}()
			}

			wg.Wait()
			assert.Equal(t, int32(1), maxSeen.Load())
		})
	}
}

func TestLocker_Timeout(t *testing.T) {
	for name, newLocker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held, err := newLocker().Acquire(context.Background())
			require.NoError(t, err)

			defer func() { _ = held.Release() }()

			var waiter lock.Locker
			switch l := newLocker().(type) {
			case *lock.FileLocker:
				waiter = lock.NewFileLocker(l.Path(), lock.Options{
					Timeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond,
				})
			default:
				waiter = l
			}

			start := time.Now()
			_, err = waiter.Acquire(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, lock.ErrTimeout))

			var timeoutErr *lock.TimeoutError
			require.ErrorAs(t, err, &timeoutErr)
			assert.NotEmpty(t, timeoutErr.Resource)
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestLocker_ReleaseIsIdempotent(t *testing.T) {
	for name, newLocker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			lease, err := newLocker().Acquire(context.Background())
			require.NoError(t, err)

			require.NoError(t, lease.Release())
			require.NoError(t, lease.Release())

			// The resource is free again.
			again, err := newLocker().Acquire(context.Background())
			require.NoError(t, err)
			require.NoError(t, again.Release())
		})
	}
}

func TestLocker_ContextCancelled(t *testing.T) {
	for name, newLocker := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held, err := newLocker().Acquire(context.Background())
			require.NoError(t, err)

			defer func() { _ = held.Release() }()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			_, err = newLocker().Acquire(ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, context.DeadlineExceeded))
			assert.False(t, errors.Is(err, lock.ErrTimeout))
		})
	}
}

func TestTimeoutError(t *testing.T) {
	err := &lock.TimeoutError{Resource: "/tmp/data.js.lock", Waited: 30 * time.Second}

	assert.True(t, errors.Is(err, lock.ErrTimeout))
	assert.True(t, strings.Contains(err.Error(), "/tmp/data.js.lock"))
	assert.True(t, strings.Contains(err.Error(), "30s"))
}

func TestS3Locker_WritesOwner(t *testing.T) {
	srv := s3fake.New()
	defer srv.Close()

	l := lock.NewS3Locker(srv.Client(), "bench", "data.js.lock", "ci-job-42", fastOpts)

	lease, err := l.Acquire(context.Background())
	require.NoError(t, err)

	body, ok := srv.Object("bench", "data.js.lock")
	require.True(t, ok)
	assert.Contains(t, string(body), "owner=ci-job-42")

	require.NoError(t, lease.Release())

	_, ok = srv.Object("bench", "data.js.lock")
	assert.False(t, ok)
}

func TestS3Locker_ReclaimsStaleLock(t *testing.T) {
	opts := lock.Options{Timeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond, StaleAfter: time.Minute}
	hourAgo := time.Now().Add(-time.Hour)

	tests := []struct {
		name      string
		body      string
		modified  time.Time
		reclaimed bool
	}{
		{
			name:      "stale acquired stamp",
			body:      "owner=crashed acquired=" + hourAgo.UTC().Format(time.RFC3339) + "\n",
			modified:  time.Now(),
			reclaimed: true,
		},
		{
			name:      "unreadable body falls back to modification time",
			body:      "garbage",
			modified:  hourAgo,
			reclaimed: true,
		},
		{
			name:      "fresh lock is kept",
			body:      "owner=alive acquired=" + time.Now().UTC().Format(time.RFC3339) + "\n",
			modified:  time.Now(),
			reclaimed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := s3fake.New()
			defer srv.Close()

			srv.SetObjectAt("bench", "data.js.lock", []byte(tt.body), tt.modified)

			l := lock.NewS3Locker(srv.Client(), "bench", "data.js.lock", "ci-job-43", opts)

			lease, err := l.Acquire(context.Background())

			body, ok := srv.Object("bench", "data.js.lock")
			require.True(t, ok)

			if !tt.reclaimed {
				require.ErrorIs(t, err, lock.ErrTimeout)
				assert.Equal(t, tt.body, string(body))

				return
			}

			require.NoError(t, err)
			assert.Contains(t, string(body), "owner=ci-job-43")
			require.NoError(t, lease.Release())

			_, ok = srv.Object("bench", "data.js.lock")
			assert.False(t, ok)
		})
	}
}

func TestS3Locker_ReleaseKeepsReclaimedLock(t *testing.T) {
	srv := s3fake.New()
	defer srv.Close()

	// Every lock counts as stale, so the second locker takes over at once.
	opts := lock.Options{Timeout: time.Second, PollInterval: 5 * time.Millisecond, StaleAfter: time.Nanosecond}

	first, err := lock.NewS3Locker(srv.Client(), "bench", "data.js.lock", "first", opts).
		Acquire(context.Background())
	require.NoError(t, err)

	second, err := lock.NewS3Locker(srv.Client(), "bench", "data.js.lock", "second", opts).
		Acquire(context.Background())
	require.NoError(t, err)

	err = first.Release()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reclaimed by another holder")

	body, ok := srv.Object("bench", "data.js.lock")
	require.True(t, ok)
	assert.Contains(t, string(body), "owner=second")

	require.NoError(t, second.Release())
}

func TestS3Locker_PropagatesUnexpectedErrors(t *testing.T) {
	srv := s3fake.New()
	defer srv.Close()

	srv.FailNext("PUT", 403)

	l := lock.NewS3Locker(srv.Client(), "bench", "data.js.lock", "test", fastOpts)

	_, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, lock.ErrTimeout))
	assert.Contains(t, err.Error(), "creating lock object")
}
