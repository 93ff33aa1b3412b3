package lock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ethpandaops/benchkeeper/pkg/s3client"
)

// maxLockBody bounds how much of a lock object is read.
const maxLockBody = 4 << 10

// S3Locker holds a lock by creating an object with If-None-Match: *. Only
// one writer can create the object; the rest retry until it is deleted or
// the timeout passes. A lock object older than Options.StaleAfter belongs
// to a holder that died and is removed.
type S3Locker struct {
	client s3client.ObjectAPI
	bucket string
	key    string
	owner  string
	opts   Options
	now    func() time.Time
}

// Compile-time interface check.
var _ Locker = (*S3Locker)(nil)

// NewS3Locker returns a locker on s3://bucket/key. owner is written into
// the lock object so a stuck lock can be traced to its CI job.
func NewS3Locker(
	client s3client.ObjectAPI,
	bucket, key, owner string,
	opts Options,
) *S3Locker {
	return &S3Locker{
		client: client,
		bucket: bucket,
		key:    key,
		owner:  owner,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Acquire creates the lock object, retrying while another holder has it.
func (l *S3Locker) Acquire(ctx context.Context) (Lease, error) {
	resource := l.resource()

	var etag *string

	err := poll(ctx, resource, l.opts, func(ctx context.Context) (bool, error) {
		tag, ok, err := l.create(ctx)
		if err != nil || ok {
			etag = tag

			return ok, err
		}

		reclaimed, err := l.reclaimStale(ctx)
		if err != nil || !reclaimed {
			return false, err
		}

		tag, ok, err = l.create(ctx)
		etag = tag

		return ok, err
	})
	if err != nil {
		return nil, err
	}

	return &s3Lease{locker: l, etag: etag}, nil
}

func (l *S3Locker) resource() string {
	return fmt.Sprintf("s3://%s/%s", l.bucket, l.key)
}

// create writes the lock object unless it exists. It returns the new
// object's ETag.
func (l *S3Locker) create(ctx context.Context) (*string, bool, error) {
	body := fmt.Sprintf("owner=%s acquired=%s\n", l.owner, l.now().UTC().Format(time.RFC3339))

	out, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(l.key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/plain"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return out.ETag, true, nil
	}

	if s3client.IsPreconditionFailed(err) {
		return nil, false, nil
	}

	return nil, false, fmt.Errorf("creating lock object %s: %w", l.resource(), err)
}

// reclaimStale deletes the current lock object if it is older than
// StaleAfter. The delete is conditional on the ETag that was read, so a
// lock re-created in the meantime survives. It reports whether the lock is
// now free.
func (l *S3Locker) reclaimStale(ctx context.Context) (bool, error) {
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key),
	})
	if err != nil {
		if s3client.IsNotFound(err) {
			return true, nil
		}

		return false, fmt.Errorf("reading lock object %s: %w", l.resource(), err)
	}

	body, err := io.ReadAll(io.LimitReader(out.Body, maxLockBody))
	_ = out.Body.Close()

	if err != nil {
		return false, fmt.Errorf("reading lock object %s: %w", l.resource(), err)
	}

	acquired, ok := parseAcquired(string(body))
	if !ok {
		if out.LastModified == nil {
			return false, nil
		}

		acquired = *out.LastModified
	}

	if l.now().Sub(acquired) < l.opts.StaleAfter {
		return false, nil
	}

	_, err = l.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(l.bucket),
		Key:     aws.String(l.key),
		IfMatch: out.ETag,
	})
	if err != nil {
		if s3client.IsPreconditionFailed(err) || s3client.IsNotFound(err) {
			return false, nil
		}

		return false, fmt.Errorf("removing stale lock object %s: %w", l.resource(), err)
	}

	return true, nil
}

// parseAcquired extracts the acquired= stamp written by create.
func parseAcquired(body string) (time.Time, bool) {
	for _, field := range strings.Fields(body) {
		value, found := strings.CutPrefix(field, "acquired=")
		if !found {
			continue
		}

		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, false
		}

		return t, true
	}

	return time.Time{}, false
}

type s3Lease struct {
	once   sync.Once
	locker *S3Locker
	etag   *string
	err    error
}

// Release deletes the lock object, but only if it is still the one this
// lease created.
func (l *s3Lease) Release() error {
	l.once.Do(func() {
		// Deletion must happen even if the caller's context was cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := l.locker.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:  aws.String(l.locker.bucket),
			Key:     aws.String(l.locker.key),
			IfMatch: l.etag,
		})

		switch {
		case err == nil:
		case s3client.IsPreconditionFailed(err) || s3client.IsNotFound(err):
			l.err = fmt.Errorf("lock object %s was reclaimed by another holder", l.locker.resource())
		default:
			l.err = fmt.Errorf("deleting lock object %s: %w", l.locker.resource(), err)
		}
	})

	return l.err
}
