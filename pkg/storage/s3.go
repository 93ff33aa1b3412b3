package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/lock"
	"github.com/ethpandaops/benchkeeper/pkg/s3client"
)

// Compile-time interface check.
var _ Backend = (*s3Backend)(nil)

type s3Backend struct {
	log    logrus.FieldLogger
	client s3client.ObjectAPI
	bucket string
	key    string
	locker *lock.S3Locker
}

// NewS3 creates a Backend for the object s3://bucket/key. The lock object
// is "<key>.lock" in the same bucket.
func NewS3(
	log logrus.FieldLogger,
	client s3client.ObjectAPI,
	bucket, key, owner string,
	lockOpts lock.Options,
) Backend {
	return &s3Backend{
		log:    log.WithField("component", "s3-store"),
		client: client,
		bucket: bucket,
		key:    key,
		locker: lock.NewS3Locker(client, bucket, key+".lock", owner, lockOpts),
	}
}

func (b *s3Backend) Read(ctx context.Context) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		if s3client.IsNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %s: %w", b.Location(), err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", b.Location(), err)
	}

	return data, nil
}

func (b *s3Backend) Write(ctx context.Context, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(ContentType(data)),
	})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", b.Location(), err)
	}

	b.log.WithFields(logrus.Fields{
		"bucket": b.bucket,
		"key":    b.key,
		"bytes":  len(data),
	}).Debug("Store written")

	return nil
}

func (b *s3Backend) Locker() lock.Locker {
	return b.locker
}

func (b *s3Backend) Location() string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key)
}
