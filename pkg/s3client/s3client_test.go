package s3client_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/s3client"
	"github.com/ethpandaops/benchkeeper/pkg/s3client/s3fake"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.S3Config
		wantRegion string
		wantPath   bool
		wantCreds  bool
	}{
		{
			name:       "defaults to us-east-1",
			cfg:        config.S3Config{Bucket: "b"},
			wantRegion: "us-east-1",
		},
		{
			name: "minio style",
			cfg: config.S3Config{
				EndpointURL:     "http://localhost:9000",
				Region:          "eu-west-1",
				AccessKeyID:     "minioadmin",
				SecretAccessKey: "minioadmin",
				ForcePathStyle:  true,
			},
			wantRegion: "eu-west-1",
			wantPath:   true,
			wantCreds:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := s3client.New(&tt.cfg)
			opts := client.Options()

			assert.Equal(t, tt.wantRegion, opts.Region)
			assert.Equal(t, tt.wantPath, opts.UsePathStyle)
			assert.Equal(t, tt.wantCreds, opts.Credentials != nil)

			if tt.cfg.EndpointURL != "" {
				require.NotNil(t, opts.BaseEndpoint)
				assert.Equal(t, tt.cfg.EndpointURL, *opts.BaseEndpoint)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "typed NoSuchKey", err: &s3types.NoSuchKey{}, want: true},
		{name: "typed NotFound", err: &s3types.NotFound{}, want: true},
		{name: "wrapped", err: fmt.Errorf("get: %w", &s3types.NoSuchKey{}), want: true},
		{name: "message only", err: errors.New("api error NoSuchKey: gone"), want: true},
		{name: "other", err: errors.New("access denied"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s3client.IsNotFound(tt.err))
		})
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "precondition failed", err: &smithy.GenericAPIError{Code: "PreconditionFailed"}, want: true},
		{name: "conditional conflict", err: &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, want: true},
		{
			name: "wrapped",
			err:  fmt.Errorf("put: %w", &smithy.GenericAPIError{Code: "PreconditionFailed"}),
			want: true,
		},
		{name: "other api error", err: &smithy.GenericAPIError{Code: "AccessDenied"}, want: false},
		{name: "plain error", err: errors.New("PreconditionFailed"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s3client.IsPreconditionFailed(tt.err))
		})
	}
}

func TestErrorsFromEndpoint(t *testing.T) {
	srv := s3fake.New()
	defer srv.Close()

	client := srv.Client()
	ctx := context.Background()

	_, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String("bench"),
		Key:    aws.String("missing.js"),
	})
	require.Error(t, err)
	assert.True(t, s3client.IsNotFound(err))

	put := func() error {
		_, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String("bench"),
			Key:         aws.String("data.js.lock"),
			Body:        strings.NewReader("owner"),
			IfNoneMatch: aws.String("*"),
		})

		return err
	}

	require.NoError(t, put())

	err = put()
	require.Error(t, err)
	assert.True(t, s3client.IsPreconditionFailed(err))
	assert.False(t, s3client.IsNotFound(err))
}
