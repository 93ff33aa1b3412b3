// Package s3fake is an in-memory, path-style S3 endpoint for tests. It
// implements the GetObject, PutObject (including If-None-Match: *) and
// DeleteObject (including If-Match) calls used by the store backend and
// lock.
package s3fake

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/s3client"
)

// Server is a fake S3 endpoint.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	fail     map[string]int
	puts     int
}

// New starts a fake S3 endpoint. Call Close when done.
func New() *Server {
	s := &Server{
		objects:  make(map[string][]byte, 4),
		modified: make(map[string]time.Time, 4),
		fail:     make(map[string]int, 2),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))

	return s
}

// Client returns an SDK client pointed at the fake endpoint.
func (s *Server) Client() *s3.Client {
	return s3client.New(&config.S3Config{
		EndpointURL:     s.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	}, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		o.RetryMaxAttempts = 1
	})
}

// Object returns a stored object.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[bucket+"/"+key]

	return data, ok
}

// SetObject stores an object directly.
func (s *Server) SetObject(bucket, key string, data []byte) {
	s.SetObjectAt(bucket, key, data, time.Now())
}

// SetObjectAt stores an object with the given modification time.
func (s *Server) SetObjectAt(bucket, key string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[bucket+"/"+key] = append([]byte(nil), data...)
	s.modified[bucket+"/"+key] = modified
}

// FailNext makes the next request with method answer with status.
func (s *Server) FailNext(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail[method] = status
}

// Puts returns how many PutObject calls succeeded.
func (s *Server) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.puts
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	if status, ok := s.fail[r.Method]; ok {
		delete(s.fail, r.Method)
		writeError(w, status, "InternalError", "injected failure")

		return
	}

	switch r.Method {
	case http.MethodGet:
		data, ok := s.objects[path]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")

			return
		}

		w.Header().Set("ETag", etag(data))
		w.Header().Set("Last-Modified", s.modified[path].UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "IncompleteBody", err.Error())

			return
		}

		if r.Header.Get("If-None-Match") == "*" {
			if _, exists := s.objects[path]; exists {
				writeError(w, http.StatusPreconditionFailed, "PreconditionFailed",
					"At least one of the pre-conditions you specified did not hold")

				return
			}
		}

		s.objects[path] = body
		s.modified[path] = time.Now()
		s.puts++

		w.Header().Set("ETag", etag(body))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if match := r.Header.Get("If-Match"); match != "" {
			data, ok := s.objects[path]
			if !ok {
				writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")

				return
			}

			if match != etag(data) {
				writeError(w, http.StatusPreconditionFailed, "PreconditionFailed",
					"At least one of the pre-conditions you specified did not hold")

				return
			}
		}

		delete(s.objects, path)
		delete(s.modified, path)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w,
		`<?xml version="1.0" encoding="UTF-8"?>`+
			`<Error><Code>%s</Code><Message>%s</Message><RequestId>fake</RequestId></Error>`,
		code, message)
}

func etag(data []byte) string {
	sum := md5.Sum(data)

	return `"` + hex.EncodeToString(sum[:]) + `"`
}
