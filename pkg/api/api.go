// Package api serves a benchmark store over HTTP: read endpoints for
// dashboards and an authenticated endpoint that appends runs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/benchkeeper/pkg/config"
	"github.com/ethpandaops/benchkeeper/pkg/engine"
	"github.com/ethpandaops/benchkeeper/pkg/metrics"
	"github.com/ethpandaops/benchkeeper/pkg/record"
	"github.com/ethpandaops/benchkeeper/pkg/seriesdb"
	"github.com/ethpandaops/benchkeeper/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr is the bound listen address once started.
	Addr() string
}

// Appender appends runs to the store.
type Appender interface {
	Append(ctx context.Context, tool string, run *record.ToolRun) (*engine.Report, error)
}

// Options carries the server's collaborators.
type Options struct {
	Backend  storage.Backend
	Appender Appender
	// Mirror receives every appended run when set. It must be started.
	Mirror seriesdb.Store
	// Metrics instruments requests and serves /metrics when set.
	Metrics *metrics.Metrics
	// Threshold and RepoURL are used for markdown responses.
	Threshold float64
	RepoURL   string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	opts       Options
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	opts Options,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		opts: opts,
	}
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	if s.opts.Backend == nil {
		return errors.New("api server requires a store backend")
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithFields(logrus.Fields{
			"listen":  ln.Addr().String(),
			"store":   s.opts.Backend.Location(),
			"appends": len(s.cfg.Auth.Tokens) > 0,
		}).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}
