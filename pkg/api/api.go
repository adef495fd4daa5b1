package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/forgelet/forgelet/pkg/build"
	"github.com/forgelet/forgelet/pkg/config"
	"github.com/forgelet/forgelet/pkg/history"
	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the build API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Deps are the collaborators the request handlers read from and submit
// to. They are constructed once at server start and passed by handle;
// the server owns only the HTTP lifecycle.
type Deps struct {
	Registry *build.Registry
	Queue    build.Queue
	Actions  build.Actions
	Storage  storage.Store
	History  history.Store
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	deps       *Deps
	httpServer *http.Server
	instanceID string
	startedAt  time.Time
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config, deps *Deps) Server {
	return &server{
		log:        log.WithField("component", "api"),
		cfg:        cfg,
		deps:       deps,
		instanceID: uuid.NewString(),
	}
}

// Start binds the listener and begins serving requests.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port
	// conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.startedAt = time.Now().UTC()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithFields(logrus.Fields{
			"listen":   s.cfg.Server.Listen,
			"instance": s.instanceID,
		}).Info("Build API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
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

	s.log.Info("Build API server stopped")

	return nil
}
