// internal/api/service.go
package api

import (
	"context"
	"fmt"

	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/service"
)

// APIService wraps the API server as a Service
type APIService struct {
	server       *Server
	logger       *logging.Logger
	dependencies []string
	errCh        chan error
	service.Lifecycle
}

// NewAPIService wraps server. dependencies are started before the API.
func NewAPIService(server *Server, logger *logging.Logger, dependencies ...string) *APIService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &APIService{
		server:       server,
		logger:       logger.WithField("service", "api"),
		dependencies: dependencies,
	}
}

// Name returns the service name
func (s *APIService) Name() string {
	return "api"
}

// Start serves in the background.
func (s *APIService) Start(ctx context.Context) error {
	if !s.Transition(service.StatusStopped, service.StatusStarting) {
		return fmt.Errorf("api service is %s", s.Status())
	}
	s.errCh = make(chan error, 1)

	go func() {
		if err := s.server.Start(); err != nil {
			s.SetStatus(service.StatusError)
			s.errCh <- err
		}
	}()

	s.Transition(service.StatusStarting, service.StatusRunning)
	s.logger.Info("API service started", "port", s.server.config.API.Port)
	return nil
}

// Stop gracefully shuts down the service
func (s *APIService) Stop(ctx context.Context) error {
	if s.Status() == service.StatusStopped {
		return nil
	}
	s.SetStatus(service.StatusStopping)
	err := s.server.Shutdown(ctx)
	s.SetStatus(service.StatusStopped)
	return err
}

// Health reports a listener that failed after Start.
func (s *APIService) Health() error {
	select {
	case err := <-s.errCh:
		s.errCh <- err
		return fmt.Errorf("api server failed: %w", err)
	default:
	}
	if st := s.Status(); st != service.StatusRunning {
		return fmt.Errorf("service not running: %s", st)
	}
	return nil
}

// Dependencies returns a list of services this service depends on
func (s *APIService) Dependencies() []string {
	return s.dependencies
}
