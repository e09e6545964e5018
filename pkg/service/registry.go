// pkg/service/registry.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/invoicechain/pkg/logging"
)

// Registry starts services in dependency order and stops them in reverse.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	logger   *logging.Logger

	// HealthTimeout bounds how long StartAll waits for each service to
	// report healthy.
	HealthTimeout time.Duration
	// HealthInterval is the polling period of that wait.
	HealthInterval time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		services:       make(map[string]Service),
		logger:         logger,
		HealthTimeout:  30 * time.Second,
		HealthInterval: 500 * time.Millisecond,
	}
}

// Register adds a service. Names are unique.
func (r *Registry) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := svc.Name()
	if _, ok := r.services[name]; ok {
		return fmt.Errorf("service %s is already registered", name)
	}
	r.services[name] = svc
	r.logger.Debug("Service registered", "service", name)
	return nil
}

// Get returns a service by name.
func (r *Registry) Get(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return svc, nil
}

// StartAll starts every service once its dependencies are healthy. When one
// fails, the services already started are stopped again in reverse order.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, err := startOrder(r.services)
	if err != nil {
		return err
	}

	started := make([]Service, 0, len(order))
	for _, name := range order {
		svc := r.services[name]
		r.logger.Info("Starting service", "service", name)

		err := svc.Start(ctx)
		if err == nil {
			err = r.waitForHealth(ctx, svc)
		} else {
			err = fmt.Errorf("failed to start service %s: %w", name, err)
		}
		if err != nil {
			r.logger.Error("Service did not start", "service", name, "error", err)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.HealthTimeout)
			defer cancel()
			return errors.Join(err, stopReverse(stopCtx, r.logger, append(started, svc)))
		}
		started = append(started, svc)
	}
	return nil
}

// StopAll stops every service in reverse start order. Every service is
// asked to stop even when an earlier one fails.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, err := startOrder(r.services)
	if err != nil {
		return err
	}
	svcs := make([]Service, len(order))
	for i, name := range order {
		svcs[i] = r.services[name]
	}
	return stopReverse(ctx, r.logger, svcs)
}

// HealthCheck asks every service for its health.
func (r *Registry) HealthCheck() map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]error, len(r.services))
	for name, svc := range r.services {
		results[name] = svc.Health()
	}
	return results
}

func stopReverse(ctx context.Context, logger *logging.Logger, svcs []Service) error {
	var errs []error
	for i := len(svcs) - 1; i >= 0; i-- {
		name := svcs[i].Name()
		logger.Info("Stopping service", "service", name)
		if err := svcs[i].Stop(ctx); err != nil {
			logger.Error("Error stopping service", "service", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) waitForHealth(ctx context.Context, svc Service) error {
	if svc.Health() == nil {
		return nil
	}

	ticker := time.NewTicker(r.HealthInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(r.HealthTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("timeout waiting for service %s to become healthy", svc.Name())
		case <-ticker.C:
			if svc.Health() == nil {
				return nil
			}
		}
	}
}

// startOrder sorts services so each comes after its dependencies, breaking
// ties by name so startup is deterministic (Kahn's algorithm).
func startOrder(services map[string]Service) ([]string, error) {
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string, len(services))
	for name, svc := range services {
		indegree[name] += 0
		for _, dep := range svc.Dependencies() {
			if _, known := services[dep]; !known {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(services))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(services) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle detected among services %v", stuck)
	}
	return order, nil
}
