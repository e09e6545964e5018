// Package service runs the long-lived parts of the process (the HTTP API,
// the Kafka dispatcher and the outcome publisher) under one dependency
// ordered lifecycle.
package service

import (
	"context"
	"sync"
)

// Status is the lifecycle state of a service.
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusError    Status = "ERROR"
)

// Service is a component the Registry starts and stops.
type Service interface {
	Name() string

	// Start must return quickly; long-running work belongs in goroutines.
	Start(ctx context.Context) error

	// Stop releases everything Start acquired. It is bounded by ctx.
	Stop(ctx context.Context) error

	Status() Status

	// Health returns nil once the service can do its job.
	Health() error

	// Dependencies name services that must start first and stop last.
	// Names the registry does not know are ignored.
	Dependencies() []string
}

// Lifecycle is a mutex-guarded Status for embedding in services.
type Lifecycle struct {
	mu     sync.RWMutex
	status Status
}

// Status returns the current status; the zero Lifecycle is STOPPED.
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status == "" {
		return StatusStopped
	}
	return l.status
}

// SetStatus records a transition.
func (l *Lifecycle) SetStatus(s Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

// Transition moves from `from` to `to` and reports whether the current
// status was `from`. It guards Start and Stop against double calls.
func (l *Lifecycle) Transition(from, to Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.status
	if cur == "" {
		cur = StatusStopped
	}
	if cur != from {
		return false
	}
	l.status = to
	return true
}
