// Package health probes the dependencies a flow needs: the ledger RPC, the
// backend index and, when configured, Redis.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cmatc13/invoicechain/pkg/logging"
)

// Status of one probe or of the whole registry.
type Status string

const (
	StatusUp      Status = "UP"
	StatusDown    Status = "DOWN"
	StatusUnknown Status = "UNKNOWN"
)

// DefaultTimeout bounds every dependency probe.
const DefaultTimeout = 3 * time.Second

// Check is the result of one probe.
type Check struct {
	Name        string
	Status      Status
	Message     string
	LastChecked time.Time
	Latency     time.Duration
	Error       error
}

// MarshalJSON renders Error as a string and Latency in milliseconds.
func (c Check) MarshalJSON() ([]byte, error) {
	var errStr string
	if c.Error != nil {
		errStr = c.Error.Error()
	}
	return json.Marshal(struct {
		Name        string    `json:"name"`
		Status      Status    `json:"status"`
		Message     string    `json:"message,omitempty"`
		LastChecked time.Time `json:"last_checked"`
		LatencyMs   int64     `json:"latency_ms"`
		Error       string    `json:"error,omitempty"`
	}{c.Name, c.Status, c.Message, c.LastChecked, c.Latency.Milliseconds(), errStr})
}

// Checker runs one probe.
type Checker func(ctx context.Context) Check

// Registry holds the probes of a process.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Checker
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{checks: make(map[string]Checker), logger: logger}
}

// Register adds or replaces the probe called name.
func (r *Registry) Register(name string, checker Checker) {
	r.mu.Lock()
	r.checks[name] = checker
	r.mu.Unlock()
	r.logger.Debug("Registered health check", "name", name)
}

// Unregister removes a probe.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.checks, name)
	r.mu.Unlock()
}

// RunChecks runs every probe concurrently. A slow ledger RPC does not delay
// the Redis answer.
func (r *Registry) RunChecks(ctx context.Context) map[string]Check {
	r.mu.RLock()
	checks := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		checks[name] = c
	}
	r.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]Check, len(checks))
	)
	for name, checker := range checks {
		name, checker := name, checker
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := checker(ctx)
			mu.Lock()
			results[name] = c
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Overall folds probe results: any DOWN wins, then any UNKNOWN.
func Overall(checks map[string]Check) Status {
	status := StatusUp
	for _, c := range checks {
		switch c.Status {
		case StatusDown:
			return StatusDown
		case StatusUnknown:
			status = StatusUnknown
		}
	}
	return status
}

// IsHealthy reports whether every probe is UP.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	return Overall(r.RunChecks(ctx)) == StatusUp
}

// Handler serves the probe results as JSON, 503 when anything is DOWN.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		checks := r.RunChecks(req.Context())
		status := Overall(checks)

		w.Header().Set("Content-Type", "application/json")
		if status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		err := json.NewEncoder(w).Encode(struct {
			Status    Status           `json:"status"`
			Timestamp time.Time        `json:"timestamp"`
			Checks    map[string]Check `json:"checks"`
		}{status, time.Now(), checks})
		if err != nil {
			r.logger.Error("Failed to encode health check response", "error", err)
		}
	})
}

func probe(ctx context.Context, name, subject string, checkFn func(ctx context.Context) error) Check {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	start := time.Now()
	err := checkFn(ctx)
	c := Check{Name: name, LastChecked: start, Latency: time.Since(start)}
	if err != nil {
		c.Status = StatusDown
		c.Error = err
		c.Message = fmt.Sprintf("%s is unhealthy: %v", subject, err)
		return c
	}
	c.Status = StatusUp
	c.Message = subject + " is healthy"
	return c
}

// ServiceChecker probes an in-process service.
func ServiceChecker(serviceName string, checkFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, serviceName, "Service "+serviceName, checkFn)
	}
}

// ChainChecker reports the ledger RPC as healthy while it answers with a
// block number.
func ChainChecker(rpcURL string, blockNumberFn func(ctx context.Context) (uint64, error)) Checker {
	return func(ctx context.Context) Check {
		var head uint64
		c := probe(ctx, "chain", "Chain RPC at "+rpcURL, func(ctx context.Context) error {
			var err error
			head, err = blockNumberFn(ctx)
			return err
		})
		if c.Status == StatusUp {
			c.Message = fmt.Sprintf("Chain RPC at %s is healthy, head block %d", rpcURL, head)
		}
		return c
	}
}

// BackendChecker probes the backend index.
func BackendChecker(baseURL string, pingFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, "backend", "Backend at "+baseURL, pingFn)
	}
}

// RedisChecker probes the Redis holding locks and partial failure records.
func RedisChecker(redisAddr string, pingFn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Check {
		return probe(ctx, "redis", "Redis at "+redisAddr, pingFn)
	}
}
