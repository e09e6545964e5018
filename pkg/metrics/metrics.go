// Package metrics holds the Prometheus collectors of the process on a private
// registry, with Record helpers for each concern.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP surface and dependencies
	RequestCount        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestInFlight     *prometheus.GaugeVec
	ErrorCount          *prometheus.CounterVec
	ServiceUptime       prometheus.Gauge
	ServiceLastStarted  prometheus.Gauge
	DependencyUp        *prometheus.GaugeVec
	DependencyLatency   *prometheus.HistogramVec
	DependencyErrorRate *prometheus.CounterVec

	FlowCount    *prometheus.CounterVec
	FlowDuration *prometheus.HistogramVec

	LedgerTxCount       *prometheus.CounterVec
	ConfirmWaitDuration *prometheus.HistogramVec

	ReconcileAttempts  *prometheus.CounterVec
	ReconcileExhausted *prometheus.CounterVec
	PartialsPending    prometheus.Gauge

	LocksHeld     prometheus.Gauge
	LockConflicts *prometheus.CounterVec
}

// Config names the metrics. Subsystem applies to the HTTP and dependency
// collectors; the domain collectors use fixed subsystems.
type Config struct {
	Namespace   string
	Subsystem   string
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{Namespace: "invoicechain", ServiceName: "invoicechain"}
}

type builder struct {
	f  promauto.Factory
	ns string
}

func (b builder) counter(sub, name, help string, labels ...string) *prometheus.CounterVec {
	return b.f.NewCounterVec(prometheus.CounterOpts{Namespace: b.ns, Subsystem: sub, Name: name, Help: help}, labels)
}

func (b builder) histogram(sub, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return b.f.NewHistogramVec(prometheus.HistogramOpts{Namespace: b.ns, Subsystem: sub, Name: name, Help: help, Buckets: buckets}, labels)
}

func (b builder) gaugeVec(sub, name, help string, labels ...string) *prometheus.GaugeVec {
	return b.f.NewGaugeVec(prometheus.GaugeOpts{Namespace: b.ns, Subsystem: sub, Name: name, Help: help}, labels)
}

func (b builder) gauge(sub, name, help string, constLabels prometheus.Labels) prometheus.Gauge {
	return b.f.NewGauge(prometheus.GaugeOpts{Namespace: b.ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels})
}

// New registers every collector on a fresh registry, so tests can build as
// many as they like.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	b := builder{f: promauto.With(registry), ns: cfg.Namespace}
	sub := cfg.Subsystem
	svc := prometheus.Labels{"service": cfg.ServiceName}

	m := &Metrics{
		Registry: registry,

		RequestCount:        b.counter(sub, "request_total", "HTTP requests by route and status", "service", "method", "path", "status"),
		RequestDuration:     b.histogram(sub, "request_duration_seconds", "HTTP request duration", prometheus.DefBuckets, "service", "method", "path"),
		RequestInFlight:     b.gaugeVec(sub, "requests_in_flight", "HTTP requests being served", "service"),
		ErrorCount:          b.counter(sub, "errors_total", "Errors answered, by type and code", "service", "type", "code"),
		ServiceUptime:       b.gauge(sub, "service_uptime_seconds", "Seconds since the API started serving", svc),
		ServiceLastStarted:  b.gauge(sub, "service_last_started_timestamp", "Unix time the API last started", svc),
		DependencyUp:        b.gaugeVec(sub, "dependency_up", "1 when the last probe of a dependency passed", "service", "dependency"),
		DependencyLatency:   b.histogram(sub, "dependency_latency_seconds", "Calls to the backend index and other dependencies", prometheus.DefBuckets, "service", "dependency", "operation"),
		DependencyErrorRate: b.counter(sub, "dependency_errors_total", "Failed dependency calls", "service", "dependency", "operation"),

		FlowCount:    b.counter("flow", "total", "Flow runs by terminal outcome", "flow", "outcome"),
		FlowDuration: b.histogram("flow", "duration_seconds", "Flow run duration", []float64{0.5, 1, 5, 15, 30, 60, 120, 300}, "flow"),

		LedgerTxCount:       b.counter("ledger", "transactions_total", "Ledger transactions by method and handle state", "method", "state"),
		ConfirmWaitDuration: b.histogram("ledger", "confirm_wait_seconds", "Time spent waiting for a mined receipt", []float64{1, 2, 5, 10, 30, 60, 120, 180}, "method"),

		ReconcileAttempts:  b.counter("reconcile", "attempts_total", "Backend reconciliation attempts by result", "kind", "result"),
		ReconcileExhausted: b.counter("reconcile", "exhausted_total", "Reconciliations that ran out of attempts", "kind"),
		PartialsPending:    b.gauge("reconcile", "partials_pending", "Entities with ledger success and a stale backend index", nil),

		LocksHeld:     b.gauge("lock", "held", "Entity keys currently under orchestration", nil),
		LockConflicts: b.counter("lock", "conflicts_total", "Lock acquisitions rejected because an entity was already held", "flow"),
	}
	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime marks a start and updates the uptime gauge every second until
// done is closed.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	start := time.Now()
	m.ServiceLastStarted.Set(float64(start.Unix()))
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(start).Seconds())
			case <-done:
				return
			}
		}
	}()
}

// RecordRequest records one served HTTP request. path is the route pattern.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(v)
}

// RecordDependencyCall records the latency of one dependency call and counts
// it as an error when err is non-nil.
func (m *Metrics) RecordDependencyCall(service, dependency, operation string, duration time.Duration, err error) {
	m.DependencyLatency.WithLabelValues(service, dependency, operation).Observe(duration.Seconds())
	if err != nil {
		m.DependencyErrorRate.WithLabelValues(service, dependency, operation).Inc()
	}
}

// RecordFlow records the terminal outcome of a flow run.
func (m *Metrics) RecordFlow(flow, outcome string, duration time.Duration) {
	m.FlowCount.WithLabelValues(flow, outcome).Inc()
	m.FlowDuration.WithLabelValues(flow).Observe(duration.Seconds())
}

func (m *Metrics) RecordLedgerTx(method, state string) {
	m.LedgerTxCount.WithLabelValues(method, state).Inc()
}

func (m *Metrics) RecordConfirmWait(method string, duration time.Duration) {
	m.ConfirmWaitDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordReconcileAttempt(kind string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.ReconcileAttempts.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordReconcileExhausted(kind string) {
	m.ReconcileExhausted.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPartialsPending(n int) {
	m.PartialsPending.Set(float64(n))
}

// AddLocksHeld adjusts the held-locks gauge by delta. It makes *Metrics a
// lock observer.
func (m *Metrics) AddLocksHeld(delta int) {
	m.LocksHeld.Add(float64(delta))
}

func (m *Metrics) RecordLockConflict(flow string) {
	m.LockConflicts.WithLabelValues(flow).Inc()
}
