// internal/api/middleware.go
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

// routePattern labels a request by its chi route, so invoice numbers and
// batch ids do not become metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Observe records request metrics and logs one line per completed request.
// Flow routes can block for minutes on ledger confirmation, so the in-flight
// gauge is the quickest way to see a stuck chain.
func Observe(logger *logging.Logger, m *metrics.Metrics, service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			inFlight := m.RequestInFlight.WithLabelValues(service)
			inFlight.Inc()
			defer inFlight.Dec()

			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			elapsed := time.Since(started)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routePattern(r)
			m.RecordRequest(service, r.Method, route, status, elapsed)

			log := logger.WithContext(r.Context())
			args := []interface{}{
				"method", r.Method,
				"route", route,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
			}
			switch {
			case status >= http.StatusInternalServerError:
				log.Error("Request failed", args...)
			case status >= http.StatusBadRequest:
				log.Warn("Request rejected", args...)
			default:
				log.Info("Request completed", args...)
			}
		})
	}
}

// Recover turns a handler panic into a 500 and an api/panic error count.
func Recover(logger *logging.Logger, m *metrics.Metrics, service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				logger.WithContext(r.Context()).Error("Handler panicked",
					"panic", rvr, "route", routePattern(r))
				m.RecordError(service, "panic", "PANIC")
				w.WriteHeader(http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
