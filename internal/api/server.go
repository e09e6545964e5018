// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/invoicechain/internal/flow"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/pkg/config"
	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/health"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
	"github.com/cmatc13/invoicechain/pkg/tokenization"
)

// LedgerReader answers the read-only ledger routes.
type LedgerReader interface {
	GetInvoice(ctx context.Context, invoiceNumber string, checkValid bool) (*ledger.OnchainInvoice, error)
	GetUserInvoices(ctx context.Context, user common.Address) ([]string, error)
}

// Options wires a Server.
type Options struct {
	Config         *config.Config
	Orchestrator   tokenization.Orchestrator
	Ledger         LedgerReader
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	HealthRegistry *health.Registry
}

// Server represents the API server
type Server struct {
	config           *config.Config
	router           *chi.Mux
	orchestrator     tokenization.Orchestrator
	ledger           LedgerReader
	tokenAuth        *jwtauth.JWTAuth
	server           *http.Server
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
	healthRegistry   *health.Registry
	stopped          chan struct{}
	stopOnce         sync.Once
}

// NewServer creates a new API server. A JWT secret is required because every
// flow route acts on behalf of the authenticated wallet.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Orchestrator == nil {
		return nil, errors.Configf("api server requires config and orchestrator")
	}
	if opts.Config.Auth.JWTSecret == "" {
		return nil, errors.Configf("auth.jwt_secret is required to serve the API")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(metrics.DefaultConfig())
	}
	registry := opts.HealthRegistry
	if registry == nil {
		registry = health.NewRegistry(logger)
	}

	s := &Server{
		config:           opts.Config,
		router:           chi.NewRouter(),
		orchestrator:     opts.Orchestrator,
		ledger:           opts.Ledger,
		tokenAuth:        jwtauth.New("HS256", []byte(opts.Config.Auth.JWTSecret), nil),
		logger:           logger.WithField("component", "api"),
		metricsCollector: m,
		healthRegistry:   registry,
		stopped:          make(chan struct{}),
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.setupHealthChecks()

	s.server = &http.Server{
		Addr:              ":" + opts.Config.API.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Flow routes wait for ledger confirmation.
		WriteTimeout: opts.Config.Chain.ConfirmTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(Observe(s.logger, s.metricsCollector, "api"))
	s.router.Use(Recover(s.logger, s.metricsCollector, "api"))
	s.router.Use(SecureHeaders)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.config.API.RateLimit > 0 {
		s.router.Use(httprate.LimitByIP(s.config.API.RateLimit, time.Minute))
	}
}

// setupRoutes configures the routes for the server
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.config.Metrics.Enabled {
		s.router.Get("/metrics", s.metricsCollector.Handler().ServeHTTP)
	}

	// Flow routes act for the wallet named in the token.
	s.router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.tokenAuth))
		r.Use(s.authenticator)
		r.Use(s.requireWallet)
		r.Use(ValidateContentType("application/json"))

		r.Post("/invoices/register", s.handleRegisterInvoices)
		r.Post("/invoices/{number}/verify", s.handleVerifyInvoice)
		r.Post("/batches", s.handleIssueBatch)
		r.Post("/batches/{id}/confirm", s.handleConfirmBatch)
		r.Post("/batches/{id}/purchase", s.handlePurchase)

		r.Get("/ledger/invoices/{number}", s.handleLedgerInvoice)
		r.Get("/ledger/accounts/{address}/invoices", s.handleLedgerAccountInvoices)
	})

	// Operator routes
	s.router.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.tokenAuth))
		r.Use(s.authenticator)
		r.Use(s.adminOnly)

		r.Get("/partials", s.handleListPartials)
		r.Post("/partials/{entity}/resume", s.handleResume)
	})
}

// setupHealthChecks configures health checks for the server
func (s *Server) setupHealthChecks() {
	s.healthRegistry.Register("api", health.ServiceChecker("api", func(ctx context.Context) error {
		return nil
	}))
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.server.Addr, "chain_id", s.config.Chain.ChainID)
	s.metricsCollector.RecordUptime(s.stopped)

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown waits for in-flight requests, which may be flows still waiting on
// ledger confirmation, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopped) })
	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("API shutdown cut in-flight requests")
	} else {
		s.logger.Info("API stopped")
	}
	return err
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthRegistry.RunChecks(r.Context())
	status := health.Overall(checks)
	for _, c := range checks {
		s.metricsCollector.RecordDependencyStatus("api", c.Name, c.Status == health.StatusUp)
	}

	code := http.StatusOK
	if status == health.StatusDown {
		code = http.StatusServiceUnavailable
	}
	s.renderJSON(w, Response{
		Success: status == health.StatusUp,
		Message: string(status),
		Data: map[string]interface{}{
			"status":     status,
			"checks":     checks,
			"version":    s.config.API.Version,
			"chain_id":   s.config.Chain.ChainID,
			"goroutines": runtime.NumGoroutine(),
			"checked_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, code)
}

func (s *Server) handleVerifyInvoice(w http.ResponseWriter, r *http.Request) {
	out, err := s.orchestrator.VerifyInvoice(r.Context(), flow.VerifyRequest{
		Caller:        walletFrom(r),
		InvoiceNumber: chi.URLParam(r, "number"),
	})
	s.renderOutcome(w, out, err, "Invoice verified")
}

func (s *Server) handleIssueBatch(w http.ResponseWriter, r *http.Request) {
	var req flow.IssueRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Caller = walletFrom(r)
	out, err := s.orchestrator.IssueBatch(r.Context(), req)
	s.renderOutcome(w, out, err, "Batch issued")
}

func (s *Server) handleConfirmBatch(w http.ResponseWriter, r *http.Request) {
	var req flow.ConfirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Caller = walletFrom(r)
	req.BatchID = chi.URLParam(r, "id")
	out, err := s.orchestrator.ConfirmBatch(r.Context(), req)
	s.renderOutcome(w, out, err, "Batch confirmed")
}

func (s *Server) handleRegisterInvoices(w http.ResponseWriter, r *http.Request) {
	var req flow.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Caller = walletFrom(r)
	out, err := s.orchestrator.RegisterInvoices(r.Context(), req)
	s.renderOutcome(w, out, err, "Invoices registered")
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req flow.PurchaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Caller = walletFrom(r)
	req.BatchID = chi.URLParam(r, "id")
	out, err := s.orchestrator.PurchaseShares(r.Context(), req)
	s.renderOutcome(w, out, err, "Shares purchased")
}

func (s *Server) handleListPartials(w http.ResponseWriter, r *http.Request) {
	records, err := s.orchestrator.PendingPartials(r.Context())
	if err != nil {
		s.renderErr(w, err, nil)
		return
	}
	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"partials": records,
			"count":    len(records),
		},
	}, http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	out, err := s.orchestrator.Resume(r.Context(), chi.URLParam(r, "entity"))
	s.renderOutcome(w, out, err, "Reconciliation resumed")
}

func (s *Server) handleLedgerInvoice(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.renderError(w, "Ledger reads are not configured", http.StatusNotImplemented)
		return
	}
	checkValid, _ := strconv.ParseBool(r.URL.Query().Get("check_valid"))
	inv, err := s.ledger.GetInvoice(r.Context(), chi.URLParam(r, "number"), checkValid)
	if err != nil {
		s.renderErr(w, err, nil)
		return
	}
	s.renderJSON(w, Response{Success: true, Data: inv}, http.StatusOK)
}

func (s *Server) handleLedgerAccountInvoices(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.renderError(w, "Ledger reads are not configured", http.StatusNotImplemented)
		return
	}
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		s.renderErr(w, errors.NewAPIError(errors.APIErrBadRequest, "malformed address "+address, nil), nil)
		return
	}
	numbers, err := s.ledger.GetUserInvoices(r.Context(), common.HexToAddress(address))
	if err != nil {
		s.renderErr(w, err, nil)
		return
	}
	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"address":  common.HexToAddress(address).Hex(),
			"invoices": numbers,
		},
	}, http.StatusOK)
}

// authenticator rejects requests without a valid token, answering in the
// API's response shape.
func (s *Server) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			s.renderErr(w, errors.NewAPIError(errors.APIErrUnauthorized, "missing or invalid token", err), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireWallet requires a well-formed wallet_address claim. The claim is the
// caller of every flow the request starts.
func (s *Server) requireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, _ := jwtauth.FromContext(r.Context())
		addr, _ := claims["wallet_address"].(string)
		if !common.IsHexAddress(addr) {
			s.renderErr(w, errors.NewAPIError(errors.APIErrUnauthorized, "token carries no wallet address", nil), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), walletKey{}, common.HexToAddress(addr).Hex())))
	})
}

// adminOnly is middleware to verify the user has admin role
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, _ := jwtauth.FromContext(r.Context())
		role, ok := claims["role"].(string)
		if !ok || role != "admin" {
			s.renderErr(w, errors.NewAPIError(errors.APIErrForbidden, "admin access required", nil), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type walletKey struct{}

func walletFrom(r *http.Request) string {
	addr, _ := r.Context().Value(walletKey{}).(string)
	return addr
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.renderErr(w, errors.NewAPIError(errors.APIErrBadRequest, "invalid request body", err), nil)
		return false
	}
	return true
}

// renderOutcome answers a flow. A partial failure still carries the outcome
// so the operator can see which entity to resume.
func (s *Server) renderOutcome(w http.ResponseWriter, out *flow.Outcome, err error, message string) {
	if err != nil {
		s.renderErr(w, err, out)
		return
	}
	s.renderJSON(w, Response{Success: true, Message: message, Data: out}, http.StatusOK)
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

// renderError renders an error response with a fixed status.
func (s *Server) renderError(w http.ResponseWriter, message string, status int) {
	s.metricsCollector.RecordError("api", "http", strconv.Itoa(status))
	s.renderJSON(w, Response{Success: false, Error: message}, status)
}

// renderErr maps err onto its status and kind.
func (s *Server) renderErr(w http.ResponseWriter, err error, out *flow.Outcome) {
	status := errors.HTTPStatus(err)
	kind := errors.Kind(err)
	s.metricsCollector.RecordError("api", strings.ToLower(kind), strconv.Itoa(status))

	resp := Response{Success: false, Error: err.Error(), Kind: kind}
	if out != nil {
		resp.Data = out
	}
	s.renderJSON(w, resp, status)
}
