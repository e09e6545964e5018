// Package backend is the REST client for the backend index. Every response
// carries a {code, msg, data} envelope; Do normalizes it in one place.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

// Envelope codes treated as success. One legacy endpoint family answers 0
// where the rest answer 200; both are accepted everywhere.
const (
	CodeOK       = 200
	CodeLegacyOK = 0
)

// Envelope is the wrapper of every backend response.
type Envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Success reports whether the envelope code means success.
func (e *Envelope) Success() bool {
	return e.Code == CodeOK || e.Code == CodeLegacyOK
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
	// RateLimitRPS paces writes. Zero disables pacing.
	RateLimitRPS float64
	Burst        int
}

// Client calls the backend index.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewClient creates a backend client.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.AuthToken != "" {
		hc.SetAuthToken(cfg.AuthToken)
	}

	c := &Client{http: hc, logger: logger}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	return c
}

// WithMetrics records the latency and failures of every call on m.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// Do sends one request and returns the envelope data on success. Transport
// errors and 5xx answers are BackendUnavailable; a decoded envelope with a
// non-success code is BackendRejected.
func (c *Client) Do(ctx context.Context, op, method, path string, query map[string]string, body interface{}) (data json.RawMessage, err error) {
	if c.metrics != nil {
		defer func(started time.Time) {
			c.metrics.RecordDependencyCall("invoicechain", "backend", op, time.Since(started), err)
		}(time.Now())
	}
	if method != http.MethodGet && c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.NewBackendError(op, errors.BackendErrUnavailable, "rate limiter", err)
		}
	}

	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	started := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, errors.NewBackendError(op, errors.BackendErrUnavailable, method+" "+path, err)
	}
	log := c.logger.WithContext(ctx)
	log.Debug("Backend call",
		"operation", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode(),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if resp.StatusCode() >= http.StatusInternalServerError {
		return nil, errors.NewBackendError(op, errors.BackendErrUnavailable,
			method+" "+path+": "+resp.Status(), nil)
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.StatusCode() >= http.StatusBadRequest {
			return nil, errors.BackendRejectedf(op, resp.StatusCode(), resp.Status())
		}
		return nil, errors.NewBackendError(op, errors.BackendErrDecode, "decode envelope", err)
	}
	if !env.Success() {
		log.Warn("Backend rejected request", "operation", op, "code", env.Code, "msg", env.Msg)
		return nil, errors.BackendRejectedf(op, env.Code, env.Msg)
	}
	return env.Data, nil
}

func decodeData(op string, data json.RawMessage, out interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.NewBackendError(op, errors.BackendErrNotFound, "empty data", nil)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewBackendError(op, errors.BackendErrDecode, "decode data", err)
	}
	return nil
}

// VerifyInvoice marks one invoice VERIFIED.
func (c *Client) VerifyInvoice(ctx context.Context, invoiceID string) error {
	_, err := c.Do(ctx, errors.OpVerifyInvoice, http.MethodPost, "/invoice/verify", nil,
		map[string]string{"id": invoiceID})
	return err
}

// IssueInvoices marks every listed invoice ISSUED under batchID in one
// request, so the backend applies it to the whole set or to none.
func (c *Client) IssueInvoices(ctx context.Context, invoiceIDs []string, batchID string) error {
	_, err := c.Do(ctx, errors.OpIssueInvoices, http.MethodPost, "/invoice/issue", nil,
		struct {
			InvoiceIDs []string `json:"invoice_ids"`
			BatchID    string   `json:"batch_id"`
		}{InvoiceIDs: invoiceIDs, BatchID: batchID})
	return err
}

// GetInvoiceDetail reads an invoice by its number.
func (c *Client) GetInvoiceDetail(ctx context.Context, invoiceNumber string) (*domain.Invoice, error) {
	data, err := c.Do(ctx, errors.OpGetInvoiceDetail, http.MethodGet, "/invoice/detail",
		map[string]string{"invoice_number": invoiceNumber}, nil)
	if err != nil {
		return nil, err
	}
	var inv domain.Invoice
	if err := decodeData(errors.OpGetInvoiceDetail, data, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListBatches lists batches visible to the caller.
func (c *Client) ListBatches(ctx context.Context) ([]domain.BatchSummary, error) {
	data, err := c.Do(ctx, errors.OpListBatches, http.MethodGet, "/batch/list", nil, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var batches []domain.BatchSummary
	if err := json.Unmarshal(data, &batches); err != nil {
		// Some deployments page the listing as {"list": [...]}.
		var paged struct {
			List []domain.BatchSummary `json:"list"`
		}
		if perr := json.Unmarshal(data, &paged); perr != nil {
			return nil, errors.NewBackendError(errors.OpListBatches, errors.BackendErrDecode, "decode data", err)
		}
		batches = paged.List
	}
	return batches, nil
}

// GetBatchDetail reads one batch.
func (c *Client) GetBatchDetail(ctx context.Context, batchID string) (*domain.Batch, error) {
	data, err := c.Do(ctx, errors.OpGetBatchDetail, http.MethodGet, "/batch/detail",
		map[string]string{"id": batchID}, nil)
	if err != nil {
		return nil, err
	}
	var b domain.Batch
	if err := decodeData(errors.OpGetBatchDetail, data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateToken creates the token record of a confirmed batch.
func (c *Client) CreateToken(ctx context.Context, rec domain.TokenRecord) error {
	_, err := c.Do(ctx, errors.OpCreateToken, http.MethodPost, "/token/create", nil, rec)
	return err
}

// Ping reports whether the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/batch/list")
	if err != nil {
		return err
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return errors.NewBackendError(errors.OpListBatches, errors.BackendErrUnavailable, resp.Status(), nil)
	}
	return nil
}
