package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(Envelope{Code: code, Msg: msg, Data: raw})
}

func TestSuccessCodesNormalized(t *testing.T) {
	for _, code := range []int{CodeOK, CodeLegacyOK} {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, code, "ok", nil)
		})
		assert.NoError(t, c.VerifyInvoice(context.Background(), "7"), "code %d", code)
	}
}

func TestRejectedEnvelope(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 4001, "invoice not pending", nil)
	})

	err := c.VerifyInvoice(context.Background(), "7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBackendRejected))
	assert.Equal(t, errors.KindBackendRejected, errors.Kind(err))
	assert.Contains(t, err.Error(), "invoice not pending")
}

func TestServerErrorIsUnavailable(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.IssueInvoices(context.Background(), []string{"1", "2"}, "B1")
	assert.True(t, errors.Is(err, errors.ErrBackendUnavailable))
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Timeout: time.Second}, nil)
	err := c.CreateToken(context.Background(), domain.TokenRecord{BatchID: "B1"})
	assert.True(t, errors.Is(err, errors.ErrBackendUnavailable))
}

func TestIssueInvoicesBody(t *testing.T) {
	var got map[string]interface{}
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoice/issue", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		writeEnvelope(w, CodeOK, "", nil)
	})

	require.NoError(t, c.IssueInvoices(context.Background(), []string{"1", "2"}, "B1"))
	assert.Equal(t, "B1", got["batch_id"])
	assert.Equal(t, []interface{}{"1", "2"}, got["invoice_ids"])
}

func TestGetInvoiceDetail(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "INV-001", r.URL.Query().Get("invoice_number"))
		writeEnvelope(w, CodeOK, "", map[string]interface{}{
			"id": "7", "invoice_number": "INV-001", "amount": "1000", "status": "PENDING",
		})
	})

	inv, err := c.GetInvoiceDetail(context.Background(), "INV-001")
	require.NoError(t, err)
	assert.Equal(t, "7", inv.ID)
	assert.Equal(t, domain.InvoicePending, inv.Status)
}

func TestGetBatchDetailMissing(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, CodeOK, "", nil)
	})

	_, err := c.GetBatchDetail(context.Background(), "B404")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestListBatchesPaged(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, CodeOK, "", map[string]interface{}{
			"list": []map[string]interface{}{{"id": "B1", "status": "PENDING", "total_amount": 3000}},
		})
	})

	batches, err := c.ListBatches(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "3000", batches[0].TotalAmount.String())
}

func TestWritesArePaced(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(w, CodeOK, "", nil)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateLimitRPS: 1, Burst: 1}, nil)
	require.NoError(t, c.VerifyInvoice(context.Background(), "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.VerifyInvoice(ctx, "2")
	assert.True(t, errors.Is(err, errors.ErrBackendUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFailedCallsCounted(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 4001, "nope", nil)
	}).WithMetrics(m)

	require.Error(t, c.VerifyInvoice(context.Background(), "7"))
	require.Error(t, c.VerifyInvoice(context.Background(), "8"))

	failed := m.DependencyErrorRate.WithLabelValues("invoicechain", "backend", errors.OpVerifyInvoice)
	assert.Equal(t, 2.0, testutil.ToFloat64(failed))
}
