package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

func TestResumeFinishesStaleVerification(t *testing.T) {
	h := newHarness(t)
	h.backend.addInvoice("INV-001", domain.InvoicePending)
	h.backend.setWriteErr(unavailable(1))

	first, err := h.orch.VerifyInvoice(context.Background(), VerifyRequest{Caller: payee, InvoiceNumber: "INV-001"})
	require.Error(t, err)

	pending, err := h.orch.PendingPartials(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "invoice:INV-001", pending[0].Entity)

	h.backend.setWriteErr(nil)
	out, err := h.orch.Resume(context.Background(), "invoice:INV-001")
	require.NoError(t, err)
	assert.Equal(t, FlowResume, out.Flow)
	assert.Equal(t, StateVerified, out.State)
	assert.Equal(t, first.TxHash, out.TxHash)
	assert.Equal(t, domain.InvoiceVerified, h.backend.status("INV-001"))

	// The ledger was asked, never written to again.
	assert.Len(t, h.submitter.submitted(), 1)
	assert.Equal(t, 1, h.waiter.lookups)

	pending, err = h.orch.PendingPartials(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	h.requireNoLocks(t)
}

func TestResumeIssuance(t *testing.T) {
	h := newHarness(t)
	h.backend.addInvoice("INV-001", domain.InvoiceVerified)
	h.backend.addInvoice("INV-002", domain.InvoiceVerified)
	h.backend.setWriteErr(unavailable(1))
	_, err := h.orch.IssueBatch(context.Background(), issueRequest())
	require.Error(t, err)

	h.backend.setWriteErr(nil)
	out, err := h.orch.Resume(context.Background(), "batch:B1768471200000-test")
	require.NoError(t, err)
	assert.Equal(t, StateIssued, out.State)
	assert.Equal(t, domain.InvoiceIssued, h.backend.status("INV-001"))
	assert.Equal(t, domain.InvoiceIssued, h.backend.status("INV-002"))
	assert.Len(t, h.submitter.submitted(), 1)
}

func TestResumeStillFailing(t *testing.T) {
	h := newHarness(t)
	h.backend.addBatch(pendingBatch())
	h.backend.setWriteErr(unavailable(1))
	_, err := h.orch.ConfirmBatch(context.Background(), ConfirmRequest{Caller: payer, BatchID: "B1"})
	require.Error(t, err)

	out, err := h.orch.Resume(context.Background(), "batch:B1")
	require.Error(t, err)
	assert.Equal(t, OutcomePartialFailure, out.Kind)
	assert.Equal(t, 6, h.backend.tokenCalls)

	rec, err := h.partials.Get(context.Background(), "batch:B1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Failures)
	assert.Equal(t, "2500.5", mustToken(t, rec.Payload).TokenValue)
	h.requireNoLocks(t)
}

func TestResumeRequiresMinedSuccess(t *testing.T) {
	h := newHarness(t)
	h.backend.addInvoice("INV-001", domain.InvoicePending)
	h.backend.setWriteErr(unavailable(1))
	_, err := h.orch.VerifyInvoice(context.Background(), VerifyRequest{Caller: payee, InvoiceNumber: "INV-001"})
	require.Error(t, err)

	h.waiter.state = ledger.StateSubmitted
	_, err = h.orch.Resume(context.Background(), "invoice:INV-001")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidState, errors.Kind(err))
	assert.Equal(t, int64(1), h.acquisitions())

	_, err = h.partials.Get(context.Background(), "invoice:INV-001")
	assert.NoError(t, err)
}

func TestResumeNothingRecorded(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Resume(context.Background(), "invoice:INV-404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.IsFlowError(err, errors.FlowErrNothingToResume))
	assert.Zero(t, h.waiter.lookups)
}

func TestPurchaseShares(t *testing.T) {
	h := newHarness(t)

	out, err := h.orch.PurchaseShares(context.Background(), PurchaseRequest{BatchID: "B1", Amount: "1.5", Native: true})
	require.NoError(t, err)
	assert.Equal(t, StatePurchased, out.State)

	calls := h.submitter.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.MethodPurchaseSharesNative, calls[0].Method)
	assert.Equal(t, big.NewInt(1_500_000_000_000_000_000), calls[0].Value)
	h.requireNoLocks(t)

	_, err = h.orch.PurchaseShares(context.Background(), PurchaseRequest{BatchID: "B1", Amount: "0.0000000000000000001"})
	assert.Equal(t, errors.KindValidation, errors.Kind(err))
}

func TestRegisterInvoices(t *testing.T) {
	h := newHarness(t)
	inv := domain.Invoice{
		InvoiceNumber: "INV-100",
		Payee:         payee,
		Payer:         payer,
		Currency:      "USD",
		Amount:        decimal.NewFromInt(1000),
		DueDate:       "2027-03-01",
	}

	out, err := h.orch.RegisterInvoices(context.Background(), RegisterRequest{Caller: payee, Invoices: []domain.Invoice{inv}})
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, out.State)
	assert.Equal(t, "invoice:INV-100", out.Entity)
	require.Len(t, h.submitter.submitted(), 1)
	assert.Equal(t, ledger.MethodBatchCreateInvoices, h.submitter.submitted()[0].Method)

	_, err = h.orch.RegisterInvoices(context.Background(), RegisterRequest{Caller: payer, Invoices: []domain.Invoice{inv}})
	assert.Equal(t, errors.KindValidation, errors.Kind(err))
	h.requireNoLocks(t)
}

func TestNewRequiresLedgerSettings(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.Kind(err))
}

func TestClockBatchIDs(t *testing.T) {
	src := ClockBatchIDs{
		Now:  func() time.Time { return time.UnixMilli(1768471200000) },
		Rand: bytes.NewReader(bytes.Repeat([]byte{0xAB}, 8)),
	}
	id, err := src.NextBatchID(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^B1768471200000-[1-9A-HJ-NP-Za-km-z]+$`), id)

	a, err := ClockBatchIDs{}.NextBatchID(context.Background())
	require.NoError(t, err)
	b, err := ClockBatchIDs{}.NextBatchID(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func mustToken(t *testing.T, payload json.RawMessage) domain.TokenRecord {
	t.Helper()
	var p confirmPayload
	require.NoError(t, json.Unmarshal(payload, &p))
	return p.Token
}
