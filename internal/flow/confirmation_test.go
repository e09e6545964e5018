package flow

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

func pendingBatch() *domain.Batch {
	return &domain.Batch{
		ID:              "B1",
		Payer:           payer,
		Payee:           payee,
		Status:          domain.BatchPending,
		TotalAmount:     decimal.RequireFromString("2500.50"),
		InvoiceCount:    2,
		InvoiceNumbers:  []string{"INV-001", "INV-002"},
		InterestRateBps: 525,
		MaxTerm:         12,
	}
}

func TestConfirmBatchCreatesToken(t *testing.T) {
	h := newHarness(t)
	h.backend.addBatch(pendingBatch())

	out, err := h.orch.ConfirmBatch(context.Background(), ConfirmRequest{Caller: payer, BatchID: "B1"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, "batch:B1", out.Entity)

	calls := h.submitter.submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, ledger.MethodConfirmTokenBatchIssue, calls[0].Method)

	require.Len(t, h.backend.tokens, 1)
	assert.Equal(t, domain.TokenRecord{
		BatchID:           "B1",
		InterestRateAPY:   "5.25",
		MaturityDate:      "2027-01-15",
		TokenValue:        "2500.5",
		TotalTokenSupply:  "2500.5",
		BlockchainTokenID: "B1",
	}, h.backend.tokens[0])
	h.requireNoLocks(t)
}

func TestConfirmBatchEconomics(t *testing.T) {
	tokenID := "7"
	cases := []struct {
		name     string
		req      ConfirmRequest
		mutate   func(*domain.Batch)
		rate     string
		maturity string
		tokenID  string
	}{
		{
			name:     "request wins",
			req:      ConfirmRequest{InterestRateAPY: "6.1", MaturityDate: "2026-12-31"},
			rate:     "6.1",
			maturity: "2026-12-31",
			tokenID:  "B1",
		},
		{
			name:     "configured defaults",
			mutate:   func(b *domain.Batch) { b.InterestRateBps, b.MaxTerm = 0, 0 },
			rate:     "5",
			maturity: "2027-01-15",
			tokenID:  "B1",
		},
		{
			name:     "ledger token id",
			mutate:   func(b *domain.Batch) { b.TokenBatchID = &tokenID; b.MaxTerm = 6 },
			rate:     "5.25",
			maturity: "2026-07-15",
			tokenID:  "7",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			b := pendingBatch()
			if tc.mutate != nil {
				tc.mutate(b)
			}
			h.backend.addBatch(b)
			req := tc.req
			req.Caller, req.BatchID = payer, "B1"

			_, err := h.orch.ConfirmBatch(context.Background(), req)
			require.NoError(t, err)
			require.Len(t, h.backend.tokens, 1)
			tok := h.backend.tokens[0]
			assert.Equal(t, tc.rate, tok.InterestRateAPY)
			assert.Equal(t, tc.maturity, tok.MaturityDate)
			assert.Equal(t, tc.tokenID, tok.BlockchainTokenID)
		})
	}
}

func TestConfirmBatchPreconditions(t *testing.T) {
	cases := []struct {
		name string
		req  ConfirmRequest
		b    func(*domain.Batch)
	}{
		{"caller not payer", ConfirmRequest{Caller: payee, BatchID: "B1"}, nil},
		{"already confirmed", ConfirmRequest{Caller: payer, BatchID: "B1"}, func(b *domain.Batch) { b.Status = domain.BatchVerified }},
		{"unknown batch", ConfirmRequest{Caller: payer, BatchID: "B404"}, nil},
		{"bad maturity", ConfirmRequest{Caller: payer, BatchID: "B1", MaturityDate: "next year"}, nil},
		{"bad rate", ConfirmRequest{Caller: payer, BatchID: "B1", InterestRateAPY: "-2"}, nil},
		{"rate too large", ConfirmRequest{Caller: payer, BatchID: "B1", InterestRateAPY: "1e17"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			b := pendingBatch()
			if tc.b != nil {
				tc.b(b)
			}
			h.backend.addBatch(b)

			_, err := h.orch.ConfirmBatch(context.Background(), tc.req)
			assert.Equal(t, errors.KindValidation, errors.Kind(err), "%v", err)
			assert.Zero(t, h.acquisitions())
			assert.Empty(t, h.submitter.submitted())
		})
	}
}

func TestConfirmBatchWaitsForIssuance(t *testing.T) {
	h := newHarness(t)
	h.backend.addBatch(pendingBatch())
	issuing, err := h.locks.TryAcquire(context.Background(), lock.BatchKey("B1"), lock.InvoiceKey("INV-001"))
	require.NoError(t, err)

	_, err = h.orch.ConfirmBatch(context.Background(), ConfirmRequest{Caller: payer, BatchID: "B1"})
	assert.True(t, errors.Is(err, errors.ErrAlreadyLocked))
	assert.Empty(t, h.submitter.submitted())

	issuing.Release()
	_, err = h.orch.ConfirmBatch(context.Background(), ConfirmRequest{Caller: payer, BatchID: "B1"})
	require.NoError(t, err)
	h.requireNoLocks(t)
}
