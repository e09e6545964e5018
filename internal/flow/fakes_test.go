package flow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/internal/reconcile"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

const (
	contractHex = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	payee       = "0x1111111111111111111111111111111111111111"
	payer       = "0x2222222222222222222222222222222222222222"
	stableToken = "0x3333333333333333333333333333333333333333"
	operator    = "0x4444444444444444444444444444444444444444"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []*ledger.Call
	err   error
	n     int

	// entered is signalled and proceed awaited inside Submit when set.
	entered chan struct{}
	proceed chan struct{}
	// onBroadcast runs after the handle is created.
	onBroadcast func()
}

func (s *fakeSubmitter) Submit(ctx context.Context, call *ledger.Call) (*ledger.TransactionHandle, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.proceed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.n++
	n := s.n
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	h := &ledger.TransactionHandle{
		Hash:        common.BigToHash(big.NewInt(int64(n))),
		Method:      call.Method,
		State:       ledger.StateSubmitted,
		SubmittedAt: time.Now(),
	}
	if s.onBroadcast != nil {
		s.onBroadcast()
	}
	return h, nil
}

func (s *fakeSubmitter) From() common.Address { return common.HexToAddress(operator) }

func (s *fakeSubmitter) submitted() []*ledger.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ledger.Call(nil), s.calls...)
}

type fakeWaiter struct {
	mu        sync.Mutex
	err       error
	awaitCtxs []error
	lookups   int
	state     ledger.TxState
}

func (w *fakeWaiter) Await(ctx context.Context, h *ledger.TransactionHandle) (*types.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.awaitCtxs = append(w.awaitCtxs, ctx.Err())
	if w.err != nil {
		if errors.Is(w.err, errors.ErrChainReverted) {
			h.State = ledger.StateMinedFailure
		}
		return nil, w.err
	}
	h.State = ledger.StateMinedSuccess
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h.Hash}, nil
}

func (w *fakeWaiter) Lookup(ctx context.Context, hash common.Hash) (ledger.TxState, *types.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lookups++
	if w.state == "" {
		return ledger.StateMinedSuccess, &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
	}
	return w.state, nil, nil
}

// fakeBackend is an in-memory backend index.
type fakeBackend struct {
	mu       sync.Mutex
	invoices map[string]*domain.Invoice
	batches  map[string]*domain.Batch
	tokens   []domain.TokenRecord

	writeErr    error
	verifyCalls int
	issueCalls  [][]string
	tokenCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		invoices: make(map[string]*domain.Invoice),
		batches:  make(map[string]*domain.Batch),
	}
}

func (b *fakeBackend) addInvoice(number string, status domain.InvoiceStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoices[number] = &domain.Invoice{
		ID:            "id-" + number,
		InvoiceNumber: number,
		Payee:         payee,
		Payer:         payer,
		Amount:        decimal.NewFromInt(1000),
		Currency:      "USD",
		DueDate:       "2027-06-30",
		Status:        status,
	}
}

func (b *fakeBackend) addBatch(batch *domain.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches[batch.ID] = batch
}

func (b *fakeBackend) status(number string) domain.InvoiceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invoices[number].Status
}

func (b *fakeBackend) setWriteErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

func (b *fakeBackend) GetInvoiceDetail(ctx context.Context, number string) (*domain.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[number]
	if !ok {
		return nil, errors.NewBackendError(errors.OpGetInvoiceDetail, errors.BackendErrNotFound, number, nil)
	}
	c := *inv
	return &c, nil
}

func (b *fakeBackend) GetBatchDetail(ctx context.Context, id string) (*domain.Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[id]
	if !ok {
		return nil, errors.NewBackendError(errors.OpGetBatchDetail, errors.BackendErrNotFound, id, nil)
	}
	c := *batch
	return &c, nil
}

func (b *fakeBackend) VerifyInvoice(ctx context.Context, invoiceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.verifyCalls++
	if b.writeErr != nil {
		return b.writeErr
	}
	for _, inv := range b.invoices {
		if inv.ID == invoiceID {
			inv.Status = domain.InvoiceVerified
			return nil
		}
	}
	return errors.BackendRejectedf(errors.OpVerifyInvoice, 404, "unknown invoice "+invoiceID)
}

func (b *fakeBackend) IssueInvoices(ctx context.Context, ids []string, batchID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.issueCalls = append(b.issueCalls, append([]string(nil), ids...))
	if b.writeErr != nil {
		return b.writeErr
	}
	for _, inv := range b.invoices {
		for _, id := range ids {
			if inv.ID == id {
				inv.Status = domain.InvoiceIssued
				inv.BatchID = &batchID
			}
		}
	}
	return nil
}

func (b *fakeBackend) CreateToken(ctx context.Context, rec domain.TokenRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenCalls++
	if b.writeErr != nil {
		return b.writeErr
	}
	b.tokens = append(b.tokens, rec)
	if batch, ok := b.batches[rec.BatchID]; ok {
		batch.Status = domain.BatchIssued
	}
	return nil
}

type capturePublisher struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (p *capturePublisher) Publish(ctx context.Context, o *Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := *o
	p.outcomes = append(p.outcomes, &c)
	return nil
}

// lockCounter counts acquisitions and the keys currently held.
type lockCounter struct {
	acquired int64
	held     int64
}

func (c *lockCounter) AddLocksHeld(delta int) {
	if delta > 0 {
		atomic.AddInt64(&c.acquired, 1)
	}
	atomic.AddInt64(&c.held, int64(delta))
}

type fixedIDs string

func (f fixedIDs) NextBatchID(context.Context) (string, error) { return string(f), nil }

type harness struct {
	orch      *Orchestrator
	submitter *fakeSubmitter
	waiter    *fakeWaiter
	backend   *fakeBackend
	locks     *lock.MemoryRegistry
	counter   *lockCounter
	partials  *storage.MemoryPartialStore
	published *capturePublisher
}

var testNow = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		submitter: &fakeSubmitter{},
		waiter:    &fakeWaiter{},
		backend:   newFakeBackend(),
		counter:   &lockCounter{},
		partials:  storage.NewMemoryPartialStore(),
		published: &capturePublisher{},
	}
	h.locks = lock.NewMemoryRegistry(h.counter)

	orch, err := New(Deps{
		Contract:   common.HexToAddress(contractHex),
		Submitter:  h.submitter,
		Waiter:     h.waiter,
		Backend:    h.backend,
		Locks:      h.locks,
		Reconciler: reconcile.New(reconcile.Policy{MaxAttempts: 3, Delay: time.Millisecond}, nil, nil),
		Partials:   h.partials,
		Publisher:  h.published,
		BatchIDs:   fixedIDs("B1768471200000-test"),
		Tokens:     TokenDefaults{InterestRateAPY: "5", MaturityMonths: 12},
		Now:        func() time.Time { return testNow },
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

// requireNoLocks asserts every lock taken was given back.
func (h *harness) requireNoLocks(t *testing.T) {
	t.Helper()
	held, err := h.locks.Held(context.Background())
	require.NoError(t, err)
	require.Empty(t, held, "locks leaked")
	require.Zero(t, atomic.LoadInt64(&h.counter.held))
}

func (h *harness) acquisitions() int64 {
	return atomic.LoadInt64(&h.counter.acquired)
}

func unavailable(n int) error {
	return errors.NewBackendError(errors.OpVerifyInvoice, errors.BackendErrUnavailable, fmt.Sprintf("attempt %d", n), nil)
}
