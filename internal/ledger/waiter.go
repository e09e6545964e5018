// internal/ledger/waiter.go
package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

// ReceiptReader fetches transaction receipts. It returns ethereum.NotFound
// while a transaction is pending or unknown.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Waiter observes broadcast calls until they are mined.
type Waiter struct {
	client ReceiptReader
	// Timeout bounds Await. Zero means no bound beyond the caller's context.
	Timeout time.Duration
	// PollInterval is the receipt polling period.
	PollInterval time.Duration

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewWaiter creates a waiter. metrics may be nil.
func NewWaiter(client ReceiptReader, timeout, pollInterval time.Duration, logger *logging.Logger, m *metrics.Metrics) *Waiter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Waiter{
		client:       client,
		Timeout:      timeout,
		PollInterval: pollInterval,
		logger:       logger,
		metrics:      m,
	}
}

// Await polls until handle is mined. A successful receipt moves the handle to
// MINED_SUCCESS. A reverted one moves it to MINED_FAILURE and returns
// ErrChainReverted. When the timeout elapses first the handle stays SUBMITTED
// and ErrChainTimeout is returned: the outcome is unknown, not failed.
func (w *Waiter) Await(ctx context.Context, handle *TransactionHandle) (*types.Receipt, error) {
	started := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.RecordConfirmWait(handle.Method, time.Since(started))
		}
	}()

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	log := w.logger.WithContext(ctx).WithField("tx_hash", handle.Hash.Hex())

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, handle.Hash)
		switch {
		case err == nil:
			return w.settle(handle, receipt)
		case errors.Is(err, ethereum.NotFound):
			log.Debug("Receipt not yet available", "method", handle.Method)
		case ctx.Err() == nil:
			// Transient RPC failure; the transaction may still be mined.
			log.Warn("Receipt poll failed", "method", handle.Method, "error", err)
		}

		select {
		case <-ctx.Done():
			log.Warn("Confirmation not observed", "method", handle.Method, "waited", time.Since(started).String())
			return nil, errors.NewLedgerError(errors.OpAwait, errors.LedgerErrTimeout,
				handle.Method+" "+handle.Hash.Hex()+" not mined in time, check later",
				errors.Join(errors.ErrChainTimeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (w *Waiter) settle(handle *TransactionHandle, receipt *types.Receipt) (*types.Receipt, error) {
	if receipt.BlockNumber != nil {
		handle.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		handle.State = StateMinedSuccess
		w.record(handle)
		return receipt, nil
	}
	handle.State = StateMinedFailure
	w.record(handle)
	return receipt, errors.LedgerErrorf(errors.OpAwait, errors.LedgerErrReverted,
		"%s %s reverted in block %d", handle.Method, handle.Hash.Hex(), handle.BlockNumber)
}

func (w *Waiter) record(handle *TransactionHandle) {
	if w.metrics != nil {
		w.metrics.RecordLedgerTx(handle.Method, string(handle.State))
	}
}

// Lookup answers once, without waiting, what the ledger knows about hash.
// A pending or unknown transaction reports StateSubmitted.
func (w *Waiter) Lookup(ctx context.Context, hash common.Hash) (TxState, *types.Receipt, error) {
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return StateSubmitted, nil, nil
	}
	if err != nil {
		return "", nil, errors.LedgerWrap(err, errors.OpLookup, "fetch receipt "+hash.Hex())
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return StateMinedSuccess, receipt, nil
	}
	return StateMinedFailure, receipt, nil
}
