// internal/flow/purchase.go
package flow

import (
	"context"
	"strings"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

// PurchaseRequest buys shares of a tokenized batch.
type PurchaseRequest struct {
	Caller  string `json:"caller"`
	BatchID string `json:"batch_id"`
	// Amount is a decimal token amount, converted to 18-decimal fixed point.
	Amount string `json:"amount"`
	// Native pays with the network's native token instead of the stable token.
	Native bool `json:"native"`
}

// PurchaseShares submits a share purchase and waits for it. Only one
// purchase per buyer and batch runs at a time.
func (o *Orchestrator) PurchaseShares(ctx context.Context, req PurchaseRequest) (*Outcome, error) {
	batchID := strings.TrimSpace(req.BatchID)
	ctx, r := o.begin(ctx, FlowPurchase, errors.OpPurchaseFlow, lock.BatchKey(batchID))
	return o.finish(ctx, r, o.purchaseShares(ctx, r, batchID, req))
}

func (o *Orchestrator) purchaseShares(ctx context.Context, r *run, batchID string, req PurchaseRequest) error {
	const op = errors.OpPurchaseFlow
	amount, err := domain.ToFixedPoint(req.Amount)
	if err != nil {
		return asValidation(op, err)
	}

	var call *ledger.Call
	if req.Native {
		call, err = ledger.PurchaseSharesNativeCall(o.contract, batchID, amount)
	} else {
		call, err = ledger.PurchaseSharesCall(o.contract, batchID, amount)
	}
	if err != nil {
		return asValidation(op, err)
	}
	caller, err := o.caller(op, req.Caller)
	if err != nil {
		return err
	}

	l, err := o.acquire(ctx, r, lock.PurchaseKey(batchID, caller))
	if err != nil {
		return err
	}
	defer r.release(l)

	if _, _, err := o.submit(ctx, r, call); err != nil {
		return err
	}
	r.to(StatePurchased)
	return nil
}
