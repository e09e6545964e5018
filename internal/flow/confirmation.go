// internal/flow/confirmation.go
package flow

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

const dateLayout = "2006-01-02"

// ConfirmRequest confirms a created batch as its payer. Empty economics fall
// back to the batch, then to the configured defaults.
type ConfirmRequest struct {
	Caller          string `json:"caller"`
	BatchID         string `json:"batch_id"`
	InterestRateAPY string `json:"interest_rate_apy,omitempty"`
	MaturityDate    string `json:"maturity_date,omitempty"`
}

type confirmPayload struct {
	Token domain.TokenRecord `json:"token"`
}

// ConfirmBatch confirms a PENDING batch on the ledger and creates its token
// record in the backend.
func (o *Orchestrator) ConfirmBatch(ctx context.Context, req ConfirmRequest) (*Outcome, error) {
	batchID := strings.TrimSpace(req.BatchID)
	ctx, r := o.begin(ctx, FlowConfirmation, errors.OpConfirmFlow, lock.BatchKey(batchID))
	return o.finish(ctx, r, o.confirmBatch(ctx, r, batchID, req))
}

func (o *Orchestrator) confirmBatch(ctx context.Context, r *run, batchID string, req ConfirmRequest) error {
	const op = errors.OpConfirmFlow
	call, err := ledger.ConfirmTokenBatchIssueCall(o.contract, batchID)
	if err != nil {
		return asValidation(op, err)
	}
	if req.InterestRateAPY != "" {
		if _, err := domain.PercentToBps(req.InterestRateAPY); err != nil {
			return asValidation(op, err)
		}
	}
	if req.MaturityDate != "" {
		if _, err := time.Parse(dateLayout, req.MaturityDate); err != nil {
			return errors.Validationf(op, "maturity date %q is not a date", req.MaturityDate)
		}
	}
	caller, err := o.caller(op, req.Caller)
	if err != nil {
		return err
	}

	batch, err := o.loadBatch(ctx, op, batchID)
	if err != nil {
		return err
	}
	if !batch.IsPayer(caller) {
		return errors.Validationf(op, "caller %s is not the payer of batch %s", caller, batchID)
	}
	if batch.Status != domain.BatchPending {
		return errors.Validationf(op, "batch %s is %s, not %s", batchID, batch.Status, domain.BatchPending)
	}

	// Fails while issuance of the same batch still holds it.
	l, err := o.acquire(ctx, r, lock.BatchKey(batchID))
	if err != nil {
		return err
	}
	defer r.release(l)
	if err := o.refusePending(ctx, op, l.Keys()); err != nil {
		return err
	}

	batch, err = o.loadBatch(ctx, op, batchID)
	if err != nil {
		return err
	}
	if batch.Status != domain.BatchPending {
		return errors.InvalidStatef(op, "batch %s moved to %s", batchID, batch.Status)
	}
	token := o.tokenRecord(batch, req)

	ctx, handle, err := o.submit(ctx, r, call)
	if err != nil {
		return err
	}

	rec := &storage.PartialRecord{
		Kind:    storage.PartialConfirm,
		Entity:  lock.BatchKey(batchID),
		Keys:    l.Keys(),
		TxHash:  handle.Hash.Hex(),
		Payload: encodePayload(confirmPayload{Token: token}),
	}
	if err := o.reconcile(ctx, r, rec, o.confirmUpdate(token)); err != nil {
		return err
	}
	r.to(StateConfirmed)
	return nil
}

// tokenRecord builds the backend token record for batch. Value and supply
// are both the batch total.
func (o *Orchestrator) tokenRecord(batch *domain.Batch, req ConfirmRequest) domain.TokenRecord {
	rate := req.InterestRateAPY
	if rate == "" && batch.InterestRateBps > 0 {
		rate = decimal.New(batch.InterestRateBps, -2).String()
	}
	if rate == "" {
		rate = o.tokens.InterestRateAPY
	}

	maturity := req.MaturityDate
	if maturity == "" {
		months := batch.MaxTerm
		if months <= 0 {
			months = o.tokens.MaturityMonths
		}
		maturity = o.now().UTC().AddDate(0, months, 0).Format(dateLayout)
	}

	tokenID := batch.ID
	if batch.TokenBatchID != nil && *batch.TokenBatchID != "" {
		tokenID = *batch.TokenBatchID
	}

	total := batch.TotalAmount.String()
	return domain.TokenRecord{
		BatchID:           batch.ID,
		InterestRateAPY:   rate,
		MaturityDate:      maturity,
		TokenValue:        total,
		TotalTokenSupply:  total,
		BlockchainTokenID: tokenID,
	}
}

func (o *Orchestrator) confirmUpdate(token domain.TokenRecord) func(context.Context) error {
	return func(ctx context.Context) error {
		return o.backend.CreateToken(ctx, token)
	}
}

func (o *Orchestrator) loadBatch(ctx context.Context, op, batchID string) (*domain.Batch, error) {
	batch, err := o.backend.GetBatchDetail(ctx, batchID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, errors.Validationf(op, "batch %s does not exist", batchID)
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}
