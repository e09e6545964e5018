// internal/flow/issuance.go
package flow

import (
	"context"
	"strings"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

// IssueRequest packages verified invoices into a new token batch.
type IssueRequest struct {
	Caller         string   `json:"caller"`
	InvoiceNumbers []string `json:"invoice_numbers"`
	StableToken    string   `json:"stable_token"`
	MinTerm        int      `json:"min_term"`
	MaxTerm        int      `json:"max_term"`
	// InterestRate is a percentage, e.g. "5.25".
	InterestRate string `json:"interest_rate"`
}

type issuePayload struct {
	BatchID    string   `json:"batch_id"`
	InvoiceIDs []string `json:"invoice_ids"`
}

// IssueBatch creates a token batch over the requested invoices and marks
// them ISSUED in the backend with a single update.
func (o *Orchestrator) IssueBatch(ctx context.Context, req IssueRequest) (*Outcome, error) {
	ctx, r := o.begin(ctx, FlowIssuance, errors.OpIssueFlow, "")
	return o.finish(ctx, r, o.issueBatch(ctx, r, req))
}

func (o *Orchestrator) issueBatch(ctx context.Context, r *run, req IssueRequest) error {
	const op = errors.OpIssueFlow
	numbers := make([]string, 0, len(req.InvoiceNumbers))
	for _, n := range req.InvoiceNumbers {
		numbers = append(numbers, strings.TrimSpace(n))
	}
	if len(numbers) == 0 {
		return errors.Validationf(op, "at least one invoice is required")
	}
	if err := ledger.ValidateTerms(req.MinTerm, req.MaxTerm); err != nil {
		return asValidation(op, err)
	}
	bps, err := domain.PercentToBps(req.InterestRate)
	if err != nil {
		return asValidation(op, err)
	}
	caller, err := o.caller(op, req.Caller)
	if err != nil {
		return err
	}

	batchID, err := o.batchIDs.NextBatchID(ctx)
	if err != nil {
		return err
	}
	r.outcome.Entity = lock.BatchKey(batchID)
	r.log = r.log.WithField("entity", r.outcome.Entity)

	call, err := ledger.CreateTokenBatchCall(o.contract, batchID, numbers, req.StableToken, req.MinTerm, req.MaxTerm, bps)
	if err != nil {
		return asValidation(op, err)
	}

	var payer string
	for _, n := range numbers {
		inv, err := o.loadInvoice(ctx, op, n)
		if err != nil {
			return err
		}
		if !inv.IsPayee(caller) {
			return errors.Validationf(op, "caller %s is not the payee of invoice %s", caller, n)
		}
		if inv.Status != domain.InvoiceVerified {
			return errors.Validationf(op, "invoice %s is %s, not %s", n, inv.Status, domain.InvoiceVerified)
		}
		if payer == "" {
			payer = inv.Payer
		} else if !domain.SameAddress(payer, inv.Payer) {
			return errors.Validationf(op, "invoice %s has a different payer than the rest of the batch", n)
		}
	}

	keys := make([]string, 0, len(numbers)+1)
	keys = append(keys, lock.BatchKey(batchID))
	for _, n := range numbers {
		keys = append(keys, lock.InvoiceKey(n))
	}
	l, err := o.acquire(ctx, r, keys...)
	if err != nil {
		return err
	}
	defer r.release(l)
	if err := o.refusePending(ctx, op, l.Keys()); err != nil {
		return err
	}

	ids := make([]string, 0, len(numbers))
	for _, n := range numbers {
		inv, err := o.loadInvoice(ctx, op, n)
		if err != nil {
			return err
		}
		if inv.Status != domain.InvoiceVerified {
			return errors.InvalidStatef(op, "invoice %s moved to %s", n, inv.Status)
		}
		ids = append(ids, inv.ID)
	}

	ctx, handle, err := o.submit(ctx, r, call)
	if err != nil {
		return err
	}

	rec := &storage.PartialRecord{
		Kind:    storage.PartialIssue,
		Entity:  lock.BatchKey(batchID),
		Keys:    l.Keys(),
		TxHash:  handle.Hash.Hex(),
		Payload: encodePayload(issuePayload{BatchID: batchID, InvoiceIDs: ids}),
	}
	if err := o.reconcile(ctx, r, rec, o.issueUpdate(ids, batchID)); err != nil {
		return err
	}
	r.to(StateIssued)
	return nil
}

// issueUpdate marks every member invoice ISSUED in one backend request so
// the batch is never half issued.
func (o *Orchestrator) issueUpdate(invoiceIDs []string, batchID string) func(context.Context) error {
	return func(ctx context.Context) error {
		return o.backend.IssueInvoices(ctx, invoiceIDs, batchID)
	}
}
