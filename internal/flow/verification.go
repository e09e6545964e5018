// internal/flow/verification.go
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

// VerifyRequest asks for one invoice to be verified by its payee.
type VerifyRequest struct {
	Caller        string `json:"caller"`
	InvoiceNumber string `json:"invoice_number"`
}

type verifyPayload struct {
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
}

// VerifyInvoice moves an invoice from PENDING to VERIFIED: one ledger call
// followed by one backend update.
func (o *Orchestrator) VerifyInvoice(ctx context.Context, req VerifyRequest) (*Outcome, error) {
	number := strings.TrimSpace(req.InvoiceNumber)
	ctx, r := o.begin(ctx, FlowVerification, errors.OpVerifyFlow, lock.InvoiceKey(number))
	return o.finish(ctx, r, o.verifyInvoice(ctx, r, number, req.Caller))
}

func (o *Orchestrator) verifyInvoice(ctx context.Context, r *run, number, caller string) error {
	const op = errors.OpVerifyFlow
	if number == "" {
		return errors.Validationf(op, "invoice number is required")
	}
	caller, err := o.caller(op, caller)
	if err != nil {
		return err
	}
	call, err := ledger.VerifyInvoiceCall(o.contract, number)
	if err != nil {
		return asValidation(op, err)
	}

	inv, err := o.loadInvoice(ctx, op, number)
	if err != nil {
		return err
	}
	if !inv.IsPayee(caller) {
		return errors.Validationf(op, "caller %s is not the payee of invoice %s", caller, number)
	}
	if inv.Status != domain.InvoicePending {
		return errors.Validationf(op, "invoice %s is %s, not %s", number, inv.Status, domain.InvoicePending)
	}

	l, err := o.acquire(ctx, r, lock.InvoiceKey(number))
	if err != nil {
		return err
	}
	defer r.release(l)
	if err := o.refusePending(ctx, op, l.Keys()); err != nil {
		return err
	}

	// Another flow may have finished between the first read and the lock.
	inv, err = o.loadInvoice(ctx, op, number)
	if err != nil {
		return err
	}
	if inv.Status != domain.InvoicePending {
		return errors.InvalidStatef(op, "invoice %s moved to %s", number, inv.Status)
	}

	ctx, handle, err := o.submit(ctx, r, call)
	if err != nil {
		return err
	}

	rec := &storage.PartialRecord{
		Kind:    storage.PartialVerify,
		Entity:  lock.InvoiceKey(number),
		Keys:    l.Keys(),
		TxHash:  handle.Hash.Hex(),
		Payload: encodePayload(verifyPayload{InvoiceID: inv.ID, InvoiceNumber: number}),
	}
	if err := o.reconcile(ctx, r, rec, o.verifyUpdate(inv.ID)); err != nil {
		return err
	}
	r.to(StateVerified)
	return nil
}

func (o *Orchestrator) verifyUpdate(invoiceID string) func(context.Context) error {
	return func(ctx context.Context) error {
		return o.backend.VerifyInvoice(ctx, invoiceID)
	}
}

// loadInvoice reads an invoice, reporting a missing one as a bad request.
func (o *Orchestrator) loadInvoice(ctx context.Context, op, number string) (*domain.Invoice, error) {
	inv, err := o.backend.GetInvoiceDetail(ctx, number)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, errors.Validationf(op, "invoice %s does not exist", number)
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}
