// internal/flow/registration.go
package flow

import (
	"context"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

// RegisterRequest registers invoices on the ledger as their payee.
type RegisterRequest struct {
	Caller   string           `json:"caller"`
	Invoices []domain.Invoice `json:"invoices"`
}

// RegisterInvoices submits batchCreateInvoices and waits for it. The backend
// record of an invoice is created by the creditor, so nothing is reconciled.
func (o *Orchestrator) RegisterInvoices(ctx context.Context, req RegisterRequest) (*Outcome, error) {
	entity := ""
	if len(req.Invoices) == 1 {
		entity = lock.InvoiceKey(req.Invoices[0].InvoiceNumber)
	}
	ctx, r := o.begin(ctx, FlowRegistration, errors.OpRegisterFlow, entity)
	return o.finish(ctx, r, o.registerInvoices(ctx, r, req))
}

func (o *Orchestrator) registerInvoices(ctx context.Context, r *run, req RegisterRequest) error {
	const op = errors.OpRegisterFlow
	call, err := ledger.BatchCreateInvoicesCall(o.contract, req.Invoices)
	if err != nil {
		return asValidation(op, err)
	}
	caller, err := o.caller(op, req.Caller)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(req.Invoices))
	for i := range req.Invoices {
		inv := &req.Invoices[i]
		if !inv.IsPayee(caller) {
			return errors.Validationf(op, "caller %s is not the payee of invoice %s", caller, inv.InvoiceNumber)
		}
		keys = append(keys, lock.InvoiceKey(inv.InvoiceNumber))
	}

	l, err := o.acquire(ctx, r, keys...)
	if err != nil {
		return err
	}
	defer r.release(l)

	if _, _, err := o.submit(ctx, r, call); err != nil {
		return err
	}
	r.to(StateRegistered)
	return nil
}
