// Package tokenization provides the interface the outer surfaces use to run
// invoice and batch flows.
package tokenization

import (
	"context"

	"github.com/cmatc13/invoicechain/internal/flow"
	"github.com/cmatc13/invoicechain/internal/storage"
)

// Orchestrator runs tokenization flows.
// This interface is used by components that need to start flows without
// depending on how they are wired.
type Orchestrator interface {
	// VerifyInvoice moves a PENDING invoice to VERIFIED.
	VerifyInvoice(ctx context.Context, req flow.VerifyRequest) (*flow.Outcome, error)
	// IssueBatch packages VERIFIED invoices into a new token batch.
	IssueBatch(ctx context.Context, req flow.IssueRequest) (*flow.Outcome, error)
	// ConfirmBatch confirms a batch as its payer and creates its token record.
	ConfirmBatch(ctx context.Context, req flow.ConfirmRequest) (*flow.Outcome, error)
	// RegisterInvoices registers invoices on the ledger.
	RegisterInvoices(ctx context.Context, req flow.RegisterRequest) (*flow.Outcome, error)
	// PurchaseShares buys shares of a tokenized batch.
	PurchaseShares(ctx context.Context, req flow.PurchaseRequest) (*flow.Outcome, error)
	// Resume finishes the reconciliation of a recorded partial failure.
	Resume(ctx context.Context, entity string) (*flow.Outcome, error)
	// PendingPartials lists recorded partial failures.
	PendingPartials(ctx context.Context) ([]*storage.PartialRecord, error)
}

var _ Orchestrator = (*flow.Orchestrator)(nil)
