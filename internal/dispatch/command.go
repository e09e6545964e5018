// Package dispatch runs flow commands received from Kafka.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cmatc13/invoicechain/internal/flow"
	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/tokenization"
)

// Command types accepted on the request topic.
const (
	CommandVerifyInvoice    = "verify_invoice"
	CommandIssueBatch       = "issue_batch"
	CommandConfirmBatch     = "confirm_batch"
	CommandRegisterInvoices = "register_invoices"
	CommandPurchaseShares   = "purchase_shares"
	CommandResume           = "resume"
)

// Command is one message of the request topic.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type resumePayload struct {
	Entity string `json:"entity"`
}

// Handler decodes commands and runs them through an orchestrator.
type Handler struct {
	orch tokenization.Orchestrator
}

// NewHandler creates a handler.
func NewHandler(orch tokenization.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Handle runs the command encoded in value. The outcome is nil only when
// the command could not be decoded.
func (h *Handler) Handle(ctx context.Context, value []byte) (*flow.Outcome, error) {
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		return nil, errors.Validationf(errors.OpValidateRequest, "malformed command: %v", err)
	}

	switch cmd.Type {
	case CommandVerifyInvoice:
		var req flow.VerifyRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return h.orch.VerifyInvoice(ctx, req)
	case CommandIssueBatch:
		var req flow.IssueRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return h.orch.IssueBatch(ctx, req)
	case CommandConfirmBatch:
		var req flow.ConfirmRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return h.orch.ConfirmBatch(ctx, req)
	case CommandRegisterInvoices:
		var req flow.RegisterRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return h.orch.RegisterInvoices(ctx, req)
	case CommandPurchaseShares:
		var req flow.PurchaseRequest
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return h.orch.PurchaseShares(ctx, req)
	case CommandResume:
		var req resumePayload
		if err := decode(cmd, &req); err != nil {
			return nil, err
		}
		return h.orch.Resume(ctx, req.Entity)
	default:
		return nil, errors.Validationf(errors.OpValidateRequest, "unknown command type %q", cmd.Type)
	}
}

func decode(cmd Command, out interface{}) error {
	if len(cmd.Payload) == 0 {
		return errors.Validationf(errors.OpValidateRequest, "%s command has no payload", cmd.Type)
	}
	if err := json.Unmarshal(cmd.Payload, out); err != nil {
		return errors.Validationf(errors.OpValidateRequest, "malformed %s payload: %v", cmd.Type, err)
	}
	return nil
}
