// internal/domain/invoice.go
package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the backend index status of an invoice
type InvoiceStatus string

const (
	// InvoicePending invoices are registered but not yet verified by the payee
	InvoicePending InvoiceStatus = "PENDING"
	// InvoiceVerified invoices were verified on the ledger
	InvoiceVerified InvoiceStatus = "VERIFIED"
	// InvoiceIssued invoices belong to a token batch
	InvoiceIssued InvoiceStatus = "ISSUED"
	// InvoiceUnissued invoices were released from a batch
	InvoiceUnissued InvoiceStatus = "UNISSUED"
	// InvoiceCompleted invoices were settled
	InvoiceCompleted InvoiceStatus = "COMPLETED"
)

// Invoice is a trade invoice as recorded by the backend index
type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoice_number"`
	Payee         string          `json:"payee"`
	Payer         string          `json:"payer"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	DueDate       string          `json:"due_date"`
	ContractHash  string          `json:"contract_hash,omitempty"`
	DocumentHash  string          `json:"document_hash,omitempty"`
	Status        InvoiceStatus   `json:"status"`
	BatchID       *string         `json:"batch_id,omitempty"`
}

// IsPayee reports whether addr is the payee of the invoice.
func (i *Invoice) IsPayee(addr string) bool {
	return SameAddress(i.Payee, addr)
}

// IsPayer reports whether addr is the payer of the invoice.
func (i *Invoice) IsPayer(addr string) bool {
	return SameAddress(i.Payer, addr)
}

// SameAddress compares two hex addresses ignoring case and checksum.
// Malformed addresses never match.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
