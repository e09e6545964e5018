// internal/domain/batch.go
package domain

import (
	"github.com/shopspring/decimal"
)

// BatchStatus is the backend index status of an invoice batch
type BatchStatus string

const (
	// BatchPending batches exist on the ledger but are not confirmed by the payer
	BatchPending BatchStatus = "PENDING"
	// BatchVerified batches were confirmed by the payer
	BatchVerified BatchStatus = "VERIFIED"
	// BatchIssued batches have a token record
	BatchIssued BatchStatus = "ISSUED"
)

// Batch is a fixed group of verified invoices packaged for tokenization.
// InvoiceNumbers never changes once the batch exists.
type Batch struct {
	ID              string          `json:"id"`
	Payer           string          `json:"payer"`
	Payee           string          `json:"payee"`
	Status          BatchStatus     `json:"status"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	InvoiceCount    int             `json:"invoice_count"`
	InvoiceNumbers  []string        `json:"invoice_numbers"`
	TokenBatchID    *string         `json:"token_batch_id,omitempty"`
	InterestRateBps int64           `json:"interest_rate_bps,omitempty"`
	MaxTerm         int             `json:"max_term,omitempty"`
}

// Members returns a copy of the member invoice numbers in batch order.
func (b *Batch) Members() []string {
	out := make([]string, len(b.InvoiceNumbers))
	copy(out, b.InvoiceNumbers)
	return out
}

// IsPayer reports whether addr is the payer of the batch.
func (b *Batch) IsPayer(addr string) bool {
	return SameAddress(b.Payer, addr)
}

// BatchSummary is one row of the backend batch listing.
type BatchSummary struct {
	ID           string          `json:"id"`
	Payer        string          `json:"payer"`
	Payee        string          `json:"payee"`
	Status       BatchStatus     `json:"status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	InvoiceCount int             `json:"invoice_count"`
}

// TokenRecord is the body of a backend token creation. Amounts are decimal
// strings as the backend stores them.
type TokenRecord struct {
	BatchID           string `json:"batch_id"`
	InterestRateAPY   string `json:"interest_rate_apy"`
	MaturityDate      string `json:"maturity_date"`
	TokenValue        string `json:"token_value"`
	TotalTokenSupply  string `json:"total_token_supply"`
	BlockchainTokenID string `json:"blockchain_token_id"`
}
