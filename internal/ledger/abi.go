// internal/ledger/abi.go
package ledger

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract methods used by the flows.
const (
	MethodBatchCreateInvoices    = "batchCreateInvoices"
	MethodCreateTokenBatch       = "createTokenBatch"
	MethodConfirmTokenBatchIssue = "confirmTokenBatchIssue"
	MethodPurchaseShares         = "purchaseShares"
	MethodPurchaseSharesNative   = "purchaseSharesWithNative"
	MethodVerifyInvoice          = "verifyInvoice"
	MethodGetInvoice             = "getInvoice"
	MethodGetUserInvoices        = "getUserInvoices"
)

const invoiceTupleComponents = `[
	{"name":"invoiceNumber","type":"string"},
	{"name":"payee","type":"address"},
	{"name":"payer","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"currency","type":"string"},
	{"name":"dueDate","type":"uint256"},
	{"name":"contractHash","type":"string"},
	{"name":"documentHash","type":"string"}
]`

// ContractABI is the subset of the invoice tokenization contract this
// module calls.
const ContractABI = `[
{"type":"function","name":"batchCreateInvoices","stateMutability":"nonpayable",
 "inputs":[{"name":"invoices","type":"tuple[]","components":` + invoiceTupleComponents + `}],"outputs":[]},
{"type":"function","name":"createTokenBatch","stateMutability":"nonpayable",
 "inputs":[{"name":"batchId","type":"string"},{"name":"invoiceNumbers","type":"string[]"},
  {"name":"stableToken","type":"address"},{"name":"minTerm","type":"uint256"},
  {"name":"maxTerm","type":"uint256"},{"name":"interestRateBps","type":"uint256"}],"outputs":[]},
{"type":"function","name":"confirmTokenBatchIssue","stateMutability":"nonpayable",
 "inputs":[{"name":"batchId","type":"string"}],"outputs":[]},
{"type":"function","name":"purchaseShares","stateMutability":"nonpayable",
 "inputs":[{"name":"batchId","type":"string"},{"name":"amount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"purchaseSharesWithNative","stateMutability":"payable",
 "inputs":[{"name":"batchId","type":"string"}],"outputs":[]},
{"type":"function","name":"verifyInvoice","stateMutability":"nonpayable",
 "inputs":[{"name":"invoiceNumber","type":"string"}],"outputs":[]},
{"type":"function","name":"getInvoice","stateMutability":"view",
 "inputs":[{"name":"invoiceNumber","type":"string"},{"name":"checkValid","type":"bool"}],
 "outputs":[{"name":"","type":"tuple","components":[
  {"name":"invoiceNumber","type":"string"},
  {"name":"payee","type":"address"},
  {"name":"payer","type":"address"},
  {"name":"amount","type":"uint256"},
  {"name":"dueDate","type":"uint256"},
  {"name":"verified","type":"bool"},
  {"name":"batchId","type":"string"}]}]},
{"type":"function","name":"getUserInvoices","stateMutability":"view",
 "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"string[]"}]}
]`

// InvoiceInput is one element of a batchCreateInvoices call. Field names
// match the tuple components so the ABI encoder can map them.
type InvoiceInput struct {
	InvoiceNumber string
	Payee         common.Address
	Payer         common.Address
	Amount        *big.Int
	Currency      string
	DueDate       *big.Int
	ContractHash  string
	DocumentHash  string
}

// OnchainInvoice is the getInvoice view of an invoice. BatchId keeps the
// decoder's spelling of the tuple component.
type OnchainInvoice struct {
	InvoiceNumber string         `json:"invoice_number"`
	Payee         common.Address `json:"payee"`
	Payer         common.Address `json:"payer"`
	Amount        *big.Int       `json:"amount"`
	DueDate       *big.Int       `json:"due_date"`
	Verified      bool           `json:"verified"`
	BatchId       string         `json:"batch_id"`
}

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parseErr   error
)

// ParsedABI returns the parsed ContractABI.
func ParsedABI() (abi.ABI, error) {
	parsedOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(ContractABI))
	})
	return parsedABI, parseErr
}
