// internal/ledger/call.go
package ledger

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

// Term bounds in months for a token batch.
const (
	MinTermMonths = 1
	MaxTermMonths = 60
)

// Call is one contract invocation: target, method and argument tuple.
// Build it with the typed constructors, which validate before anything is
// signed.
type Call struct {
	Target common.Address
	Method string
	Args   []interface{}
	// Value is the native amount sent with the call, nil for none.
	Value *big.Int
}

func invalidArgs(format string, args ...interface{}) error {
	return errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments, format, args...)
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidArgs("%s %q is not a well-formed address", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, invalidArgs("%s must not be the zero address", field)
	}
	return addr, nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalidArgs("%s is required", field)
	}
	return nil
}

// ValidateTerms checks minTerm and maxTerm against the month bounds.
func ValidateTerms(minTerm, maxTerm int) error {
	if minTerm < MinTermMonths || minTerm > MaxTermMonths {
		return invalidArgs("minTerm %d outside %d-%d months", minTerm, MinTermMonths, MaxTermMonths)
	}
	if maxTerm < MinTermMonths || maxTerm > MaxTermMonths {
		return invalidArgs("maxTerm %d outside %d-%d months", maxTerm, MinTermMonths, MaxTermMonths)
	}
	if minTerm > maxTerm {
		return invalidArgs("minTerm %d is greater than maxTerm %d", minTerm, maxTerm)
	}
	return nil
}

// ParseDueDate accepts a date (2006-01-02) or an RFC3339 timestamp and
// returns unix seconds.
func ParseDueDate(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return big.NewInt(t.Unix()), nil
		}
	}
	return nil, invalidArgs("due date %q is not a date", s)
}

// BatchCreateInvoicesCall registers invoices on the ledger.
func BatchCreateInvoicesCall(contract common.Address, invoices []domain.Invoice) (*Call, error) {
	if len(invoices) == 0 {
		return nil, invalidArgs("at least one invoice is required")
	}
	seen := make(map[string]bool, len(invoices))
	inputs := make([]InvoiceInput, 0, len(invoices))
	for _, inv := range invoices {
		if err := requireID("invoice number", inv.InvoiceNumber); err != nil {
			return nil, err
		}
		if seen[inv.InvoiceNumber] {
			return nil, invalidArgs("invoice %s listed twice", inv.InvoiceNumber)
		}
		seen[inv.InvoiceNumber] = true

		payee, err := parseAddress("payee", inv.Payee)
		if err != nil {
			return nil, err
		}
		payer, err := parseAddress("payer", inv.Payer)
		if err != nil {
			return nil, err
		}
		amount, err := domain.FixedPoint(inv.Amount)
		if err != nil {
			return nil, err
		}
		if amount.Sign() == 0 {
			return nil, invalidArgs("invoice %s amount must be positive", inv.InvoiceNumber)
		}
		due, err := ParseDueDate(inv.DueDate)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, InvoiceInput{
			InvoiceNumber: inv.InvoiceNumber,
			Payee:         payee,
			Payer:         payer,
			Amount:        amount,
			Currency:      inv.Currency,
			DueDate:       due,
			ContractHash:  inv.ContractHash,
			DocumentHash:  inv.DocumentHash,
		})
	}
	return &Call{Target: contract, Method: MethodBatchCreateInvoices, Args: []interface{}{inputs}}, nil
}

// CreateTokenBatchCall creates a token batch over invoiceNumbers.
func CreateTokenBatchCall(contract common.Address, batchID string, invoiceNumbers []string, stableToken string, minTerm, maxTerm int, interestRateBps int64) (*Call, error) {
	if err := requireID("batch id", batchID); err != nil {
		return nil, err
	}
	if len(invoiceNumbers) == 0 {
		return nil, invalidArgs("at least one invoice is required")
	}
	seen := make(map[string]bool, len(invoiceNumbers))
	numbers := make([]string, len(invoiceNumbers))
	for i, n := range invoiceNumbers {
		if err := requireID("invoice number", n); err != nil {
			return nil, err
		}
		if seen[n] {
			return nil, invalidArgs("invoice %s listed twice", n)
		}
		seen[n] = true
		numbers[i] = n
	}
	token, err := parseAddress("stable token", stableToken)
	if err != nil {
		return nil, err
	}
	if err := ValidateTerms(minTerm, maxTerm); err != nil {
		return nil, err
	}
	if interestRateBps < 0 {
		return nil, invalidArgs("interest rate %d bps is negative", interestRateBps)
	}
	return &Call{
		Target: contract,
		Method: MethodCreateTokenBatch,
		Args: []interface{}{
			batchID,
			numbers,
			token,
			big.NewInt(int64(minTerm)),
			big.NewInt(int64(maxTerm)),
			big.NewInt(interestRateBps),
		},
	}, nil
}

// ConfirmTokenBatchIssueCall confirms a created batch as its payer.
func ConfirmTokenBatchIssueCall(contract common.Address, batchID string) (*Call, error) {
	if err := requireID("batch id", batchID); err != nil {
		return nil, err
	}
	return &Call{Target: contract, Method: MethodConfirmTokenBatchIssue, Args: []interface{}{batchID}}, nil
}

// PurchaseSharesCall buys batch shares with the stable settlement token.
func PurchaseSharesCall(contract common.Address, batchID string, amount *big.Int) (*Call, error) {
	if err := requireID("batch id", batchID); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, invalidArgs("purchase amount must be positive")
	}
	return &Call{Target: contract, Method: MethodPurchaseShares, Args: []interface{}{batchID, new(big.Int).Set(amount)}}, nil
}

// PurchaseSharesNativeCall buys batch shares paying amount in the native
// token as the call value.
func PurchaseSharesNativeCall(contract common.Address, batchID string, amount *big.Int) (*Call, error) {
	if err := requireID("batch id", batchID); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, invalidArgs("purchase amount must be positive")
	}
	return &Call{
		Target: contract,
		Method: MethodPurchaseSharesNative,
		Args:   []interface{}{batchID},
		Value:  new(big.Int).Set(amount),
	}, nil
}

// VerifyInvoiceCall marks an invoice verified by its payee.
func VerifyInvoiceCall(contract common.Address, invoiceNumber string) (*Call, error) {
	if err := requireID("invoice number", invoiceNumber); err != nil {
		return nil, err
	}
	return &Call{Target: contract, Method: MethodVerifyInvoice, Args: []interface{}{invoiceNumber}}, nil
}
