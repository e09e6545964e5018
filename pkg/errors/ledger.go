// pkg/errors/ledger.go
package errors

import "fmt"

// Ledger error codes
const (
	// LedgerErrUserRejected indicates the signing agent declined the call
	LedgerErrUserRejected = "LEDGER_USER_REJECTED"
	// LedgerErrInvalidArguments indicates a call failed validation before signing
	LedgerErrInvalidArguments = "LEDGER_INVALID_ARGUMENTS"
	// LedgerErrReverted indicates the call was mined with a failure status
	LedgerErrReverted = "LEDGER_REVERTED"
	// LedgerErrTimeout indicates no terminal state was observed within the bound
	LedgerErrTimeout = "LEDGER_TIMEOUT"
	// LedgerErrRPC indicates the settlement-network endpoint failed
	LedgerErrRPC = "LEDGER_RPC"
	// LedgerErrEncoding indicates ABI packing or unpacking failed
	LedgerErrEncoding = "LEDGER_ENCODING"
)

// Ledger domain name
const LedgerDomain = "ledger"

// Ledger operations
const (
	OpBuildCall   = "BuildCall"
	OpSubmit      = "Submit"
	OpSign        = "Sign"
	OpBroadcast   = "Broadcast"
	OpAwait       = "Await"
	OpLookup      = "Lookup"
	OpReadInvoice = "ReadInvoice"
)

// NewLedgerError creates a new ledger error. The sentinel for the code is
// attached so errors.Is works without knowing about codes.
func NewLedgerError(operation, code, message string, err error) error {
	if err == nil {
		err = ledgerSentinel(code)
	}
	return newDomainError(LedgerDomain, operation, code, message, err)
}

// LedgerErrorf creates a new ledger error with formatted message
func LedgerErrorf(operation, code, format string, args ...interface{}) error {
	return NewLedgerError(operation, code, fmt.Sprintf(format, args...), nil)
}

// LedgerWrap wraps an error with ledger domain
func LedgerWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}
	return newDomainError(LedgerDomain, operation, LedgerErrRPC, message, Join(ErrUnavailable, err))
}

// IsLedgerError checks if an error is a ledger error with the given code
func IsLedgerError(err error, code string) bool {
	return isDomainError(err, LedgerDomain, code)
}

func ledgerSentinel(code string) error {
	switch code {
	case LedgerErrUserRejected:
		return ErrUserRejected
	case LedgerErrInvalidArguments, LedgerErrEncoding:
		return ErrInvalidArguments
	case LedgerErrReverted:
		return ErrChainReverted
	case LedgerErrTimeout:
		return ErrChainTimeout
	default:
		return ErrUnavailable
	}
}
