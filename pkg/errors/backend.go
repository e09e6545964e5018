// pkg/errors/backend.go
package errors

import "fmt"

// Backend error codes
const (
	// BackendErrUnavailable indicates a transport failure or a 5xx response
	BackendErrUnavailable = "BACKEND_UNAVAILABLE"
	// BackendErrRejected indicates an envelope code other than success
	BackendErrRejected = "BACKEND_REJECTED"
	// BackendErrDecode indicates the envelope could not be decoded
	BackendErrDecode = "BACKEND_DECODE"
	// BackendErrNotFound indicates the requested record does not exist
	BackendErrNotFound = "BACKEND_NOT_FOUND"
)

// Backend domain name
const BackendDomain = "backend"

// Backend operations
const (
	OpVerifyInvoice    = "VerifyInvoice"
	OpIssueInvoices    = "IssueInvoices"
	OpGetInvoiceDetail = "GetInvoiceDetail"
	OpListBatches      = "ListBatches"
	OpGetBatchDetail   = "GetBatchDetail"
	OpCreateToken      = "CreateToken"
)

// NewBackendError creates a new backend error
func NewBackendError(operation, code, message string, err error) error {
	sentinel := ErrBackendUnavailable
	switch code {
	case BackendErrRejected, BackendErrDecode:
		sentinel = ErrBackendRejected
	case BackendErrNotFound:
		sentinel = ErrNotFound
	}
	if err == nil {
		err = sentinel
	} else {
		err = Join(sentinel, err)
	}
	return newDomainError(BackendDomain, operation, code, message, err)
}

// BackendRejectedf reports an application-level failure carried in the envelope.
func BackendRejectedf(operation string, envelopeCode int, msg string) error {
	e := NewBackendError(operation, BackendErrRejected, fmt.Sprintf("code %d: %s", envelopeCode, msg), nil)
	return WrapWithField(e, "envelope_code", envelopeCode)
}

// IsBackendError checks if an error is a backend error with the given code
func IsBackendError(err error, code string) bool {
	return isDomainError(err, BackendDomain, code)
}
