// pkg/errors/flow.go
package errors

import "fmt"

// Flow error codes
const (
	// FlowErrValidation indicates the request was rejected before any lock
	FlowErrValidation = "FLOW_VALIDATION"
	// FlowErrAlreadyLocked indicates another flow holds one of the entities
	FlowErrAlreadyLocked = "FLOW_ALREADY_LOCKED"
	// FlowErrInvalidState indicates the entity left the required state
	FlowErrInvalidState = "FLOW_INVALID_STATE"
	// FlowErrPartialFailure indicates ledger success with a stale backend
	FlowErrPartialFailure = "FLOW_PARTIAL_FAILURE"
	// FlowErrConfig indicates missing or malformed configuration
	FlowErrConfig = "FLOW_CONFIG"
	// FlowErrResumeRequired indicates a pending partial failure covers the entity
	FlowErrResumeRequired = "FLOW_RESUME_REQUIRED"
	// FlowErrNothingToResume indicates no partial-failure record exists
	FlowErrNothingToResume = "FLOW_NOTHING_TO_RESUME"
)

// Flow domain name
const FlowDomain = "flow"

// Flow operations
const (
	OpVerifyFlow      = "InvoiceVerification"
	OpIssueFlow       = "BatchIssuance"
	OpConfirmFlow     = "BatchConfirmation"
	OpRegisterFlow    = "InvoiceRegistration"
	OpPurchaseFlow    = "SharePurchase"
	OpResume          = "ResumeReconciliation"
	OpReconcile       = "Reconcile"
	OpAcquireLock     = "AcquireLock"
	OpValidateRequest = "ValidateRequest"
	OpLoadConfig      = "LoadConfig"
	OpValidateConfig  = "ValidateConfig"
	OpGenerateBatchID = "GenerateBatchID"
)

// Validationf creates a validation error for the given flow operation.
func Validationf(operation, format string, args ...interface{}) error {
	return newDomainError(FlowDomain, operation, FlowErrValidation, fmt.Sprintf(format, args...), ErrValidation)
}

// InvalidStatef creates an invalid-state error for the given flow operation.
func InvalidStatef(operation, format string, args ...interface{}) error {
	return newDomainError(FlowDomain, operation, FlowErrInvalidState, fmt.Sprintf(format, args...), ErrInvalidState)
}

// Configf creates a configuration error.
func Configf(format string, args ...interface{}) error {
	return newDomainError(FlowDomain, OpValidateConfig, FlowErrConfig, fmt.Sprintf(format, args...), ErrConfig)
}

// PartialFailure wraps the reconciliation error of a flow whose ledger call
// already succeeded. The result Is both ErrPartialFailure and the cause.
func PartialFailure(operation, entity string, cause error) error {
	e := newDomainError(FlowDomain, operation, FlowErrPartialFailure,
		fmt.Sprintf("ledger succeeded for %s, backend reconciliation pending", entity),
		Join(ErrPartialFailure, cause))
	return WrapWithField(e, "entity", entity)
}

// FlowWrap wraps an error with flow domain
func FlowWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}
	return newDomainError(FlowDomain, operation, "", message, err)
}

// IsFlowError checks if an error is a flow error with the given code
func IsFlowError(err error, code string) bool {
	return isDomainError(err, FlowDomain, code)
}

// NothingToResume reports that no partial-failure record exists for entity.
func NothingToResume(entity string) error {
	return newDomainError(FlowDomain, OpResume, FlowErrNothingToResume,
		fmt.Sprintf("no partial failure recorded for %s", entity), ErrNotFound)
}

// ResumeRequired rejects a run over key because the ledger call of pending
// already succeeded. Running again would broadcast it twice.
func ResumeRequired(operation, key, pending, txHash string) error {
	e := newDomainError(FlowDomain, operation, FlowErrResumeRequired,
		fmt.Sprintf("%s is covered by pending partial failure %s (tx %s); resume it", key, pending, txHash),
		ErrResumeRequired)
	return WrapWithField(e, "pending", pending)
}
