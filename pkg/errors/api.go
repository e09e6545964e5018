// pkg/errors/api.go
package errors

import "net/http"

// API error codes
const (
	// APIErrBadRequest indicates a malformed request body or parameter
	APIErrBadRequest = "API_BAD_REQUEST"
	// APIErrUnauthorized indicates a missing or invalid caller identity
	APIErrUnauthorized = "API_UNAUTHORIZED"
	// APIErrForbidden indicates the caller lacks the required role
	APIErrForbidden = "API_FORBIDDEN"
)

// API domain name
const APIDomain = "api"

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return newDomainError(APIDomain, "", code, message, err)
}

// HTTPStatus maps any error to the HTTP status the API answers with. A
// partial failure is accepted work, not a server error: the ledger side is
// done and only the index is behind.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CodeOf(err) {
	case APIErrBadRequest:
		return http.StatusBadRequest
	case APIErrUnauthorized:
		return http.StatusUnauthorized
	case APIErrForbidden:
		return http.StatusForbidden
	}

	switch Kind(err) {
	case KindValidation, KindInvalidArguments:
		return http.StatusBadRequest
	case KindUserRejected:
		return http.StatusUnprocessableEntity
	case KindAlreadyLocked, KindInvalidState, KindResumeRequired:
		return http.StatusConflict
	case KindPartialFailure:
		return http.StatusAccepted
	case KindChainReverted:
		return http.StatusBadGateway
	case KindChainTimeout:
		return http.StatusGatewayTimeout
	case KindBackendUnavailable, KindBackendRejected:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
