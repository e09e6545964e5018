// pkg/errors/errors.go
package errors

import (
	"errors"
	"strings"
)

// Sentinel errors. Every failure a flow can surface unwraps to exactly one of
// these so callers can branch with errors.Is.
var (
	ErrNotFound    = errors.New("resource not found")
	ErrUnavailable = errors.New("service unavailable")

	// Ledger side
	ErrUserRejected     = errors.New("signing declined by user")
	ErrInvalidArguments = errors.New("invalid ledger call arguments")
	ErrChainReverted    = errors.New("ledger call reverted")
	ErrChainTimeout     = errors.New("ledger confirmation not observed in time")

	// Backend side
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendRejected    = errors.New("backend rejected request")
	ErrExhaustedRetries   = errors.New("reconciliation retries exhausted")

	// Orchestration
	ErrValidation     = errors.New("validation failed")
	ErrAlreadyLocked  = errors.New("entity already under orchestration")
	ErrInvalidState   = errors.New("entity not in required state")
	ErrPartialFailure = errors.New("ledger succeeded but backend index is stale")
	ErrResumeRequired = errors.New("entity has a pending partial failure, resume it instead")
	ErrConfig         = errors.New("invalid configuration")
)

// Taxonomy names returned by Kind.
const (
	KindUserRejected       = "UserRejected"
	KindInvalidArguments   = "InvalidArguments"
	KindChainReverted      = "ChainReverted"
	KindChainTimeout       = "ChainTimeout"
	KindBackendUnavailable = "BackendUnavailable"
	KindBackendRejected    = "BackendRejected"
	KindValidation         = "ValidationError"
	KindAlreadyLocked      = "AlreadyLocked"
	KindInvalidState       = "InvalidState"
	KindPartialFailure     = "PartialFailure"
	KindResumeRequired     = "ResumeRequired"
	KindConfig             = "ConfigError"
	KindNotFound           = "NotFound"
	KindInternal           = "Internal"
)

// Kind classifies err into the error taxonomy. A partial failure wins over the
// backend error it wraps, because the distinction matters to the operator.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPartialFailure):
		return KindPartialFailure
	case errors.Is(err, ErrResumeRequired):
		return KindResumeRequired
	case errors.Is(err, ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, ErrInvalidArguments):
		return KindInvalidArguments
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAlreadyLocked):
		return KindAlreadyLocked
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrChainReverted):
		return KindChainReverted
	case errors.Is(err, ErrChainTimeout):
		return KindChainTimeout
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrBackendRejected):
		return KindBackendRejected
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrExhaustedRetries):
		return KindBackendUnavailable
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Is, As, New and Join forward to the standard library so callers need only
// this package.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target interface{}) bool { return errors.As(err, target) }
func New(message string) error { return errors.New(message) }
func Join(errs ...error) error { return errors.Join(errs...) }

// Error is a failure annotated with where it happened. Original carries the
// sentinel that Kind and errors.Is classify on.
type Error struct {
	Original  error
	Domain    string // ledger, backend, storage, flow, api
	Code      string
	Message   string
	Operation string
	Fields    map[string]interface{}
}

// Error renders "[domain.Operation] Code=CODE: message: original".
func (e *Error) Error() string {
	where := e.Domain
	switch {
	case where != "" && e.Operation != "":
		where += "." + e.Operation
	case where == "":
		where = e.Operation
	}

	parts := make([]string, 0, 2)
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Original != nil {
		parts = append(parts, e.Original.Error())
	}
	code := ""
	if e.Code != "" {
		code = "Code=" + e.Code + ": "
	}
	return "[" + where + "] " + code + strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Original
}

// WrapWithField returns err annotated with one field. The error in err's
// chain is copied, never mutated, because other goroutines may hold it.
func WrapWithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}
	e := &Error{Original: err}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := *domainErr
		e = &c
	}
	fields := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// CodeOf returns the code of the outermost domain error in err's chain.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func newDomainError(domain, operation, code, message string, err error) error {
	return &Error{Domain: domain, Operation: operation, Code: code, Message: message, Original: err}
}

func isDomainError(err error, domain, code string) bool {
	var domainErr *Error
	return errors.As(err, &domainErr) && domainErr.Domain == domain && domainErr.Code == code
}
