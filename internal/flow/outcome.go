// internal/flow/outcome.go
package flow

import (
	"context"
	"time"
)

// Name identifies a flow in outcomes, logs and metrics.
type Name string

const (
	FlowVerification Name = "invoice_verification"
	FlowIssuance     Name = "batch_issuance"
	FlowConfirmation Name = "batch_confirmation"
	FlowRegistration Name = "invoice_registration"
	FlowPurchase     Name = "share_purchase"
	FlowResume       Name = "resume_reconciliation"
)

// State is a flow state machine position.
type State string

const (
	StatePending        State = "PENDING"
	StateSubmitting     State = "SUBMITTING"
	StateChainConfirmed State = "CHAIN_CONFIRMED"
	StateReconciling    State = "RECONCILING"

	// Success exits
	StateVerified   State = "VERIFIED"
	StateIssued     State = "ISSUED"
	StateConfirmed  State = "CONFIRMED"
	StateRegistered State = "REGISTERED"
	StatePurchased  State = "PURCHASED"

	// Failure exits
	StateChainFailed     State = "CHAIN_FAILED"
	StateChainUnknown    State = "CHAIN_UNKNOWN"
	StateReconcileFailed State = "RECONCILE_FAILED"
)

// OutcomeKind is the terminal classification of a run.
type OutcomeKind string

const (
	// OutcomeSuccess runs completed every step
	OutcomeSuccess OutcomeKind = "SUCCESS"
	// OutcomePartialFailure runs succeeded on the ledger but left the
	// backend index stale. Re-running the flow would submit twice; resume it.
	OutcomePartialFailure OutcomeKind = "PARTIAL_FAILURE"
	// OutcomeFailed runs changed nothing that needs recovery
	OutcomeFailed OutcomeKind = "FAILED"
)

// Outcome is the terminal report of one flow run.
type Outcome struct {
	FlowID     string      `json:"flow_id"`
	Flow       Name        `json:"flow"`
	Entity     string      `json:"entity"`
	State      State       `json:"state"`
	Kind       OutcomeKind `json:"kind"`
	TxHash     string      `json:"tx_hash,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`

	// ResumeRecordMissing marks a partial failure whose record could not be
	// stored. Resume cannot find it; the backend must be fixed by hand from
	// TxHash.
	ResumeRecordMissing bool `json:"resume_record_missing,omitempty"`
}

// Publisher receives every terminal outcome.
type Publisher interface {
	Publish(ctx context.Context, outcome *Outcome) error
}

// NopPublisher drops outcomes.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, *Outcome) error { return nil }
