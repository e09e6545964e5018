// Package flow drives multi-step ledger operations to a terminal state and
// reconciles the backend index with the ledger outcome.
//
// Every run follows the same path: validate, lock, submit, await, reconcile,
// release, publish. Validation and signing failures never reach the ledger.
// Once a call is broadcast the run is detached from caller cancellation
// because the transaction cannot be recalled. A ledger success whose
// reconciliation is exhausted is recorded as a partial failure and can only
// be finished through Resume, never by running the flow again.
package flow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/cmatc13/invoicechain/internal/domain"
	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/lock"
	"github.com/cmatc13/invoicechain/internal/reconcile"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

// Submitter signs and broadcasts ledger calls.
type Submitter interface {
	Submit(ctx context.Context, call *ledger.Call) (*ledger.TransactionHandle, error)
	From() common.Address
}

// Waiter observes broadcast calls.
type Waiter interface {
	Await(ctx context.Context, handle *ledger.TransactionHandle) (*types.Receipt, error)
	Lookup(ctx context.Context, hash common.Hash) (ledger.TxState, *types.Receipt, error)
}

// Backend is the part of the backend index the flows read and write.
type Backend interface {
	GetInvoiceDetail(ctx context.Context, invoiceNumber string) (*domain.Invoice, error)
	GetBatchDetail(ctx context.Context, batchID string) (*domain.Batch, error)
	VerifyInvoice(ctx context.Context, invoiceID string) error
	IssueInvoices(ctx context.Context, invoiceIDs []string, batchID string) error
	CreateToken(ctx context.Context, rec domain.TokenRecord) error
}

// Reconciler runs bounded backend updates.
type Reconciler interface {
	Reconcile(ctx context.Context, key string, update reconcile.UpdateFunc) error
}

// TokenDefaults apply when neither the request nor the batch sets the token
// economics.
type TokenDefaults struct {
	InterestRateAPY string
	MaturityMonths  int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Contract   common.Address
	Submitter  Submitter
	Waiter     Waiter
	Backend    Backend
	Locks      lock.Registry
	Reconciler Reconciler
	Partials   storage.PartialStore

	// Optional
	Publisher Publisher
	BatchIDs  BatchIDSource
	Tokens    TokenDefaults
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Orchestrator runs the invoice and batch flows.
type Orchestrator struct {
	contract   common.Address
	submitter  Submitter
	waiter     Waiter
	backend    Backend
	locks      lock.Registry
	reconciler Reconciler
	partials   storage.PartialStore
	publisher  Publisher
	batchIDs   BatchIDSource
	tokens     TokenDefaults
	logger     *logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New creates an Orchestrator. A missing contract address or collaborator
// is a configuration error: no flow may reach the ledger without them.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Contract == (common.Address{}):
		return nil, errors.Configf("contract address is required")
	case d.Submitter == nil, d.Waiter == nil:
		return nil, errors.Configf("ledger submitter and waiter are required")
	case d.Backend == nil:
		return nil, errors.Configf("backend client is required")
	case d.Locks == nil:
		return nil, errors.Configf("lock registry is required")
	case d.Reconciler == nil:
		return nil, errors.Configf("reconciler is required")
	case d.Partials == nil:
		return nil, errors.Configf("partial failure store is required")
	}

	o := &Orchestrator{
		contract:   d.Contract,
		submitter:  d.Submitter,
		waiter:     d.Waiter,
		backend:    d.Backend,
		locks:      d.Locks,
		reconciler: d.Reconciler,
		partials:   d.Partials,
		publisher:  d.Publisher,
		batchIDs:   d.BatchIDs,
		tokens:     d.Tokens,
		logger:     d.Logger,
		metrics:    d.Metrics,
		now:        d.Now,
	}
	if o.publisher == nil {
		o.publisher = NopPublisher{}
	}
	if o.batchIDs == nil {
		o.batchIDs = ClockBatchIDs{}
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.tokens.InterestRateAPY == "" {
		o.tokens.InterestRateAPY = "5"
	}
	if o.tokens.MaturityMonths <= 0 {
		o.tokens.MaturityMonths = 12
	}
	return o, nil
}

// run is the bookkeeping of one flow invocation.
type run struct {
	outcome *Outcome
	op      string
	log     *logging.Logger
}

func (o *Orchestrator) begin(ctx context.Context, name Name, op, entity string) (context.Context, *run) {
	id := uuid.New().String()
	ctx = logging.ContextWithFlowID(ctx, id)
	r := &run{
		outcome: &Outcome{
			FlowID:    id,
			Flow:      name,
			Entity:    entity,
			State:     StatePending,
			StartedAt: o.now().UTC(),
		},
		op:  op,
		log: o.logger.WithContext(ctx).WithField("flow", string(name)),
	}
	if entity != "" {
		r.log = r.log.WithField("entity", entity)
	}
	r.log.Debug("Flow started")
	return ctx, r
}

func (r *run) to(state State) {
	r.log.Debug("Flow transition", "from", string(r.outcome.State), "to", string(state))
	r.outcome.State = state
}

// finish classifies err, publishes the outcome and returns it.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) (*Outcome, error) {
	out := r.outcome
	out.FinishedAt = o.now().UTC()
	switch {
	case err == nil:
		out.Kind = OutcomeSuccess
	case errors.Is(err, errors.ErrPartialFailure):
		out.Kind = OutcomePartialFailure
	default:
		out.Kind = OutcomeFailed
	}
	if err != nil {
		out.Error = err.Error()
		out.ErrorKind = errors.Kind(err)
	}

	if o.metrics != nil {
		o.metrics.RecordFlow(string(out.Flow), string(out.Kind), out.FinishedAt.Sub(out.StartedAt))
	}

	log := r.log.WithFields(map[string]interface{}{"state": string(out.State), "outcome": string(out.Kind)})
	switch out.Kind {
	case OutcomeSuccess:
		log.Info("Flow completed", "tx_hash", out.TxHash)
	case OutcomePartialFailure:
		log.Error("Flow left backend stale, resume required",
			"tx_hash", out.TxHash, "resume_record_missing", out.ResumeRecordMissing, "error", err)
	default:
		log.Warn("Flow failed", "kind", out.ErrorKind, "error", err)
	}

	if perr := o.publisher.Publish(context.WithoutCancel(ctx), out); perr != nil {
		log.Warn("Outcome not published", "error", perr)
	}
	return out, err
}

// asValidation turns a call-construction error into a validation error so
// that bad arguments are reported the same way as any other bad request.
func asValidation(op string, err error) error {
	if err == nil || !errors.Is(err, errors.ErrInvalidArguments) {
		return err
	}
	var de *errors.Error
	if errors.As(err, &de) && de.Message != "" {
		return errors.Validationf(op, "%s", de.Message)
	}
	return errors.Validationf(op, "%v", err)
}

// caller resolves the acting address, defaulting to the signing account.
func (o *Orchestrator) caller(op, addr string) (string, error) {
	if addr == "" {
		return o.submitter.From().Hex(), nil
	}
	if !common.IsHexAddress(addr) {
		return "", errors.Validationf(op, "caller %q is not a well-formed address", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func (o *Orchestrator) acquire(ctx context.Context, r *run, keys ...string) (*lock.Lock, error) {
	l, err := o.locks.TryAcquire(ctx, keys...)
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyLocked) && o.metrics != nil {
			o.metrics.RecordLockConflict(string(r.outcome.Flow))
		}
		return nil, err
	}
	r.log.Debug("Lock acquired", "keys", l.Keys())
	return l, nil
}

// refusePending rejects a run over keys while any of them belongs to a
// recorded partial failure. That ledger call already succeeded, so only
// Resume may finish it. Called under the lock, after which no other run can
// record a partial failure for these keys.
func (o *Orchestrator) refusePending(ctx context.Context, op string, keys []string) error {
	recs, err := o.partials.List(ctx)
	if err != nil {
		return err
	}
	held := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		held[k] = struct{}{}
	}
	for _, rec := range recs {
		for _, k := range append([]string{rec.Entity}, rec.Keys...) {
			if _, ok := held[k]; ok {
				return errors.ResumeRequired(op, k, rec.Entity, rec.TxHash)
			}
		}
	}
	return nil
}

// release frees l and logs if it was already released elsewhere.
func (r *run) release(l *lock.Lock) {
	if !l.Release() {
		r.log.Warn("Lock was already released", "keys", l.Keys())
	}
}

// submit broadcasts call and waits for its receipt. The returned context is
// detached from caller cancellation once the call is on the wire.
func (o *Orchestrator) submit(ctx context.Context, r *run, call *ledger.Call) (context.Context, *ledger.TransactionHandle, error) {
	r.to(StateSubmitting)
	handle, err := o.submitter.Submit(ctx, call)
	if err != nil {
		r.to(StateChainFailed)
		return ctx, nil, err
	}
	r.outcome.TxHash = handle.Hash.Hex()

	ctx = context.WithoutCancel(ctx)
	if _, err := o.waiter.Await(ctx, handle); err != nil {
		if errors.Is(err, errors.ErrChainTimeout) {
			r.to(StateChainUnknown)
		} else {
			r.to(StateChainFailed)
		}
		return ctx, handle, err
	}
	r.to(StateChainConfirmed)
	return ctx, handle, nil
}

// reconcile records rec as pending, runs update under the reconciler and
// clears the record on success. Exhaustion leaves the record annotated with
// the last error and returns a partial failure.
func (o *Orchestrator) reconcile(ctx context.Context, r *run, rec *storage.PartialRecord, update reconcile.UpdateFunc) error {
	r.to(StateReconciling)
	recorded := true
	if err := o.partials.Record(ctx, rec); err != nil {
		recorded = false
		r.log.WithError(err).Error("Partial failure record not written, a crash now loses the resume handle")
	}

	if err := o.reconciler.Reconcile(ctx, rec.Entity, update); err != nil {
		r.to(StateReconcileFailed)
		if !recorded {
			r.outcome.ResumeRecordMissing = true
		} else if merr := o.partials.MarkFailed(ctx, rec.Entity, err); merr != nil {
			r.log.Error("Partial failure record not updated", "error", merr)
		}
		o.recordPending(ctx)
		return errors.PartialFailure(r.op, rec.Entity, err)
	}

	if err := o.partials.Clear(ctx, rec.Entity); err != nil {
		r.log.Warn("Partial failure record not cleared", "error", err)
	}
	return nil
}

func (o *Orchestrator) recordPending(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	if recs, err := o.partials.List(ctx); err == nil {
		o.metrics.RecordPartialsPending(len(recs))
	}
}

func encodePayload(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
