// internal/flow/resume.go
package flow

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmatc13/invoicechain/internal/ledger"
	"github.com/cmatc13/invoicechain/internal/reconcile"
	"github.com/cmatc13/invoicechain/internal/storage"
	"github.com/cmatc13/invoicechain/pkg/errors"
)

// Resume finishes the reconciliation of a recorded partial failure. The
// ledger is asked once whether the recorded transaction succeeded; nothing
// is ever submitted again.
func (o *Orchestrator) Resume(ctx context.Context, entity string) (*Outcome, error) {
	entity = strings.TrimSpace(entity)
	ctx, r := o.begin(ctx, FlowResume, errors.OpResume, entity)
	r.outcome.State = StateChainConfirmed
	return o.finish(ctx, r, o.resume(ctx, r, entity))
}

func (o *Orchestrator) resume(ctx context.Context, r *run, entity string) error {
	const op = errors.OpResume
	if entity == "" {
		return errors.Validationf(op, "entity is required")
	}

	rec, err := o.partials.Get(ctx, entity)
	if errors.Is(err, errors.ErrNotFound) {
		return errors.NothingToResume(entity)
	}
	if err != nil {
		return err
	}
	r.outcome.TxHash = rec.TxHash
	r.log = r.log.WithFields(map[string]interface{}{"kind": string(rec.Kind), "tx_hash": rec.TxHash})

	update, final, err := o.updateFor(rec)
	if err != nil {
		return err
	}

	state, _, err := o.waiter.Lookup(ctx, common.HexToHash(rec.TxHash))
	if err != nil {
		return err
	}
	if state != ledger.StateMinedSuccess {
		return errors.InvalidStatef(op, "transaction %s of %s is %s, not %s", rec.TxHash, entity, state, ledger.StateMinedSuccess)
	}

	l, err := o.acquire(ctx, r, rec.Keys...)
	if err != nil {
		return err
	}
	defer r.release(l)

	r.log.Info("Resuming reconciliation", "previous_failures", rec.Failures, "last_error", rec.LastError)
	if err := o.reconcile(ctx, r, rec, update); err != nil {
		return err
	}
	r.to(final)
	o.recordPending(ctx)
	return nil
}

// updateFor rebuilds the backend update a partial record is waiting on.
func (o *Orchestrator) updateFor(rec *storage.PartialRecord) (reconcile.UpdateFunc, State, error) {
	bad := func(err error) error {
		return errors.NewStorageError(errors.OpGet, errors.StorageErrSerialization, "decode payload of "+rec.Entity, err)
	}

	switch rec.Kind {
	case storage.PartialVerify:
		var p verifyPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, "", bad(err)
		}
		return o.verifyUpdate(p.InvoiceID), StateVerified, nil
	case storage.PartialIssue:
		var p issuePayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, "", bad(err)
		}
		return o.issueUpdate(p.InvoiceIDs, p.BatchID), StateIssued, nil
	case storage.PartialConfirm:
		var p confirmPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, "", bad(err)
		}
		return o.confirmUpdate(p.Token), StateConfirmed, nil
	default:
		return nil, "", errors.InvalidStatef(errors.OpResume, "unknown partial kind %q for %s", rec.Kind, rec.Entity)
	}
}

// PendingPartials lists the recorded partial failures, oldest first.
func (o *Orchestrator) PendingPartials(ctx context.Context) ([]*storage.PartialRecord, error) {
	recs, err := o.partials.List(ctx)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordPartialsPending(len(recs))
	}
	return recs, nil
}
