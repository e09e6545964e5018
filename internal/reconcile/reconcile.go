// Package reconcile brings the backend index in line with a ledger outcome
// using a bounded, observable retry policy.
package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
)

// Policy bounds a reconciliation. Every failure is retried identically,
// including rejections by the backend, until MaxAttempts is reached.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Jitter adds up to this much random delay between attempts.
	Jitter time.Duration
}

// DefaultPolicy is 3 attempts with a fixed 3 second delay.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 3 * time.Second}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) wait() time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
	}
	return d
}

// UpdateFunc performs one backend write.
type UpdateFunc func(ctx context.Context) error

// Attempt records one try of a single Reconcile invocation.
type Attempt struct {
	Number int
	Err    error
}

// ExhaustedRetriesError is returned when every attempt failed.
type ExhaustedRetriesError struct {
	Key      string
	Attempts []Attempt
	// Interrupted is set when the caller's context ended between attempts.
	Interrupted error
}

// Last returns the error of the final attempt.
func (e *ExhaustedRetriesError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *ExhaustedRetriesError) Error() string {
	if e.Interrupted != nil {
		return fmt.Sprintf("reconcile %s: interrupted after %d failed attempts (%v), last: %v",
			e.Key, len(e.Attempts), e.Interrupted, e.Last())
	}
	return fmt.Sprintf("reconcile %s: %d attempts failed, last: %v", e.Key, len(e.Attempts), e.Last())
}

// Is makes errors.Is(err, errors.ErrExhaustedRetries) hold.
func (e *ExhaustedRetriesError) Is(target error) bool {
	return target == errors.ErrExhaustedRetries
}

// Unwrap exposes the last attempt's error and the interruption, if any.
func (e *ExhaustedRetriesError) Unwrap() []error {
	var errs []error
	if last := e.Last(); last != nil {
		errs = append(errs, last)
	}
	if e.Interrupted != nil {
		errs = append(errs, e.Interrupted)
	}
	return errs
}

// Recorder receives attempt outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordReconcileAttempt(kind string, success bool)
	RecordReconcileExhausted(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordReconcileAttempt(string, bool) {}
func (nopRecorder) RecordReconcileExhausted(string)     {}

// Reconciler runs backend updates under a Policy. Concurrent calls with the
// same key share one run.
type Reconciler struct {
	policy   Policy
	logger   *logging.Logger
	recorder Recorder
	group    singleflight.Group

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a reconciler. recorder may be nil.
func New(policy Policy, logger *logging.Logger, recorder Recorder) *Reconciler {
	if logger == nil {
		logger = logging.Nop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Reconciler{
		policy:   policy,
		logger:   logger,
		recorder: recorder,
		sleep:    sleepCtx,
	}
}

// Policy returns the retry policy in use.
func (r *Reconciler) Policy() Policy {
	return r.policy
}

// Reconcile calls update until it succeeds or the policy's attempts are used
// up, and then returns *ExhaustedRetriesError. key is the idempotency key,
// normally the entity identifier.
func (r *Reconciler) Reconcile(ctx context.Context, key string, update UpdateFunc) error {
	_, err, shared := r.group.Do(key, func() (interface{}, error) {
		return nil, r.run(ctx, key, update)
	})
	if shared {
		r.logger.WithContext(ctx).Debug("Joined in-flight reconciliation", "key", key)
	}
	return err
}

func (r *Reconciler) run(ctx context.Context, key string, update UpdateFunc) error {
	kind := keyKind(key)
	log := r.logger.WithContext(ctx).WithField("key", key)
	limit := r.policy.attempts()
	attempts := make([]Attempt, 0, limit)
	var interrupted error

	for n := 1; n <= limit; n++ {
		err := update(ctx)
		r.recorder.RecordReconcileAttempt(kind, err == nil)
		if err == nil {
			log.Info("Backend reconciled", "attempt", n)
			return nil
		}
		attempts = append(attempts, Attempt{Number: n, Err: err})
		log.Warn("Reconcile attempt failed", "attempt", n, "max_attempts", limit, "error", err)

		if n == limit {
			break
		}
		if serr := r.sleep(ctx, r.policy.wait()); serr != nil {
			interrupted = serr
			break
		}
	}

	r.recorder.RecordReconcileExhausted(kind)
	exhausted := &ExhaustedRetriesError{Key: key, Attempts: attempts, Interrupted: interrupted}
	log.Error("Reconciliation exhausted", "attempts", len(attempts), "error", exhausted.Last())
	return exhausted
}

// keyKind is the entity kind prefix of a key, used as a metric label.
func keyKind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
