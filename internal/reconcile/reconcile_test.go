package reconcile

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

type sleeps struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return ctx.Err()
}

func newTestReconciler(p Policy, m *metrics.Metrics) (*Reconciler, *sleeps) {
	var rec Recorder
	if m != nil {
		rec = m
	}
	r := New(p, nil, rec)
	s := &sleeps{}
	r.sleep = s.sleep
	return r, s
}

func TestFailTwiceThenSucceed(t *testing.T) {
	r, s := newTestReconciler(DefaultPolicy(), nil)

	var calls int32
	err := r.Reconcile(context.Background(), "invoice:INV-001", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.NewBackendError(errors.OpVerifyInvoice, errors.BackendErrUnavailable, "503", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, s.calls)
}

func TestAlwaysFailExactlyThree(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	r, s := newTestReconciler(DefaultPolicy(), m)

	var calls int32
	err := r.Reconcile(context.Background(), "batch:B1", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.NewBackendError(errors.OpIssueInvoices, errors.BackendErrUnavailable, "down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Len(t, s.calls, 2, "no sleep after the final attempt")
	assert.True(t, errors.Is(err, errors.ErrExhaustedRetries))
	assert.True(t, errors.Is(err, errors.ErrBackendUnavailable))

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, "batch:B1", exhausted.Key)
}

func TestRejectedIsRetriedLikeAnyFailure(t *testing.T) {
	r, _ := newTestReconciler(DefaultPolicy(), nil)

	var calls int32
	err := r.Reconcile(context.Background(), "invoice:INV-001", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.BackendRejectedf(errors.OpVerifyInvoice, 4001, "not pending")
	})

	assert.Equal(t, int32(3), calls)
	assert.True(t, errors.Is(err, errors.ErrBackendRejected))
}

func TestAtLeastOneAttempt(t *testing.T) {
	r, _ := newTestReconciler(Policy{MaxAttempts: 0}, nil)

	var calls int32
	_ = r.Reconcile(context.Background(), "invoice:X", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return stderrors.New("boom")
	})
	assert.Equal(t, int32(1), calls)
}

func TestCancelledBetweenAttempts(t *testing.T) {
	r, _ := newTestReconciler(DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	err := r.Reconcile(ctx, "invoice:INV-001", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return stderrors.New("boom")
	})

	assert.Equal(t, int32(1), calls)
	assert.True(t, errors.Is(err, errors.ErrExhaustedRetries))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentSameKeyCollapses(t *testing.T) {
	r := New(Policy{MaxAttempts: 1}, nil, nil)

	var calls int32
	release := make(chan struct{})
	update := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Reconcile(context.Background(), "batch:B1", update))
		}()
	}
	// Give every goroutine time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRealDelay(t *testing.T) {
	r := New(Policy{MaxAttempts: 2, Delay: 20 * time.Millisecond}, nil, nil)

	started := time.Now()
	_ = r.Reconcile(context.Background(), "invoice:X", func(ctx context.Context) error {
		return stderrors.New("boom")
	})
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
}
