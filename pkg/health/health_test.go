package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/pkg/logging"
)

func TestHandlerReportsDown(t *testing.T) {
	r := NewRegistry(logging.Nop())
	r.Register("chain", ChainChecker("http://rpc", func(ctx context.Context) (uint64, error) { return 42, nil }))
	r.Register("backend", BackendChecker("http://backend", func(ctx context.Context) error { return errors.New("connection refused") }))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status Status                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusDown, body.Status)
	assert.Equal(t, "connection refused", body.Checks["backend"]["error"])
	assert.Contains(t, body.Checks["chain"]["message"], "head block 42")
}

func TestIsHealthy(t *testing.T) {
	r := NewRegistry(logging.Nop())
	r.Register("redis", RedisChecker("localhost:6379", func(ctx context.Context) error { return nil }))
	assert.True(t, r.IsHealthy(context.Background()))

	r.Register("backend", BackendChecker("http://backend", func(ctx context.Context) error { return context.DeadlineExceeded }))
	assert.False(t, r.IsHealthy(context.Background()))

	r.Unregister("backend")
	assert.True(t, r.IsHealthy(context.Background()))
}

func TestOverall(t *testing.T) {
	assert.Equal(t, StatusUp, Overall(nil))
	assert.Equal(t, StatusUnknown, Overall(map[string]Check{
		"a": {Status: StatusUp},
		"b": {Status: StatusUnknown},
	}))
	assert.Equal(t, StatusDown, Overall(map[string]Check{
		"a": {Status: StatusUnknown},
		"b": {Status: StatusDown},
	}))
}

func TestProbeHonoursTimeout(t *testing.T) {
	c := RedisChecker("localhost:6379", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})(context.Background())

	assert.Equal(t, StatusDown, c.Status)
	assert.ErrorIs(t, c.Error, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, c.Latency, DefaultTimeout)
}
