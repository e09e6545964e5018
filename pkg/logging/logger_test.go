package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: InfoLevel, Output: &buf, ServiceName: "invoicechain", Environment: "test"})

	log.Info("flow finished", "flow", "verify", "entity", "invoice:INV-001")

	m := decodeLine(t, &buf)
	assert.Equal(t, "flow finished", m["msg"])
	assert.Equal(t, "verify", m["flow"])
	assert.Equal(t, "invoice:INV-001", m["entity"])
	assert.Equal(t, "invoicechain", m["service"])
	assert.Equal(t, "test", m["environment"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: ParseLevel("WARN"), Output: &buf})

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: DebugLevel, Output: &buf})

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = ContextWithFlowID(ctx, "flow-9")
	log.WithContext(ctx).Debug("state", "to", "SUBMITTING")

	m := decodeLine(t, &buf)
	assert.Equal(t, "req-1", m["request_id"])
	assert.Equal(t, "flow-9", m["flow_id"])
}

func TestOddArgs(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: InfoLevel, Output: &buf})

	log.Info("odd", "dangling")

	m := decodeLine(t, &buf)
	assert.Equal(t, "", m["dangling"])
}

func TestWithErrorAddsKind(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: InfoLevel, Output: &buf})

	err := errors.PartialFailure(errors.OpVerifyFlow, "invoice:INV-001", errors.ErrExhaustedRetries)
	log.WithError(err).Warn("flow finished")

	m := decodeLine(t, &buf)
	assert.Equal(t, errors.KindPartialFailure, m["error_kind"])
	assert.Contains(t, m["error"], "invoice:INV-001")
}
