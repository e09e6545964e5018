// internal/flow/batchid.go
package flow

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcutil/base58"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// BatchIDSource hands out identifiers for new batches.
type BatchIDSource interface {
	NextBatchID(ctx context.Context) (string, error)
}

// ClockBatchIDs builds ids from wall-clock milliseconds and a random
// suffix, e.g. B1760601600000-3yQgV9tZk. Collisions across concurrent
// issuers are unlikely but possible; the ledger rejects a duplicate id.
type ClockBatchIDs struct {
	Now  func() time.Time
	Rand io.Reader
}

// NextBatchID implements BatchIDSource.
func (s ClockBatchIDs) NextBatchID(ctx context.Context) (string, error) {
	now, rnd := s.Now, s.Rand
	if now == nil {
		now = time.Now
	}
	if rnd == nil {
		rnd = rand.Reader
	}

	suffix := make([]byte, 8)
	if _, err := io.ReadFull(rnd, suffix); err != nil {
		return "", errors.FlowWrap(err, errors.OpGenerateBatchID, "read random suffix")
	}
	return fmt.Sprintf("B%d-%s", now().UnixMilli(), base58.Encode(suffix)), nil
}
