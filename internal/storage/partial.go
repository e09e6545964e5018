// internal/storage/partial.go
package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// PartialKind names the reconciliation a partial failure is waiting on.
type PartialKind string

const (
	// PartialVerify waits on marking an invoice VERIFIED
	PartialVerify PartialKind = "VERIFY"
	// PartialIssue waits on marking a batch's invoices ISSUED
	PartialIssue PartialKind = "ISSUE"
	// PartialConfirm waits on creating a batch's token record
	PartialConfirm PartialKind = "CONFIRM"
)

// PartialRecord describes an entity whose ledger call succeeded while the
// backend index has not caught up yet. It is written before reconciliation
// starts and cleared once it succeeds, so a crash in between leaves it
// behind for an explicit resume.
type PartialRecord struct {
	Kind      PartialKind     `json:"kind"`
	Entity    string          `json:"entity"`
	Keys      []string        `json:"keys"`
	TxHash    string          `json:"tx_hash"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Failures  int             `json:"failures"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PartialStore persists partial-failure records.
type PartialStore interface {
	Record(ctx context.Context, rec *PartialRecord) error
	Get(ctx context.Context, entity string) (*PartialRecord, error)
	List(ctx context.Context) ([]*PartialRecord, error)
	MarkFailed(ctx context.Context, entity string, cause error) error
	Clear(ctx context.Context, entity string) error
}

func notFound(op, entity string) error {
	return errors.NewStorageError(op, errors.StorageErrNotFound, "no partial record for "+entity, nil)
}

// MemoryPartialStore keeps records in process memory. Records do not
// survive a restart; use the Redis store where that matters.
type MemoryPartialStore struct {
	mu      sync.Mutex
	records map[string]*PartialRecord
}

// NewMemoryPartialStore creates an empty store.
func NewMemoryPartialStore() *MemoryPartialStore {
	return &MemoryPartialStore{records: make(map[string]*PartialRecord)}
}

func copyRecord(r *PartialRecord) *PartialRecord {
	c := *r
	c.Keys = append([]string(nil), r.Keys...)
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	return &c
}

// Record implements PartialStore.
func (s *MemoryPartialStore) Record(ctx context.Context, rec *PartialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyRecord(rec)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.records[rec.Entity] = c
	return nil
}

// Get implements PartialStore.
func (s *MemoryPartialStore) Get(ctx context.Context, entity string) (*PartialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[entity]
	if !ok {
		return nil, notFound(errors.OpGet, entity)
	}
	return copyRecord(r), nil
}

// List implements PartialStore, oldest first.
func (s *MemoryPartialStore) List(ctx context.Context) ([]*PartialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PartialRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkFailed implements PartialStore.
func (s *MemoryPartialStore) MarkFailed(ctx context.Context, entity string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[entity]
	if !ok {
		return notFound(errors.OpMarkFailed, entity)
	}
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.Failures++
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Clear implements PartialStore. Clearing a missing record is not an error.
func (s *MemoryPartialStore) Clear(ctx context.Context, entity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, entity)
	return nil
}
