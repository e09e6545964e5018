// internal/storage/redis_partials.go
package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

const (
	// Partial record hash prefix, one hash per entity
	partialKeyPrefix = "invoicechain:partial:"

	// Index of recorded entities scored by creation time
	partialIndexKey = "invoicechain:partials"
)

// RedisPartialStore keeps partial-failure records in Redis so they survive
// a restart of the process that wrote them.
type RedisPartialStore struct {
	Client redis.UniversalClient
}

// NewRedisPartialStore creates a store on an existing client.
func NewRedisPartialStore(client redis.UniversalClient) *RedisPartialStore {
	return &RedisPartialStore{Client: client}
}

// Connect creates a client for addr and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, errors.NewStorageError(errors.OpConnect, errors.StorageErrConnection, "failed to connect to Redis at "+addr, err)
	}
	return client, nil
}

// Record implements PartialStore. The hash and the index entry are written
// in one transaction.
func (s *RedisPartialStore) Record(ctx context.Context, rec *PartialRecord) error {
	keys, err := json.Marshal(rec.Keys)
	if err != nil {
		return errors.NewStorageError(errors.OpRecord, errors.StorageErrSerialization, "encode keys", err)
	}
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, partialKeyPrefix+rec.Entity, map[string]interface{}{
			"kind":       string(rec.Kind),
			"entity":     rec.Entity,
			"keys":       string(keys),
			"tx_hash":    rec.TxHash,
			"payload":    string(rec.Payload),
			"last_error": rec.LastError,
			"failures":   rec.Failures,
			"created_at": created.Format(time.RFC3339Nano),
			"updated_at": now.Format(time.RFC3339Nano),
		})
		pipe.ZAdd(ctx, partialIndexKey, &redis.Z{
			Score:  float64(created.UnixNano()),
			Member: rec.Entity,
		})
		return nil
	})
	if err != nil {
		return errors.NewStorageError(errors.OpRecord, errors.StorageErrWrite, "record partial "+rec.Entity, err)
	}
	return nil
}

// Get implements PartialStore.
func (s *RedisPartialStore) Get(ctx context.Context, entity string) (*PartialRecord, error) {
	fields, err := s.Client.HGetAll(ctx, partialKeyPrefix+entity).Result()
	if err != nil {
		return nil, errors.NewStorageError(errors.OpGet, errors.StorageErrRead, "read partial "+entity, err)
	}
	if len(fields) == 0 {
		return nil, notFound(errors.OpGet, entity)
	}
	return decodePartial(fields)
}

func decodePartial(fields map[string]string) (*PartialRecord, error) {
	rec := &PartialRecord{
		Kind:      PartialKind(fields["kind"]),
		Entity:    fields["entity"],
		TxHash:    fields["tx_hash"],
		LastError: fields["last_error"],
	}
	if p := fields["payload"]; p != "" {
		rec.Payload = json.RawMessage(p)
	}
	if k := fields["keys"]; k != "" {
		if err := json.Unmarshal([]byte(k), &rec.Keys); err != nil {
			return nil, errors.NewStorageError(errors.OpGet, errors.StorageErrSerialization, "decode keys of "+rec.Entity, err)
		}
	}
	if f := fields["failures"]; f != "" {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.NewStorageError(errors.OpGet, errors.StorageErrSerialization, "decode failures of "+rec.Entity, err)
		}
		rec.Failures = n
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec, nil
}

// List implements PartialStore, oldest first. Index entries whose hash is
// gone are skipped.
func (s *RedisPartialStore) List(ctx context.Context) ([]*PartialRecord, error) {
	entities, err := s.Client.ZRange(ctx, partialIndexKey, 0, -1).Result()
	if err != nil {
		return nil, errors.NewStorageError(errors.OpList, errors.StorageErrRead, "read partial index", err)
	}

	records := make([]*PartialRecord, 0, len(entities))
	for _, entity := range entities {
		rec, err := s.Get(ctx, entity)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// MarkFailed implements PartialStore.
func (s *RedisPartialStore) MarkFailed(ctx context.Context, entity string, cause error) error {
	key := partialKeyPrefix + entity
	n, err := s.Client.Exists(ctx, key).Result()
	if err != nil {
		return errors.NewStorageError(errors.OpMarkFailed, errors.StorageErrRead, "check partial "+entity, err)
	}
	if n == 0 {
		return notFound(errors.OpMarkFailed, entity)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_error", msg, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.HIncrBy(ctx, key, "failures", 1)
		return nil
	})
	if err != nil {
		return errors.NewStorageError(errors.OpMarkFailed, errors.StorageErrWrite, "mark partial "+entity, err)
	}
	return nil
}

// Clear implements PartialStore.
func (s *RedisPartialStore) Clear(ctx context.Context, entity string) error {
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, partialKeyPrefix+entity)
		pipe.ZRem(ctx, partialIndexKey, entity)
		return nil
	})
	if err != nil {
		return errors.NewStorageError(errors.OpClear, errors.StorageErrWrite, "clear partial "+entity, err)
	}
	return nil
}
