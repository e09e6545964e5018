// internal/lock/redis.go
package lock

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
)

const redisKeyPrefix = "invoicechain:lock:"

// acquireScript sets every key to the owner token, or none of them. It
// returns the keys that were already set.
var acquireScript = redis.NewScript(`
	local conflicts = {}
	for i, key in ipairs(KEYS) do
		if redis.call("EXISTS", key) == 1 then
			conflicts[#conflicts + 1] = key
		end
	end
	if #conflicts > 0 then
		return conflicts
	end
	for i, key in ipairs(KEYS) do
		redis.call("SET", key, ARGV[1], "PX", ARGV[2])
	end
	return conflicts
`)

// releaseScript deletes the keys still owned by the token.
var releaseScript = redis.NewScript(`
	local n = 0
	for i, key in ipairs(KEYS) do
		if redis.call("GET", key) == ARGV[1] then
			redis.call("DEL", key)
			n = n + 1
		end
	end
	return n
`)

// RedisRegistry shares the lock set between processes. The TTL only bounds
// the damage of a crashed holder; flows always release explicitly.
type RedisRegistry struct {
	client   redis.UniversalClient
	ttl      time.Duration
	logger   *logging.Logger
	observer Observer
}

// NewRedisRegistry creates a registry on client. observer may be nil.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration, logger *logging.Logger, observer Observer) *RedisRegistry {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &RedisRegistry{client: client, ttl: ttl, logger: logger, observer: observer}
}

// TryAcquire implements Registry.
func (r *RedisRegistry) TryAcquire(ctx context.Context, keys ...string) (*Lock, error) {
	keys, err := normalize(keys)
	if err != nil {
		return nil, err
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = redisKeyPrefix + k
	}
	token := uuid.NewString()

	res, err := acquireScript.Run(ctx, r.client, redisKeys, token, r.ttl.Milliseconds()).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, errors.NewStorageError(errors.OpLockAcquire, errors.StorageErrScript, "acquire lock", err)
	}
	if len(res) > 0 {
		conflicts := make([]string, len(res))
		for i, k := range res {
			conflicts[i] = strings.TrimPrefix(k, redisKeyPrefix)
		}
		sort.Strings(conflicts)
		return nil, &AlreadyLockedError{Keys: conflicts}
	}
	r.observer.AddLocksHeld(len(keys))

	return newLock(keys, func() {
		// Release must run even when the flow's context is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, redisKeys, token).Int()
		if err != nil {
			r.logger.Error("Failed to release lock", "keys", keys, "error", err)
			return
		}
		if n != len(keys) {
			r.logger.Warn("Lock keys expired before release", "keys", keys, "released", n)
		}
		r.observer.AddLocksHeld(-n)
	}), nil
}

// Held implements Registry.
func (r *RedisRegistry) Held(ctx context.Context) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.NewStorageError(errors.OpList, errors.StorageErrRead, "scan locks", err)
	}
	sort.Strings(out)
	return out, nil
}
