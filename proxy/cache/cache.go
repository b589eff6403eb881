// Package cache memoizes terminal job responses and provides per-job mutual
// exclusion through leased locks, both backed by a Redis store shared by
// every proxy instance. All store traffic flows through the cache-store
// circuit breaker; an Open breaker surfaces CIRCUIT_OPEN instead of
// silently bypassing idempotency, and other store failures map to
// NETWORK_ERROR.
package cache

import (
	"context"
	"time"

	"github.com/blobkit/blobproxy/proxy/breaker"
	"github.com/blobkit/blobproxy/proxy/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "cache")

const (
	resultKeyPrefix = "blobproxy:job:"
	lockKeyPrefix   = "blobproxy:lock:"
)

// releaseScript deletes the lock only when the caller still holds it, so a
// worker whose lease expired cannot release a lock acquired by another
// worker.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// extendScript refreshes the lease only for the current holder.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// Store is the Redis-backed job cache.
type Store struct {
	client    redis.UniversalClient
	brk       *breaker.Breaker
	lockTTL   time.Duration
	resultTTL time.Duration
}

// New builds a Store around an established Redis client.
func New(client redis.UniversalClient, brk *breaker.Breaker, lockTTL, resultTTL time.Duration) *Store {
	return &Store{client: client, brk: brk, lockTTL: lockTTL, resultTTL: resultTTL}
}

// Dial connects to the Redis URL and verifies the connection.
func Dial(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func resultKey(jobID common.Hash) string {
	return resultKeyPrefix + jobID.Hex()
}

func lockKey(jobID common.Hash) string {
	return lockKeyPrefix + jobID.Hex()
}

// Get returns the memoized terminal response bytes for jobID, or nil when
// absent. The bytes are returned exactly as stored so duplicate submissions
// observe a byte-identical body.
func (s *Store) Get(ctx context.Context, jobID common.Hash) ([]byte, error) {
	var body []byte
	err := s.brk.Call(func() error {
		v, err := s.client.Get(ctx, resultKey(jobID)).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		body = v
		return nil
	})
	if err != nil {
		if types.AsError(err).Code == types.CodeCircuitOpen {
			return nil, err
		}
		return nil, types.WrapError(err, types.CodeNetworkError, "could not read job cache")
	}
	return body, nil
}

// Set memoizes the terminal response for jobID. Written only after terminal
// success; immutable thereafter.
func (s *Store) Set(ctx context.Context, jobID common.Hash, body []byte) error {
	err := s.brk.Call(func() error {
		return s.client.Set(ctx, resultKey(jobID), body, s.resultTTL).Err()
	})
	if err != nil {
		return types.WrapError(err, types.CodeNetworkError, "could not write job cache")
	}
	return nil
}

// AcquireLock takes the per-job lease. It returns the holder token, or ""
// when another worker holds the lock.
func (s *Store) AcquireLock(ctx context.Context, jobID common.Hash) (string, error) {
	token := uuid.NewString()
	var acquired bool
	err := s.brk.Call(func() error {
		ok, err := s.client.SetNX(ctx, lockKey(jobID), token, s.lockTTL).Result()
		if err != nil {
			return err
		}
		acquired = ok
		return nil
	})
	if err != nil {
		return "", types.WrapError(err, types.CodeNetworkError, "could not acquire job lock")
	}
	if !acquired {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases the lease when token still holds it. Safe to call on
// every exit path; releasing an expired or foreign lease is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, jobID common.Hash, token string) {
	err := s.brk.Call(func() error {
		return releaseScript.Run(ctx, s.client, []string{lockKey(jobID)}, token).Err()
	})
	if err != nil {
		// The lease self-releases on TTL expiry; log and move on.
		log.WithError(err).WithField("jobId", jobID.Hex()).Warn("Could not release job lock")
	}
}

// ExtendLock refreshes the lease for long-running work. Returns false when
// the lease was lost.
func (s *Store) ExtendLock(ctx context.Context, jobID common.Hash, token string) bool {
	var extended bool
	err := s.brk.Call(func() error {
		n, err := extendScript.Run(ctx, s.client, []string{lockKey(jobID)}, token, s.lockTTL.Milliseconds()).Int()
		if err != nil {
			return err
		}
		extended = n == 1
		return nil
	})
	if err != nil {
		return false
	}
	return extended
}
