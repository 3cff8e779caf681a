package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each fingerprint is a hash with owner, status and the JSON record. The
// scripts check the owner and write in one step.
var (
	acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HGET', KEYS[1], 'record')
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'status', 'in_flight', 'record', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return false
`)

	renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'status') == 'in_flight' then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	completeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'status', 'completed', 'record', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'status') == 'in_flight' then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisStore shares records between replicas. Expiry is left to Redis TTLs.
// Waiters poll; there is no completion signal across replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(fp string) string {
	return s.prefix + fp
}

func (s *RedisStore) Acquire(ctx context.Context, fp, owner string, now time.Time, ttl time.Duration) (*Record, bool, error) {
	rec := Record{Fingerprint: fp, Status: StatusInFlight, Owner: owner, CreatedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	existing, err := acquireScript.Run(ctx, s.client, []string{s.key(fp)}, owner, data, ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return &rec, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	var held Record
	if err := json.Unmarshal([]byte(existing), &held); err != nil {
		return nil, false, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	return &held, false, nil
}

func (s *RedisStore) Renew(ctx context.Context, fp, owner string, _ time.Time, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.key(fp)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to renew idempotency key: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Complete(ctx context.Context, fp, owner string, result Result, now time.Time, retention time.Duration) error {
	createdAt := now
	if existing, err := s.Get(ctx, fp, now); err == nil && existing != nil && existing.Owner == owner {
		createdAt = existing.CreatedAt
	}
	res := result
	data, err := json.Marshal(Record{Fingerprint: fp, Status: StatusCompleted, Owner: owner, Result: &res, CreatedAt: createdAt})
	if err != nil {
		return err
	}
	n, err := completeScript.Run(ctx, s.client, []string{s.key(fp)}, owner, data, retention.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to store idempotency result: %w", err)
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, fp, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(fp)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, fp string, _ time.Time) (*Record, error) {
	data, err := s.client.HGet(ctx, s.key(fp), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	return &rec, nil
}

// Purge is a no-op; Redis expires keys itself.
func (s *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
