// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"

	"github.com/hashicorp/pulse/pulse/structs"
)

const (
	// redisResourceKeyPrefix + "<type>:<id>" holds a hash with the
	// lease payload and owning worker. The key TTL is the lease expiry.
	redisResourceKeyPrefix = "pulse:lease:"

	// redisIDKeyPrefix + "<lease_id>" maps a lease id back to its
	// resource key, with the same TTL.
	redisIDKeyPrefix = "pulse:lease_id:"
)

// Script results: 1 applied, 0 key absent, -1 owned by another worker.
var (
	// KEYS[1] resource key, KEYS[2] id key.
	// ARGV[1] payload, ARGV[2] worker, ARGV[3] ttl ms.
	redisAcquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'worker', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], KEYS[1], 'PX', ARGV[3])
return 1
`)

	// ARGV[1] worker, ARGV[2] payload, ARGV[3] ttl ms.
	redisUpdateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'worker') ~= ARGV[1] then
  return -1
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], KEYS[1], 'PX', ARGV[3])
return 1
`)

	// ARGV[1] worker.
	redisReleaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'worker') ~= ARGV[1] then
  return -1
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`)
)

// RedisBackend stores leases in Redis so multiple orchestrator
// processes can contend for the same resources. Key TTLs carry the
// expiry, so a crashed holder frees its resources without a sweeper.
type RedisBackend struct {
	rdb   redis.UniversalClient
	clock clock.Clock
}

// NewRedisBackend wraps a Redis client as a lease substrate.
func NewRedisBackend(rdb redis.UniversalClient, clk clock.Clock) *RedisBackend {
	return &RedisBackend{rdb: rdb, clock: clk}
}

func (b *RedisBackend) Name() string { return "redis" }

func resourceKey(resourceType, resourceID string) string {
	return redisResourceKeyPrefix + resourceType + ":" + resourceID
}

func idKey(leaseID string) string {
	return redisIDKeyPrefix + leaseID
}

func (b *RedisBackend) ttlMillis(l *structs.Lease) int64 {
	return l.ExpiresAt.Sub(b.clock.Now().UTC()).Milliseconds()
}

func (b *RedisBackend) Acquire(ctx context.Context, l *structs.Lease) error {
	if err := l.Validate(); err != nil {
		return err
	}
	ttl := b.ttlMillis(l)
	if ttl <= 0 {
		return structs.NewErr(structs.ErrValidation, "lease %s expires in the past", l.ID).WithLease(l.ID)
	}

	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("lease encode failed: %v", err)
	}

	keys := []string{resourceKey(l.ResourceType, l.ResourceID), idKey(l.ID)}
	res, err := redisAcquireScript.Run(ctx, b.rdb, keys, payload, l.WorkerID, ttl).Int()
	if err != nil {
		return structs.WrapErr(structs.ErrUnavailable, err, "lease store unreachable")
	}
	if res == 0 {
		holder, _ := b.GetByResource(ctx, l.ResourceType, l.ResourceID)
		msg := "resource is leased"
		if holder != nil {
			msg = fmt.Sprintf("resource is leased to worker %s until %s",
				holder.WorkerID, holder.ExpiresAt.Format(time.RFC3339))
		}
		return structs.NewErr(structs.ErrNoneAvailable, "%s/%s: %s",
			l.ResourceType, l.ResourceID, msg)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*structs.Lease, error) {
	key, err := b.rdb.Get(ctx, idKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, structs.WrapErr(structs.ErrUnavailable, err, "lease store unreachable")
	}
	return b.getByKey(ctx, key)
}

func (b *RedisBackend) GetByResource(ctx context.Context, resourceType, resourceID string) (*structs.Lease, error) {
	return b.getByKey(ctx, resourceKey(resourceType, resourceID))
}

func (b *RedisBackend) getByKey(ctx context.Context, key string) (*structs.Lease, error) {
	payload, err := b.rdb.HGet(ctx, key, "payload").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, structs.WrapErr(structs.ErrUnavailable, err, "lease store unreachable")
	}

	var l structs.Lease
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return nil, fmt.Errorf("lease decode failed: %v", err)
	}
	return &l, nil
}

func (b *RedisBackend) Update(ctx context.Context, l *structs.Lease) error {
	ttl := b.ttlMillis(l)
	if ttl <= 0 {
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", l.ID).WithLease(l.ID)
	}

	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("lease encode failed: %v", err)
	}

	keys := []string{resourceKey(l.ResourceType, l.ResourceID), idKey(l.ID)}
	res, err := redisUpdateScript.Run(ctx, b.rdb, keys, l.WorkerID, payload, ttl).Int()
	if err != nil {
		return structs.WrapErr(structs.ErrUnavailable, err, "lease store unreachable")
	}
	switch res {
	case 0:
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", l.ID).WithLease(l.ID)
	case -1:
		return structs.NewErr(structs.ErrForbidden,
			"lease %s is owned by another worker", l.ID).WithLease(l.ID)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id, workerID string) error {
	existing, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", id).WithLease(id)
	}

	keys := []string{resourceKey(existing.ResourceType, existing.ResourceID), idKey(id)}
	res, err := redisReleaseScript.Run(ctx, b.rdb, keys, workerID).Int()
	if err != nil {
		return structs.WrapErr(structs.ErrUnavailable, err, "lease store unreachable")
	}
	switch res {
	case 0:
		return structs.NewErr(structs.ErrNotFound, "lease %s expired or released", id).WithLease(id)
	case -1:
		return structs.NewErr(structs.ErrForbidden,
			"lease %s is owned by another worker", id).WithLease(id)
	}
	return nil
}

// Reap is a no-op: Redis key TTLs already expire lapsed leases.
func (b *RedisBackend) Reap(context.Context, time.Time) (int, error) {
	return 0, nil
}
