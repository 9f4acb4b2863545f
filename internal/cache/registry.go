package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeRegistry reserves access codes so that two tests never hold the same
// code at once. Reserve reports false when code is already taken by another
// owner.
type CodeRegistry interface {
	Reserve(ctx context.Context, code, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, code string) error
}

type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedisRegistry(rdb *redis.Client) *RedisRegistry { return &RedisRegistry{rdb: rdb} }

func codeKey(code string) string { return "quiz:code:" + code }

func (r *RedisRegistry) Reserve(ctx context.Context, code, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, codeKey(code), owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	// re-reserving our own code is not a collision
	cur, err := r.rdb.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return r.rdb.SetNX(ctx, codeKey(code), owner, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	return cur == owner, nil
}

func (r *RedisRegistry) Release(ctx context.Context, code string) error {
	return r.rdb.Del(ctx, codeKey(code)).Err()
}

type memoryReservation struct {
	owner   string
	expires time.Time
}

type MemoryRegistry struct {
	mu    sync.Mutex
	codes map[string]memoryReservation
	now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{codes: map[string]memoryReservation{}, now: time.Now}
}

func (r *MemoryRegistry) Reserve(_ context.Context, code, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if cur, ok := r.codes[code]; ok && (cur.expires.IsZero() || now.Before(cur.expires)) {
		return cur.owner == owner, nil
	}
	res := memoryReservation{owner: owner}
	if ttl > 0 {
		res.expires = now.Add(ttl)
	}
	r.codes[code] = res
	return true, nil
}

func (r *MemoryRegistry) Release(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
	return nil
}
