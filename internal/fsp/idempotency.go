package fsp

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDeduper remembers which (fsp, reference, event) callbacks were
// already applied.
type WebhookDeduper interface {
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a redelivery of a callback that failed to
	// apply is processed again.
	Release(ctx context.Context, key string) error
}

type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, "fsp:webhook:"+key, 1, ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, "fsp:webhook:"+key).Err()
}
