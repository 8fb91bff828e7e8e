package fsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
)

type HealthState struct {
	FSPCode       string                `json:"fsp_code"`
	Status        fspmodel.HealthStatus `json:"status"`
	CheckedAt     time.Time             `json:"checked_at"`
	LastHealthyAt time.Time             `json:"last_healthy_at,omitempty"`
	Message       string                `json:"message,omitempty"`
}

func (h HealthState) Healthy() bool {
	return h.Status == fspmodel.HealthHealthy
}

// HealthCache holds the latest probe result per FSP. Readers on the
// submission path only ever read it.
type HealthCache interface {
	Store(ctx context.Context, state HealthState) error
	Load(ctx context.Context, fspCode string) (HealthState, bool)
	Snapshot(ctx context.Context) map[string]HealthState
}

// MemoryHealthCache swaps immutable maps so readers never take a lock.
type MemoryHealthCache struct {
	states atomic.Pointer[map[string]HealthState]
}

func NewMemoryHealthCache() *MemoryHealthCache {
	c := &MemoryHealthCache{}
	empty := map[string]HealthState{}
	c.states.Store(&empty)
	return c
}

func (c *MemoryHealthCache) Store(_ context.Context, state HealthState) error {
	for {
		old := c.states.Load()
		next := make(map[string]HealthState, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[state.FSPCode] = state
		if c.states.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

func (c *MemoryHealthCache) Load(_ context.Context, fspCode string) (HealthState, bool) {
	st, ok := (*c.states.Load())[fspCode]
	return st, ok
}

func (c *MemoryHealthCache) Snapshot(_ context.Context) map[string]HealthState {
	return *c.states.Load()
}

const redisHealthKey = "fsp:health"

// RedisHealthCache shares probe results between API and worker processes.
type RedisHealthCache struct {
	client *redis.Client
}

func NewRedisHealthCache(client *redis.Client) *RedisHealthCache {
	return &RedisHealthCache{client: client}
}

func (c *RedisHealthCache) Store(ctx context.Context, state HealthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode health state: %w", err)
	}
	return c.client.HSet(ctx, redisHealthKey, state.FSPCode, data).Err()
}

func (c *RedisHealthCache) Load(ctx context.Context, fspCode string) (HealthState, bool) {
	raw, err := c.client.HGet(ctx, redisHealthKey, fspCode).Bytes()
	if err != nil {
		return HealthState{}, false
	}
	var st HealthState
	if err := json.Unmarshal(raw, &st); err != nil {
		return HealthState{}, false
	}
	return st, true
}

func (c *RedisHealthCache) Snapshot(ctx context.Context) map[string]HealthState {
	out := map[string]HealthState{}
	all, err := c.client.HGetAll(ctx, redisHealthKey).Result()
	if err != nil {
		return out
	}
	for code, raw := range all {
		var st HealthState
		if err := json.Unmarshal([]byte(raw), &st); err == nil {
			out[code] = st
		}
	}
	return out
}
