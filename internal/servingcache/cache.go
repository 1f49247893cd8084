package servingcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clinicq/queue-service/internal/models"

	"github.com/redis/go-redis/v9"
)

const servingKey = "clinicq:serving_state"

// Cache keeps the last known current-serving pointer in redis so a client
// reload shows a live number before the store round-trip completes. It is a
// latency optimization only; the store value always overwrites it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr, password string, db int, ttl time.Duration) *Cache {
	if addr == "" {
		return &Cache{}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

func (c *Cache) Get(ctx context.Context) (models.ServingState, bool, error) {
	if !c.Enabled() {
		return models.ServingState{}, false, nil
	}
	raw, err := c.client.Get(ctx, servingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.ServingState{}, false, nil
		}
		return models.ServingState{}, false, err
	}
	var state models.ServingState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return models.ServingState{}, false, err
	}
	return state, true, nil
}

func (c *Cache) Set(ctx context.Context, state models.ServingState) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, servingKey, raw, c.ttl).Err()
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
