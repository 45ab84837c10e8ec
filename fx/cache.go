package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ticket-payment-service/models"

	"github.com/redis/go-redis/v9"
)

// RateCache holds the last-known-good rate per pair so every instance can
// quote while the database has no fresh row. Load returns nil, nil on a miss.
type RateCache interface {
	Load(ctx context.Context, from, to string) (*models.FXRate, error)
	Store(ctx context.Context, rate *models.FXRate) error
}

type RedisRateCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRateCache(client *redis.Client, ttl time.Duration) *RedisRateCache {
	return &RedisRateCache{client: client, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func cacheKey(from, to string) string {
	return "fx:last_good:" + strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

func (c *RedisRateCache) Load(ctx context.Context, from, to string) (*models.FXRate, error) {
	data, err := c.client.Get(ctx, cacheKey(from, to)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rate models.FXRate
	if err := json.Unmarshal(data, &rate); err != nil {
		return nil, fmt.Errorf("decode cached rate: %w", err)
	}
	return &rate, nil
}

func (c *RedisRateCache) Store(ctx context.Context, rate *models.FXRate) error {
	data, err := json.Marshal(rate)
	if err != nil {
		return fmt.Errorf("encode rate: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(rate.FromCurrency, rate.ToCurrency), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
