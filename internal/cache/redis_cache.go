package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokoku/backend/internal/domain"
)

type RedisSettingsCache struct {
	client *redis.Client
}

func NewRedisSettingsCache(addr string, password string, db int) *RedisSettingsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSettingsCache{client: client}
}

func (c *RedisSettingsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettingsCache) Close() error {
	return c.client.Close()
}

func (c *RedisSettingsCache) Get(ctx context.Context, accountID string) (*domain.AppSettings, bool, error) {
	val, err := c.client.Get(ctx, settingsKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var settings domain.AppSettings
	if err := json.Unmarshal(val, &settings); err != nil {
		return nil, false, err
	}
	return &settings, true, nil
}

func (c *RedisSettingsCache) Set(ctx context.Context, accountID string, value *domain.AppSettings, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, settingsKey(accountID), payload, ttl).Err()
}

func (c *RedisSettingsCache) Invalidate(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, settingsKey(accountID)).Err()
}
