package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"merchantstock/backend/internal/domain"
)

const merchantKeyPrefix = "merchantstock:merchant:"

type RedisMerchantCache struct {
	client *redis.Client
}

func NewRedisMerchantCache(addr string, password string, db int) *RedisMerchantCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisMerchantCache{client: client}
}

func (c *RedisMerchantCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisMerchantCache) Close() error {
	return c.client.Close()
}

func (c *RedisMerchantCache) Get(ctx context.Context, id string) (*domain.Merchant, bool, error) {
	val, err := c.client.Get(ctx, merchantKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var m domain.Merchant
	if err := json.Unmarshal(val, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (c *RedisMerchantCache) Set(ctx context.Context, merchant domain.Merchant, ttl time.Duration) error {
	payload, err := json.Marshal(merchant)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, merchantKeyPrefix+merchant.ID, payload, ttl).Err()
}

func (c *RedisMerchantCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, merchantKeyPrefix+id).Err()
}
