package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func receiptKey(id int64) string {
	return fmt.Sprintf("outbound:receipt:%d", id)
}

func (c *RedisCache) StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error {
	b, err := json.Marshal(Receipt{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, receiptKey(internalID), b, c.ttl).Err()
}

func (c *RedisCache) GetSent(ctx context.Context, internalID int64) (Receipt, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(internalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, ErrMiss
	}
	if err != nil {
		return Receipt{}, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt %d: %w", internalID, err)
	}
	return r, nil
}
