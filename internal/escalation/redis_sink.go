package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/outbound-dispatch/internal/model"
)

const DefaultRedisKey = "escalations"

// RedisSink pushes entries onto a Redis list. Newest entries are at the head.
type RedisSink struct {
	rdb *redis.Client
	key string
}

func NewRedisSink(rdb *redis.Client, key string) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{rdb: rdb, key: key}
}

func (s *RedisSink) Escalate(ctx context.Context, e model.EscalationEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.rdb.LPush(ctx, s.key, b).Err(); err != nil {
		return fmt.Errorf("push escalation %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]model.EscalationEntry, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := s.rdb.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]model.EscalationEntry, 0, len(raw))
	for _, r := range raw {
		var e model.EscalationEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
