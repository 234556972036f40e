package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEventLog deduplicates gateway events across processes with SETNX and
// a TTL matching the retention window.
type RedisEventLog struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewRedisEventLog wraps an existing Redis client. A non-positive retention
// falls back to DefaultEventRetention.
func NewRedisEventLog(client redis.UniversalClient, retention time.Duration) *RedisEventLog {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &RedisEventLog{
		client:    client,
		keyPrefix: "billing:webhook:event:",
		retention: retention,
	}
}

func (l *RedisEventLog) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.keyPrefix+eventID, 1, l.retention).Result()
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return ok, nil
}

func (l *RedisEventLog) Unmark(ctx context.Context, eventID string) error {
	if err := l.client.Del(ctx, l.keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("unmark event: %w", err)
	}
	return nil
}
