package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper remembers delivered event keys per consumer so a redelivered
// event is dropped. Keys expire after ttl.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: keyPrefix + "seen:", ttl: ttl}
}

func (d *RedisDeduper) key(consumer, eventKey string) string {
	return fmt.Sprintf("%s%s:%s", d.prefix, consumer, eventKey)
}

// FirstDelivery records eventKey for consumer and reports whether it was
// not seen before.
func (d *RedisDeduper) FirstDelivery(ctx context.Context, consumer, eventKey string) (bool, error) {
	added, err := d.client.SetNX(ctx, d.key(consumer, eventKey), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return added, nil
}

// Forget removes a recorded key so the event can be processed again.
func (d *RedisDeduper) Forget(ctx context.Context, consumer, eventKey string) error {
	if err := d.client.Del(ctx, d.key(consumer, eventKey)).Err(); err != nil {
		return fmt.Errorf("forget delivery: %w", err)
	}
	return nil
}
