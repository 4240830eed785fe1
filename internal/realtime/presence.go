package realtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// Presence tracks connected users in a sorted set scored by last heartbeat.
// A user with several connections stays online until the last one leaves.
type Presence struct {
	client    *redis.Client
	key       string
	connsKey  string
	ttl       time.Duration
	publisher publisher
	now       func() time.Time
}

func NewPresence(client *redis.Client, ttl time.Duration, pub publisher) *Presence {
	return &Presence{
		client:    client,
		key:       keyPrefix + "presence:online",
		connsKey:  keyPrefix + "presence:conns",
		ttl:       ttl,
		publisher: pub,
		now:       time.Now,
	}
}

func (p *Presence) Join(ctx context.Context, userID string) error {
	if err := p.client.HIncrBy(ctx, p.connsKey, userID, 1).Err(); err != nil {
		return fmt.Errorf("count connection: %w", err)
	}
	if err := p.touch(ctx, userID); err != nil {
		return err
	}
	return p.announce(ctx, userID)
}

func (p *Presence) Heartbeat(ctx context.Context, userID string) error {
	return p.touch(ctx, userID)
}

func (p *Presence) Leave(ctx context.Context, userID string) error {
	remaining, err := p.client.HIncrBy(ctx, p.connsKey, userID, -1).Result()
	if err != nil {
		return fmt.Errorf("count connection: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	if err := p.client.HDel(ctx, p.connsKey, userID).Err(); err != nil {
		return fmt.Errorf("clear connections: %w", err)
	}
	if err := p.client.ZRem(ctx, p.key, userID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return p.announce(ctx, userID)
}

// Online returns the ids with a heartbeat inside the ttl, sorted.
func (p *Presence) Online(ctx context.Context) ([]string, error) {
	cutoff := p.now().Add(-p.ttl).UnixMilli()
	if err := p.client.ZRemRangeByScore(ctx, p.key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("expire presence: %w", err)
	}
	ids, err := p.client.ZRange(ctx, p.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Presence) touch(ctx context.Context, userID string) error {
	member := redis.Z{Score: float64(p.now().UnixMilli()), Member: userID}
	if err := p.client.ZAdd(ctx, p.key, member).Err(); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	return nil
}

func (p *Presence) announce(ctx context.Context, userID string) error {
	if p.publisher == nil {
		return nil
	}
	online, err := p.Online(ctx)
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, PresenceTopic, Event{
		Type:      EventPresence,
		EntityID:  userID,
		Timestamp: p.now().UTC(),
		Online:    online,
	})
}
