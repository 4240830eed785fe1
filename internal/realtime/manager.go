package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "taskboard:"

var ErrClosed = errors.New("realtime manager closed")

// Deduper reports whether a consumer sees an event key for the first time.
// Forget releases a key whose event was never handed to the consumer.
type Deduper interface {
	FirstDelivery(ctx context.Context, consumer, eventKey string) (bool, error)
	Forget(ctx context.Context, consumer, eventKey string) error
}

// Manager owns the pub/sub subscriptions of one process. A subscription is
// identified by consumer and topic; each consumer dedupes independently.
type Manager struct {
	client  *redis.Client
	deduper Deduper
	logger  log.FieldLogger
	buffer  int

	mu     sync.Mutex
	subs   map[subscriptionKey]*Subscription
	closed bool
}

type subscriptionKey struct {
	consumer string
	topic    string
}

type Subscription struct {
	consumer string
	topic    string
	pubsub   *redis.PubSub
	events   chan Event
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
	<-s.stopped
}

// Connect parses redisURL and verifies the server is reachable.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewManager(client *redis.Client, deduper Deduper, logger log.FieldLogger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		client:  client,
		deduper: deduper,
		logger:  logger.WithField("component", "realtime"),
		buffer:  64,
		subs:    make(map[subscriptionKey]*Subscription),
	}
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Subscribe starts delivering events published on topic to consumer. The
// subscription is active on the server when Subscribe returns. Subscribing
// twice with the same consumer and topic returns the existing subscription.
func (m *Manager) Subscribe(ctx context.Context, consumer, topic string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	key := subscriptionKey{consumer: consumer, topic: topic}
	if existing, ok := m.subs[key]; ok {
		return existing, nil
	}

	pubsub := m.client.Subscribe(ctx, keyPrefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &Subscription{
		consumer: consumer,
		topic:    topic,
		pubsub:   pubsub,
		events:   make(chan Event, m.buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	m.subs[key] = sub
	go m.run(sub)
	return sub, nil
}

// Unsubscribe ends the subscription immediately. Messages still in flight
// for it are dropped.
func (m *Manager) Unsubscribe(consumer, topic string) {
	key := subscriptionKey{consumer: consumer, topic: topic}
	m.mu.Lock()
	sub, ok := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	if ok {
		sub.stop()
	}
}

func (m *Manager) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.client.Publish(ctx, keyPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close ends every subscription. The redis client is owned by the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for key, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, key)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (m *Manager) run(sub *Subscription) {
	defer close(sub.stopped)
	defer close(sub.events)

	logger := m.logger.WithFields(log.Fields{"consumer": sub.consumer, "topic": sub.topic})
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.WithError(err).Warn("unable to parse event")
				continue
			}
			if !m.firstDelivery(logger, sub.consumer, event) {
				continue
			}
			select {
			case sub.events <- event:
			case <-sub.done:
				// Recorded but not handed over; a later subscription by the
				// same consumer must still receive it.
				m.forget(logger, sub.consumer, event)
				return
			}
		}
	}
}

// firstDelivery fails open: when the deduper is unreachable the event is
// delivered, since applying an event twice is harmless.
func (m *Manager) firstDelivery(logger log.FieldLogger, consumer string, event Event) bool {
	if m.deduper == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := m.deduper.FirstDelivery(ctx, consumer, event.DedupeKey())
	if err != nil {
		logger.WithError(err).Warn("dedupe check failed")
		return true
	}
	if !first {
		logger.WithField("event", event.DedupeKey()).Debug("dropping redelivered event")
	}
	return first
}

func (m *Manager) forget(logger log.FieldLogger, consumer string, event Event) {
	if m.deduper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.deduper.Forget(ctx, consumer, event.DedupeKey()); err != nil {
		logger.WithError(err).Warn("release dedupe key failed")
	}
}
