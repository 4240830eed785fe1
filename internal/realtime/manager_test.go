package realtime

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/api/internal/board"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return m, rc
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	_, rc := newTestRedis(t)
	logger, _ := test.NewNullLogger()
	manager := NewManager(rc, NewRedisDeduper(rc, time.Minute), logger)
	defer manager.Close()

	ctx := context.Background()
	sub, err := manager.Subscribe(ctx, "ws:u1", ProjectTopic("p1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := Event{
		Type:      EventChat,
		ProjectID: "p1",
		EntityID:  "m1",
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Chat:      &board.ChatMessage{ID: "m1", ProjectID: "p1", AuthorID: "u2", Text: "hi"},
	}
	if err := manager.Publish(ctx, ProjectTopic("p1"), sent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := receive(t, sub)
	if got.Type != EventChat || got.Chat == nil || got.Chat.Text != "hi" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestRedeliveredEventIsDroppedPerConsumer(t *testing.T) {
	_, rc := newTestRedis(t)
	manager := NewManager(rc, NewRedisDeduper(rc, time.Minute), nil)
	defer manager.Close()

	ctx := context.Background()
	first, err := manager.Subscribe(ctx, "ws:u1", ProjectTopic("p1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := manager.Subscribe(ctx, "ws:u2", ProjectTopic("p1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	event := Event{Type: EventTaskDelete, ProjectID: "p1", EntityID: "t1", Timestamp: time.Unix(1700000000, 42)}
	for i := 0; i < 2; i++ {
		if err := manager.Publish(ctx, ProjectTopic("p1"), event); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	receive(t, first)
	receive(t, second)
	expectNothing(t, first)
	expectNothing(t, second)
}

func TestUnsubscribeClosesEventsImmediately(t *testing.T) {
	_, rc := newTestRedis(t)
	manager := NewManager(rc, nil, nil)
	defer manager.Close()

	ctx := context.Background()
	sub, err := manager.Subscribe(ctx, "sse:1", ProjectTopic("p1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	manager.Unsubscribe("sse:1", ProjectTopic("p1"))

	if err := manager.Publish(ctx, ProjectTopic("p1"), Event{Type: EventChat, ProjectID: "p1", EntityID: "m1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSubscribeTwiceReturnsSameSubscription(t *testing.T) {
	_, rc := newTestRedis(t)
	manager := NewManager(rc, nil, nil)
	defer manager.Close()

	a, err := manager.Subscribe(context.Background(), "c", PresenceTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := manager.Subscribe(context.Background(), "c", PresenceTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if a != b {
		t.Fatal("expected the existing subscription")
	}
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	_, rc := newTestRedis(t)
	manager := NewManager(rc, nil, nil)
	manager.Close()
	if _, err := manager.Subscribe(context.Background(), "c", PresenceTopic); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDeduperForgetAllowsRedelivery(t *testing.T) {
	m, rc := newTestRedis(t)
	deduper := NewRedisDeduper(rc, time.Minute)
	ctx := context.Background()

	first, err := deduper.FirstDelivery(ctx, "c", "t1:1")
	if err != nil || !first {
		t.Fatalf("expected first delivery, got %v %v", first, err)
	}
	if !m.Exists("taskboard:seen:c:t1:1") {
		t.Fatal("expected dedupe key")
	}
	again, _ := deduper.FirstDelivery(ctx, "c", "t1:1")
	if again {
		t.Fatal("expected redelivery to be detected")
	}
	if err := deduper.Forget(ctx, "c", "t1:1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	again, _ = deduper.FirstDelivery(ctx, "c", "t1:1")
	if !again {
		t.Fatal("expected delivery after forget")
	}

	m.FastForward(2 * time.Minute)
	if m.Exists("taskboard:seen:c:t1:1") {
		t.Fatal("expected dedupe key to expire")
	}
}

func TestUndeliveredEventIsReleasedOnUnsubscribe(t *testing.T) {
	m, rc := newTestRedis(t)
	manager := NewManager(rc, NewRedisDeduper(rc, time.Minute), nil)
	manager.buffer = 0
	defer manager.Close()

	ctx := context.Background()
	if _, err := manager.Subscribe(ctx, "ws:u1", ProjectTopic("p1")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	event := Event{Type: EventTaskDelete, ProjectID: "p1", EntityID: "t1", Timestamp: time.Unix(1700000000, 7)}
	if err := manager.Publish(ctx, ProjectTopic("p1"), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	key := "taskboard:seen:ws:u1:" + event.DedupeKey()
	deadline := time.Now().Add(time.Second)
	for !m.Exists(key) {
		if time.Now().After(deadline) {
			t.Fatal("event was never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Nobody reads the unbuffered channel, so the event is still pending.
	manager.Unsubscribe("ws:u1", ProjectTopic("p1"))
	if m.Exists(key) {
		t.Fatal("expected the dedupe key released")
	}

	sub, err := manager.Subscribe(ctx, "ws:u1", ProjectTopic("p1"))
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if err := manager.Publish(ctx, ProjectTopic("p1"), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, sub); got.EntityID != "t1" {
		t.Fatalf("unexpected event %+v", got)
	}
}
