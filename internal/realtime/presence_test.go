package realtime

import (
	"context"
	"reflect"
	"testing"
	"time"
)

type recordingPublisher struct {
	events []Event
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, event Event) error {
	if topic != PresenceTopic {
		return nil
	}
	r.events = append(r.events, event)
	return nil
}

func TestPresenceJoinLeaveAnnouncesOnlineSet(t *testing.T) {
	_, rc := newTestRedis(t)
	pub := &recordingPublisher{}
	presence := NewPresence(rc, time.Minute, pub)
	ctx := context.Background()

	if err := presence.Join(ctx, "u2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := presence.Join(ctx, "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	online, err := presence.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !reflect.DeepEqual(online, []string{"u1", "u2"}) {
		t.Fatalf("unexpected online set %v", online)
	}
	if err := presence.Leave(ctx, "u2"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if len(pub.events) != 3 {
		t.Fatalf("expected 3 presence events, got %d", len(pub.events))
	}
	last := pub.events[2]
	if last.EntityID != "u2" || !reflect.DeepEqual(last.Online, []string{"u1"}) {
		t.Fatalf("unexpected leave event %+v", last)
	}
}

func TestPresenceKeepsUserWithAnotherConnection(t *testing.T) {
	_, rc := newTestRedis(t)
	presence := NewPresence(rc, time.Minute, nil)
	ctx := context.Background()

	_ = presence.Join(ctx, "u1")
	_ = presence.Join(ctx, "u1")
	if err := presence.Leave(ctx, "u1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	online, _ := presence.Online(ctx)
	if !reflect.DeepEqual(online, []string{"u1"}) {
		t.Fatalf("expected u1 still online, got %v", online)
	}
	_ = presence.Leave(ctx, "u1")
	online, _ = presence.Online(ctx)
	if len(online) != 0 {
		t.Fatalf("expected nobody online, got %v", online)
	}
}

func TestPresenceExpiresWithoutHeartbeat(t *testing.T) {
	_, rc := newTestRedis(t)
	presence := NewPresence(rc, time.Minute, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	presence.now = func() time.Time { return now }
	ctx := context.Background()

	_ = presence.Join(ctx, "u1")
	_ = presence.Join(ctx, "u2")

	now = now.Add(45 * time.Second)
	if err := presence.Heartbeat(ctx, "u2"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	now = now.Add(30 * time.Second)

	online, err := presence.Online(ctx)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if !reflect.DeepEqual(online, []string{"u2"}) {
		t.Fatalf("expected only u2, got %v", online)
	}
}
