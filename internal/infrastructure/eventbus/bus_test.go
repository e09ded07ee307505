package eventbus

import (
	"testing"

	"go.uber.org/zap"

	"github.com/scottidler/loopr/internal/domain/event"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	b := New(4, zap.NewNop())
	notify, drain := b.Subscribe("client-1")

	b.Publish(event.Event{ID: "evt-1", Topic: event.TopicLoopCreated})

	select {
	case <-notify:
	default:
		t.Fatal("expected a notification after publish")
	}

	events := drain()
	if len(events) != 1 || events[0].ID != "evt-1" {
		t.Fatalf("expected one drained event with ID evt-1, got %+v", events)
	}
}

func TestDropOldestWhenBufferFull(t *testing.T) {
	b := New(2, zap.NewNop())
	_, drain := b.Subscribe("client-1")

	b.Publish(event.Event{ID: "evt-1"})
	b.Publish(event.Event{ID: "evt-2"})
	b.Publish(event.Event{ID: "evt-3"})

	events := drain()
	if len(events) != 2 {
		t.Fatalf("expected buffer capped at 2 events, got %d", len(events))
	}
	if events[0].ID != "evt-2" || events[1].ID != "evt-3" {
		t.Fatalf("expected oldest event dropped, keeping evt-2 and evt-3, got %+v", events)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4, zap.NewNop())
	b.Subscribe("client-1")
	b.Unsubscribe("client-1")

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic or block.
	b.Publish(event.Event{ID: "evt-1"})
}

func TestMultipleSubscribersEachGetTheEvent(t *testing.T) {
	b := New(4, zap.NewNop())
	_, drainA := b.Subscribe("a")
	_, drainB := b.Subscribe("b")

	b.Publish(event.Event{ID: "evt-1"})

	if len(drainA()) != 1 || len(drainB()) != 1 {
		t.Fatal("expected both subscribers to receive the event")
	}
}
