package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(StockEvent{
		EventType:   RealtimeEventStockChanged,
		CartridgeID: 4,
		Model:       "HP 206A",
		Stock:       9,
		Timestamp:   time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventStockChanged {
			t.Fatalf("expected event type %s, got %s", RealtimeEventStockChanged, received.EventType)
		}
		if received.CartridgeID != 4 || received.Stock != 9 {
			t.Fatalf("unexpected event %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherBroadcastsToEverySubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstCleanup := dispatcher.Subscribe(ctx)
	defer firstCleanup()
	second, secondCleanup := dispatcher.Subscribe(ctx)
	defer secondCleanup()

	dispatcher.Publish(StockEvent{EventType: RealtimeEventStockChanged, CartridgeID: 1})

	for index, stream := range []<-chan StockEvent{first, second} {
		select {
		case <-stream:
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d missed the event", index)
		}
	}
}

func TestRealtimeDispatcherDropsSubscriberOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherIgnoresUntypedEvents(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(StockEvent{CartridgeID: 3})

	select {
	case event := <-stream:
		t.Fatalf("did not expect event %#v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeDispatcherCloseEndsSubscriptions(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	_, cleanup := dispatcher.Subscribe(context.Background())
	defer cleanup()

	dispatcher.Close()
	dispatcher.Close()

	select {
	case <-dispatcher.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected done channel to be closed")
	}
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
