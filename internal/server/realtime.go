package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventStockChanged = "stock-change"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "inventory-backend"
)

// StockEvent announces a cartridge change to connected admin panels.
type StockEvent struct {
	EventType   string
	CartridgeID int64
	Model       string
	Stock       int64
	Removed     bool
	Actor       string
	Timestamp   time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	done        chan struct{}
	closeOnce   sync.Once
}

type realtimeSubscriber struct {
	id     int64
	stream chan StockEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
		done:        make(chan struct{}),
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan StockEvent, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan StockEvent, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, subscriber.id)
		d.mu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the event out without blocking; slow subscribers miss events.
func (d *RealtimeDispatcher) Publish(event StockEvent) {
	if event.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// Done is closed once the dispatcher shuts down; open streams end when it fires.
func (d *RealtimeDispatcher) Done() <-chan struct{} {
	return d.done
}

// Close ends every open stream. It is safe to call more than once.
func (d *RealtimeDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}
