package pipeline

import (
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/h264"
)

// Unit is one access unit as fanned out to live subscribers.
type Unit struct {
	Data []byte
	Seq  uint64
	Kind h264.UnitKind
}

// Broadcaster distributes units to multiple subscribers. Slow subscribers
// whose channel is full are dropped and their channel closed.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Unit
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Unit),
		logger:      logger,
	}
}

// Subscribe adds a new subscriber with the given ID and returns a channel
// that will receive broadcasted units.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan Unit {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Unit)
		close(ch)
		return ch
	}

	if old, exists := b.subscribers[subscriberID]; exists {
		close(old)
	}

	ch := make(chan Unit, bufferSize)
	b.subscribers[subscriberID] = ch

	b.logger.Info("New subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		b.logger.Info("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends the unit to all current subscribers without blocking.
func (b *Broadcaster) Broadcast(unit Unit) {
	if len(unit.Data) == 0 {
		return
	}

	b.mu.RLock()
	if b.closed || len(b.subscribers) == 0 {
		b.mu.RUnlock()
		return
	}

	var dropped map[string]chan Unit
	for id, ch := range b.subscribers {
		select {
		case ch <- unit:
		default:
			if dropped == nil {
				dropped = make(map[string]chan Unit)
			}
			dropped[id] = ch
		}
	}
	b.mu.RUnlock()

	if len(dropped) == 0 {
		return
	}

	b.mu.Lock()
	for id, full := range dropped {
		if ch, exists := b.subscribers[id]; exists && ch == full {
			close(ch)
			delete(b.subscribers, id)
			b.logger.Warn("Dropping subscriber due to full channel", "id", id)
		}
	}
	b.mu.Unlock()
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		b.logger.Debug("Closed subscriber channel", "id", id)
	}
	b.subscribers = make(map[string]chan Unit)
	b.logger.Info("Broadcaster closed")
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
