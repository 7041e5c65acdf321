package events

import (
	"sync"
	"sync/atomic"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

const subscriberBuffer = 16

// Broadcaster fans finalized run statistics out to live subscribers.
type Broadcaster struct {
	subscribers map[uint64]chan models.RunStats
	nextID      atomic.Uint64
	mu          sync.RWMutex
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan models.RunStats),
	}
}

func (b *Broadcaster) Subscribe() (uint64, <-chan models.RunStats) {
	id := b.nextID.Add(1)
	ch := make(chan models.RunStats, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers[id] = ch
	}
	b.mu.Unlock()

	return id, ch
}

func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers stats to every subscriber with buffer room. Slow
// subscribers miss the event.
func (b *Broadcaster) Publish(stats models.RunStats) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- stats:
			delivered++
		default:
		}
	}
	return delivered
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, causing streams to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
