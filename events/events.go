// Package events carries in-process "subscription changed" notifications.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"lms-notifier/pkg/notifier"
)

// SubscriptionChanged is published after a publisher received news.
type SubscriptionChanged struct {
	At              time.Time            `json:"at"`
	Resource        notifier.ResourceKey `json:"resource"`
	IgnoredIdentity string               `json:"ignored_identity,omitempty"`
	SubscriberKeys  []int64              `json:"subscriber_keys"`
	PublisherKey    int64                `json:"publisher_key"`
}

// Bus is an in-memory fan-out of SubscriptionChanged events.
//
// Publish never blocks: a listener whose buffer is full misses the event
// and the drop is counted.
type Bus struct {
	subs    map[uint64]chan SubscriptionChanged
	seq     atomic.Uint64
	dropped atomic.Uint64
	mu      sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan SubscriptionChanged)}
}

// Publish delivers e to every current listener.
func (b *Bus) Publish(e SubscriptionChanged) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener with the given buffer size.
// The returned func unregisters it and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan SubscriptionChanged, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan SubscriptionChanged, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Listeners returns the number of registered listeners.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a listener was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
