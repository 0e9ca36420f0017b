// Package eventbus implements the single-consumer event channel the
// tethering thread drains: every external signal (netlink, D-Bus method
// call, IWD property change, a delayed retry timer) becomes a typed
// Event posted here instead of a direct call into orchestrator state.
// Delivery is FIFO per source; delayed posts are ordered relative to
// their scheduled fire time, never to arrival order of the Post call.
package eventbus

import (
	"sync"
	"time"
)

// Event is a message delivered to the bus's single consumer. Kind
// identifies the event type a Dispatch table switches on; Payload carries
// the event-specific data.
type Event struct {
	Kind    string
	Payload any
}

// Bus is a single-consumer, multi-producer event channel.
type Bus struct {
	ch       chan Event
	mu       sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
	closeOne sync.Once
}

// New creates a Bus with the given buffer size. A buffered channel keeps
// producers (netlink watcher, D-Bus handlers) from blocking on a busy
// consumer; the consumer still processes events strictly in send order.
func New(buffer int) *Bus {
	return &Bus{
		ch:     make(chan Event, buffer),
		timers: make(map[string]*time.Timer),
	}
}

// Post enqueues ev for immediate delivery.
func (b *Bus) Post(ev Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.ch <- ev
}

// PostDelayed schedules ev for delivery after d. key identifies the
// pending timer; a second PostDelayed with the same key replaces the
// earlier one (used by RETRY_UPSTREAM, which is re-armed on every
// upstream-selection attempt rather than accumulating timers).
func (b *Bus) PostDelayed(key string, ev Event, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if t, ok := b.timers[key]; ok {
		t.Stop()
	}
	b.timers[key] = time.AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.timers, key)
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.ch <- ev
		}
	})
}

// CancelDelayed cancels a pending delayed post by key, if any. The
// orchestrator's own handlers re-read state on arrival, so this is an
// optimization, not a correctness requirement.
func (b *Bus) CancelDelayed(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[key]; ok {
		t.Stop()
		delete(b.timers, key)
	}
}

// Events returns the channel the consumer ranges over.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close stops all pending timers and closes the channel. Safe to call
// once; further Post/PostDelayed calls are no-ops.
func (b *Bus) Close() {
	b.closeOne.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, t := range b.timers {
			t.Stop()
		}
		b.timers = nil
		b.mu.Unlock()
		close(b.ch)
	})
}
