package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

const (
	defaultBuffer   = 64
	defaultMaxDrops = 256
)

// Subscription is one subscriber's handle on a channel.
type Subscription struct {
	channel string
	ch      chan Event
	drops   int // consecutive overflows since the last delivery with room
	closed  bool
}

// C delivers events in publish order. It is closed on Unsubscribe, on
// Bus.Close, or when the subscriber lags past the drop budget.
func (s *Subscription) C() <-chan Event { return s.ch }

// Channel is the channel id this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Bus is an in-process, channel-scoped pub/sub broker. Publish never blocks:
// a full subscriber loses its oldest event, and one that overflows more than
// maxDrops times without catching up is disconnected.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	closed   bool
	maxDrops int

	published    atomic.Int64
	dropped      atomic.Int64
	disconnected atomic.Int64
}

// NewBus creates an event bus. maxDrops <= 0 selects the default.
func NewBus(maxDrops int) *Bus {
	if maxDrops <= 0 {
		maxDrops = defaultMaxDrops
	}
	return &Bus{topics: make(map[string]*topic), maxDrops: maxDrops}
}

// Subscribe registers a listener on channel.
func (b *Bus) Subscribe(channel string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &Subscription{channel: channel, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	t, ok := b.topics[channel]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[channel] = t
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sub.channel]
	if !ok {
		return
	}
	t.mu.Lock()
	b.detach(t, sub)
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, sub.channel)
	}
}

// detach removes sub from t. Caller holds t.mu.
func (b *Bus) detach(t *topic, sub *Subscription) {
	delete(t.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish delivers e to every subscriber of channel.
func (b *Bus) Publish(channel string, e Event) {
	b.mu.RLock()
	t, ok := b.topics[channel]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.deliver(t, e)
}

// Broadcast publishes e to every channel whose id starts with prefix.
func (b *Bus) Broadcast(prefix string, e Event) {
	b.mu.RLock()
	targets := make([]*topic, 0, len(b.topics))
	for name, t := range b.topics {
		if strings.HasPrefix(name, prefix) {
			targets = append(targets, t)
		}
	}
	b.mu.RUnlock()
	for _, t := range targets {
		b.deliver(t, e)
	}
}

// deliver holds the topic lock for the whole fan-out so concurrent
// publishers on one channel cannot interleave.
func (b *Bus) deliver(t *topic, e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b.published.Add(1)
	for sub := range t.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- e:
			sub.drops = 0
			continue
		default:
		}
		// Full: drop the oldest queued event to make room.
		select {
		case <-sub.ch:
			sub.drops++
			b.dropped.Add(1)
		default:
		}
		if sub.drops > b.maxDrops {
			b.disconnected.Add(1)
			b.detach(t, sub)
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.drops++
			b.dropped.Add(1)
		}
	}
}

// Close disconnects every subscriber. Buffered events stay readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, t := range b.topics {
		t.mu.Lock()
		for sub := range t.subs {
			b.detach(t, sub)
		}
		t.mu.Unlock()
		delete(b.topics, name)
	}
}

// Stats reports lifetime delivery counters.
func (b *Bus) Stats() (published, dropped, disconnected int64) {
	return b.published.Load(), b.dropped.Load(), b.disconnected.Load()
}

// Subscribers counts live subscriptions across channels.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, t := range b.topics {
		t.mu.Lock()
		n += len(t.subs)
		t.mu.Unlock()
	}
	return n
}
