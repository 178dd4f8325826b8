// Package changebus is the multicast broadcaster spec.md §9's Design
// Notes call for: bounded per-subscriber queues, slow subscribers
// dropped rather than allowed to back-pressure the write path. Grounded
// on tailored-agentic-units-kernel's orchestrate/hub (Publish/Subscribe
// over per-agent channels), adapted from hub's blocking,
// context-cancellable Send to a non-blocking send-or-drop: the hub
// exists to guarantee delivery to cooperating agents, while this bus
// exists to notify optional watchers without ever slowing down a write.
package changebus

import (
	"sync"
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/obslog"
)

// Op names the kind of change a subscriber is being told about.
type Op string

const (
	OpPut       Op = "PUT"
	OpUpdate    Op = "UPDATE"
	OpDelete    Op = "DELETE"
	OpDeleteBox Op = "DELETE_BOX"
	OpBatch     Op = "BATCH"
	OpCASUpdate Op = "CAS_UPDATE"
)

// Event describes one committed change, per spec.md §6's minimum shape
// of {truckId, boxId, op} plus whichever of tag/value/entries applies.
type Event struct {
	TruckID string
	BoxID   string
	Op      Op
	Tag     string
	Value   codec.Value
	Entries map[string]codec.Value
}

// DefaultSubscriberBuffer bounds how many undelivered events a slow
// subscriber may accumulate before Publish starts dropping for it.
const DefaultSubscriberBuffer = 64

// subscriber guards its own channel with a private mutex so a concurrent
// Publish and unsubscribe can never race: unsubscribe marks closed and
// closes ch under mu, and Publish checks closed under the same mu before
// sending, so a send can never land on an already-closed channel. Mirrors
// the worker package's closedMu-guarded shutdown for the same reason.
type subscriber struct {
	id int64
	ch chan Event

	mu     sync.Mutex
	closed bool
}

// Bus is a multicast broadcaster of change Events. The zero value is not
// usable; construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	obs    obslog.Observer
}

// New returns a ready broadcaster. obs may be nil.
func New(obs obslog.Observer) *Bus {
	if obs == nil {
		obs = obslog.Noop{}
	}
	return &Bus{subs: make(map[int64]*subscriber), obs: obs}
}

// Subscribe registers a new listener with a bounded queue and returns a
// receive-only channel plus an unsubscribe function. Callers must call
// unsubscribe when done watching, or the channel leaks for the life of
// the bus.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, ch: make(chan Event, DefaultSubscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		_, ok := b.subs[id]
		if ok {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		if !ok {
			return
		}
		sub.mu.Lock()
		sub.closed = true
		close(sub.ch)
		sub.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish fans evt out to every current subscriber without blocking. A
// subscriber whose queue is full has this event dropped for it; the
// write path that produced evt never waits on a subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		select {
		case s.ch <- evt:
		default:
			obslog.Emit(b.obs, time.Now(), evt.TruckID, "changebus.subscriber_dropped_event", obslog.LevelWarn,
				map[string]any{"box": evt.BoxID, "op": string(evt.Op)})
		}
		s.mu.Unlock()
	}
}

// SubscriberCount reports the number of currently active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
