// Package events implements the subscribe() fan-out the engine uses to
// publish ingest and lifecycle notifications to external consumers
// (spec §6.3), without coupling the engine to any one transport.
package events

import (
	"context"
	"sync"

	"github.com/dougsko/rfmp/internal/rfmp"
)

// Kind identifies an event variant. NewMessage, NodeSeen and StatusChange
// are spec §6.3's MessageEvent kinds; TxPermanentFailure and
// BackpressureDropped are spec §7's error kinds that are explicitly
// "visible only through counters and the event stream" and so are carried
// on the same bus rather than invented as a second channel.
type Kind int

const (
	NewMessage Kind = iota
	NodeSeen
	StatusChange
	TxPermanentFailure
	BackpressureDropped
)

func (k Kind) String() string {
	switch k {
	case NewMessage:
		return "NewMessage"
	case NodeSeen:
		return "NodeSeen"
	case StatusChange:
		return "StatusChange"
	case TxPermanentFailure:
		return "TxPermanentFailure"
	case BackpressureDropped:
		return "BackpressureDropped"
	default:
		return "Unknown"
	}
}

// Event is published on every subscriber channel. MessageID and Channel are
// populated for NewMessage; Callsign for NodeSeen; Detail carries a
// human-readable note for StatusChange and the failure kinds.
type Event struct {
	Kind      Kind
	MessageID rfmp.ID
	Channel   string
	Callsign  string
	Detail    string
}

// defaultBufferSize bounds each subscriber's channel; a slow subscriber
// loses events rather than blocking the publisher (spec §9's "avoid shared
// mutable state across tasks" extends to not letting one subscriber stall
// the engine).
const defaultBufferSize = 64

// Bus is a multi-subscriber fan-out of Events.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events. The channel closes when ctx
// is cancelled; callers must keep draining it until then.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, defaultBufferSize)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Publish sends ev to every live subscriber, dropping it for any subscriber
// whose buffer is full rather than blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
