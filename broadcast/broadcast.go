// Package broadcast fans connection state out to any number of observers.
// State is small, so every update carries a full snapshot of all
// connections; no event replay is ever needed.
package broadcast

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/shemas2015/simulator-v4/registry"
)

// State is one push-feed message.
type State struct {
	// Type is "init" for the snapshot a subscriber receives on attach,
	// "update" for every subsequent change.
	Type string `json:"type"`

	// Connections maps port to its connection record.
	Connections map[string]registry.MotorConnection `json:"connections"`
}

// subscriber channel depth; a consumer this far behind is dropped.
const subscriberBuffer = 16

// Broadcaster distributes state snapshots to subscribers.  Delivery is
// best effort per subscriber: one that stops draining its channel is
// dropped and never blocks delivery to the others.
type Broadcaster struct {
	snap func() map[string]registry.MotorConnection

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// New returns a Broadcaster reading snapshots from snap, in practice
// registry.(*Registry).Snapshot.
func New(snap func() map[string]registry.MotorConnection) *Broadcaster {
	return &Broadcaster{
		snap: snap,
		subs: make(map[chan []byte]struct{}),
	}
}

// Subscribe attaches an observer.  Its channel immediately holds a full
// "init" snapshot.  The caller must call the returned cleanup when done;
// a closed channel means the broadcaster gave up on this subscriber.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	ch <- b.marshal("init")
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dropLocked(ch)
	}
	return ch, unsub
}

// Publish pushes an "update" snapshot to every subscriber.
func (b *Broadcaster) Publish() {
	payload := b.marshal("update")
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
			// consumer is not draining; cut it loose
			b.dropLocked(ch)
		}
	}
}

// Subscribers returns the current observer count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) marshal(typ string) []byte {
	payload, err := json.Marshal(State{Type: typ, Connections: b.snap()})
	if err != nil {
		// records are plain data; this cannot happen in practice
		log.Printf("marshaling %s snapshot: %v", typ, err)
		return []byte(`{}`)
	}
	return payload
}

func (b *Broadcaster) dropLocked(ch chan []byte) {
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}
