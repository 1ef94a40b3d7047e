package alert

import (
	"sync"

	"tickdeck/internal/domain"
)

// Fired is one fired rule with the price that fired it.
type Fired struct {
	Rule  domain.AlertRule
	Price float64
}

// Broadcaster is a Notifier that fans fired alerts out to subscriber
// channels. Sends are non-blocking: a subscriber that stops draining loses
// events instead of stalling evaluation.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[int]chan Fired
	nextSubID int
}

// Compile-time interface check.
var _ Notifier = (*Broadcaster)(nil)

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Fired)}
}

// Subscribe returns a channel that receives fired alerts. bufSize controls
// how far a subscriber may lag before it starts losing events.
func (b *Broadcaster) Subscribe(bufSize int) (int, <-chan Fired) {
	ch := make(chan Fired, bufSize)
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Notify delivers one fired alert to every subscriber, dropping on full.
func (b *Broadcaster) Notify(rule domain.AlertRule, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- Fired{Rule: rule, Price: price}:
		default:
		}
	}
}
