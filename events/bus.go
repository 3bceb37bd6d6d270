package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Retention of the recent-event and error rings.
const (
	recentEvents = 100
	recentErrors = 100
)

// Bus fans published events out to subscribers. Publishing never
// blocks: a subscriber that can't keep up loses events, which is
// acceptable for a progress stream the durable state doesn't depend on.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Envelope
	nextID int
	closed bool

	ring *Ring[Envelope]
	errs *Ring[ErrorRecord]
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Envelope),
		ring: NewRing[Envelope](recentEvents),
		errs: NewRing[ErrorRecord](recentErrors),
	}
}

// Publish broadcasts |data| under |t| to all current subscribers and
// the recent-events ring.
func (b *Bus) Publish(t Type, data any) {
	var env = Envelope{Type: t, Data: data, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ring.Add(env)
	publishedTotal.WithLabelValues(string(t)).Inc()

	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			droppedTotal.Inc()
		}
	}
}

// PublishError records a component failure on the error ring. Errors
// here are observability, not control flow; the component has already
// handled or counted the failure.
func (b *Bus) PublishError(component string, err error) {
	if err == nil {
		return
	}
	b.errs.Add(ErrorRecord{Component: component, Error: err.Error(), At: time.Now().UTC()})
	errorsTotal.WithLabelValues(component).Inc()
	log.WithField("component", component).WithError(err).Warn("component error")
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function must be called to release it.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer < 1 {
		buffer = 1
	}
	var ch = make(chan Envelope, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	var id = b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Recent returns the retained events, oldest first.
func (b *Bus) Recent() []Envelope { return b.ring.Recent() }

// RecentErrors returns the retained component errors, oldest first.
func (b *Bus) RecentErrors() []ErrorRecord { return b.errs.Recent() }

// Close terminates all subscriptions. Further publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
