package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/mapservice/pkg/metrics"
	"github.com/cuemby/mapservice/pkg/types"
	"github.com/google/uuid"
)

// Kind identifies an event stream. The set is closed: names are matched
// exactly, never by prefix or substring.
type Kind string

const (
	// KindNewRequest carries the original arguments of a surface request
	KindNewRequest Kind = "new_request"
	// KindMapCreated reports that the UI materialized a surface
	KindMapCreated Kind = "map_created"
	// KindMapSurface is the final confirmation sent to one application
	KindMapSurface Kind = "map_surface"
)

// ParseKind resolves an event name to its Kind
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", name)
	}
	return k, nil
}

// Valid reports whether k is one of the declared kinds
func (k Kind) Valid() bool {
	switch k {
	case KindNewRequest, KindMapCreated, KindMapSurface:
		return true
	}
	return false
}

// Event is a named broadcast with a JSON-like payload
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Payload   types.Payload
}

const (
	eventBufferSize   = 100
	mailboxBufferSize = 50
)

// Mailbox is the buffered inbox of one subscriber identity. A mailbox has a
// single reader.
type Mailbox struct {
	id     string
	ch     chan *Event
	mu     sync.Mutex
	closed bool
}

// ID returns the subscriber identity owning the mailbox
func (m *Mailbox) ID() string {
	return m.id
}

// C returns the channel events are delivered on. It is closed when the
// mailbox is removed from the broker.
func (m *Mailbox) C() <-chan *Event {
	return m.ch
}

func (m *Mailbox) deliver(event *Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	select {
	case m.ch <- event:
		return true
	default:
		return false
	}
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

type delivery struct {
	event   *Event
	targets []*Mailbox
}

// Broker manages event subscriptions and distribution
type Broker struct {
	mu          sync.RWMutex
	mailboxes   map[string]*Mailbox
	subscribers map[Kind][]string

	eventCh   chan delivery
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		mailboxes:   make(map[string]*Mailbox),
		subscribers: make(map[Kind][]string),
		eventCh:     make(chan delivery, eventBufferSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.startOnce.Do(func() { go b.run() })
}

// Stop stops the broker. Queued events are discarded.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Mailbox returns the mailbox of id, creating it on first use
func (b *Broker) Mailbox(id string) *Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mailboxLocked(id)
}

func (b *Broker) mailboxLocked(id string) *Mailbox {
	mb, ok := b.mailboxes[id]
	if !ok {
		mb = &Mailbox{id: id, ch: make(chan *Event, mailboxBufferSize)}
		b.mailboxes[id] = mb
	}
	return mb
}

// Subscribe adds id to the subscribers of kind. Subscribing twice has the
// same effect as once.
func (b *Broker) Subscribe(kind Kind, id string) (*Mailbox, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if id == "" {
		return nil, fmt.Errorf("subscriber id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	mb := b.mailboxLocked(id)
	for _, s := range b.subscribers[kind] {
		if s == id {
			return mb, nil
		}
	}
	b.subscribers[kind] = append(b.subscribers[kind], id)
	return mb, nil
}

// Unsubscribe removes id from the subscribers of kind. Removing a
// non-subscriber is a no-op.
func (b *Broker) Unsubscribe(kind Kind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(kind, id)
}

func (b *Broker) unsubscribeLocked(kind Kind, id string) {
	subs := b.subscribers[kind]
	for i, s := range subs {
		if s == id {
			b.subscribers[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribed reports whether id currently receives kind
func (b *Broker) Subscribed(kind Kind, id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subscribers[kind] {
		if s == id {
			return true
		}
	}
	return false
}

// Subscribers returns the subscribers of kind in subscription order
func (b *Broker) Subscribers(kind Kind) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.subscribers[kind]...)
}

// SubscriberCount returns the number of subscribers of kind
func (b *Broker) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[kind])
}

// Close removes the mailbox of id and every subscription it holds
func (b *Broker) Close(id string) {
	b.mu.Lock()
	mb, ok := b.mailboxes[id]
	delete(b.mailboxes, id)
	for kind := range b.subscribers {
		b.unsubscribeLocked(kind, id)
	}
	b.mu.Unlock()

	if ok {
		mb.close()
	}
}

// Release removes the mailbox of id when it holds no subscription. It
// reports whether a mailbox was removed.
func (b *Broker) Release(id string) bool {
	b.mu.Lock()
	mb, ok := b.mailboxes[id]
	if ok {
		for _, subs := range b.subscribers {
			for _, s := range subs {
				if s == id {
					b.mu.Unlock()
					return false
				}
			}
		}
		delete(b.mailboxes, id)
	}
	b.mu.Unlock()

	if ok {
		mb.close()
	}
	return ok
}

// Sessions returns the ids owning a mailbox, sorted
func (b *Broker) Sessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publish publishes an event to every current subscriber of its kind and
// returns how many subscribers it was queued for. The subscriber set is
// captured at call time: later subscribers never see the event. Delivery
// happens on the distribution loop; Publish does not wait for it.
func (b *Broker) Publish(event *Event) int {
	prepare(event)

	b.mu.RLock()
	ids := b.subscribers[event.Kind]
	targets := make([]*Mailbox, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, b.mailboxes[id])
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		metrics.EventsDropped.WithLabelValues(string(event.Kind), "no_subscribers").Inc()
		return 0
	}

	select {
	case b.eventCh <- delivery{event: event, targets: targets}:
		metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
		return len(targets)
	case <-b.stopCh:
		metrics.EventsDropped.WithLabelValues(string(event.Kind), "stopped").Inc()
		return 0
	}
}

// Send delivers an event to the mailbox of id only, bypassing
// subscriptions. It reports whether the event was buffered.
func (b *Broker) Send(id string, event *Event) bool {
	prepare(event)

	if !b.Mailbox(id).deliver(event) {
		metrics.EventsDropped.WithLabelValues(string(event.Kind), "mailbox_full").Inc()
		return false
	}
	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	return true
}

func prepare(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

func (b *Broker) run() {
	for {
		select {
		case d := <-b.eventCh:
			b.broadcast(d)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(d delivery) {
	for _, mb := range d.targets {
		if !mb.deliver(d.event) {
			// Subscriber buffer full or mailbox closed, skip
			metrics.EventsDropped.WithLabelValues(string(d.event.Kind), "mailbox_full").Inc()
		}
	}
}
