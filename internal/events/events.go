// Package events carries relay lifecycle notifications from the thread
// engine to subscribers such as the websocket hub.
package events

import (
	"sync"
	"time"

	"modmail/backend/internal/domain"
)

// Type identifies an event kind on the wire.
type Type string

const (
	TypeThreadCreate Type = "thread_create"
	TypeThreadReply  Type = "thread_reply"
	TypeThreadClose  Type = "thread_close"
)

// Event is the envelope pushed to subscribers.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RecipientID string `json:"recipient_id"`
	ChannelID   string `json:"channel_id,omitempty"`
	LogKey      string `json:"log_key,omitempty"`

	// ThreadReply fields.
	Anonymous bool               `json:"anonymous,omitempty"`
	Plain     bool               `json:"plain,omitempty"`
	StaffSide bool               `json:"staff_side,omitempty"`
	Message   *domain.LogMessage `json:"message,omitempty"`

	// ThreadClose fields.
	Closer       *domain.Closer `json:"closer,omitempty"`
	CloseMessage string         `json:"close_message,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than stalling the relay.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered receiver. The returned cancel func must be
// called to release it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
