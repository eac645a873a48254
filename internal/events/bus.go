// Package events broadcasts lifecycle transition events to in-process
// subscribers, feeding the WebSocket status stream.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zia/backend/internal/action"
)

// TransitionEvent describes one state-machine transition of an execution.
type TransitionEvent struct {
	ExecutionID string        `json:"execution_id"`
	ActionType  string        `json:"action_type"`
	UserID      string        `json:"user_id"`
	From        action.Status `json:"from"`
	To          action.Status `json:"to"`
	Reason      string        `json:"reason"`
	Timestamp   time.Time     `json:"timestamp"`
}

const subscriberBuffer = 64

// Bus fans transition events out to subscribers. Publish never blocks: a
// subscriber that falls behind has events dropped and a warning logged.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan TransitionEvent
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan TransitionEvent)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan TransitionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan TransitionEvent, subscriberBuffer)
	b.subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, unsub
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Bus) Publish(ev TransitionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber lagging, dropping transition event",
				"execution_id", ev.ExecutionID, "to", ev.To)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
