package core

import (
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	EventToast                 EventType = "toast"
	EventProfileChanged        EventType = "profile.changed"
	EventModulesChanged        EventType = "modules.changed"
	EventSyncDelivered         EventType = "sync.delivered"
	EventSyncFailedPermanently EventType = "sync.failed_permanently"
	EventSyncOnlineChanged     EventType = "sync.online_changed"
	EventCertificateIssued     EventType = "certificate.issued"
)

type (
	// Event is an in-process notification. Timestamp is in epoch milliseconds.
	Event struct {
		Type      EventType   `json:"type"`
		Data      interface{} `json:"data"`
		Timestamp int64       `json:"timestamp"`
	}

	// Toast is the payload of EventToast: a short user-facing message.
	Toast struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
		Variant     string `json:"variant,omitempty"` // "" | destructive
	}

	// EventBus is a synchronous observer registry.
	// Subscribers are called in subscription order, on the publisher's goroutine.
	EventBus struct {
		mu     sync.RWMutex
		nextID int
		subs   map[int]func(Event)
		now    func() time.Time
	}
)

func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]func(Event)),
		now:  time.Now,
	}
}

// Subscribe registers fn and returns a function that unregisters it.
func (b *EventBus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every current subscriber. A nil bus drops the event.
func (b *EventBus) Publish(typ EventType, data interface{}) {
	if b == nil {
		return
	}

	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	evt := Event{Type: typ, Data: data, Timestamp: UnixMilli(b.now())}
	for _, fn := range fns {
		fn(evt)
	}
}

// Toast publishes a user-facing toast.
func (b *EventBus) Toast(title, description string, destructive ...bool) {
	t := Toast{Title: title, Description: description}
	if len(destructive) > 0 && destructive[0] {
		t.Variant = "destructive"
	}
	b.Publish(EventToast, t)
}
