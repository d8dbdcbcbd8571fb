// Package events carries batch lifecycle notifications from the executor to
// observers (audit log, metrics, CLI progress) without ever blocking the
// executor.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventBatchStarted     EventType = "batch_started"
	EventGroupStarted     EventType = "group_started"
	EventCommandStarted   EventType = "command_started"
	EventCommandRetrying  EventType = "command_retrying"
	EventCommandCompleted EventType = "command_completed"
	EventCommandFailed    EventType = "command_failed"
	EventCommandSkipped   EventType = "command_skipped"
	EventGroupCompleted   EventType = "group_completed"
	EventBatchCompleted   EventType = "batch_completed"
	// Published by the spool daemon.
	EventBatchAccepted EventType = "batch_accepted"
	EventBatchRejected EventType = "batch_rejected"
	EventRulesReloaded EventType = "rules_reloaded"
)

// AllEventTypes lists every type in lifecycle order.
var AllEventTypes = []EventType{
	EventBatchStarted,
	EventGroupStarted,
	EventCommandStarted,
	EventCommandRetrying,
	EventCommandCompleted,
	EventCommandFailed,
	EventCommandSkipped,
	EventGroupCompleted,
	EventBatchCompleted,
	EventBatchAccepted,
	EventBatchRejected,
	EventRulesReloaded,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has its own
// buffered channel; when it is full the event is dropped for that subscriber.
// A nil *Bus is valid and discards everything.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int

	dropMu  sync.Mutex
	dropped map[EventType]int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		dropped:     make(map[EventType]int),
	}
}

// Subscribe registers fn for one event type. fn runs on a dedicated goroutine
// and a panic inside it is recovered. The returned func unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.recordDrop(eventType)
		}
	}
}

func (b *Bus) recordDrop(eventType EventType) {
	b.dropMu.Lock()
	b.dropped[eventType]++
	b.dropMu.Unlock()
}

// Dropped returns how many deliveries of eventType were dropped because a
// subscriber was full.
func (b *Bus) Dropped(eventType EventType) int {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[eventType]
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
