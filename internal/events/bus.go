// Package events provides the in-process publish/subscribe bus that
// sits between MQTT client callbacks and the dashboard. Producers
// (sensor runners, the controller, the dashboard feed) publish without
// ever blocking; the dashboard refresher is the single consumer that
// drains its subscription on a timer. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSensor identifies events from a synthetic sensor runner.
	SourceSensor = "sensor"
	// SourceController identifies events from the light controller.
	SourceController = "controller"
	// SourceDashboard identifies events from the dashboard feed and
	// refresher.
	SourceDashboard = "dashboard"
	// SourceMQTT identifies broker connection events.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindReading carries a decoded value seen on a sensor topic.
	// Data: topic, value (float64 for temperature, bool for motion).
	KindReading = "reading"
	// KindLightChanged carries a light state derived or observed.
	// Data: state ("ON" or "OFF"), motion (bool, when known).
	KindLightChanged = "light_changed"
	// KindSnapshot signals the dashboard model changed during a
	// refresh tick. Data: updates.
	KindSnapshot = "snapshot"
	// KindConnectionUp signals the broker became reachable.
	// Data: service.
	KindConnectionUp = "connection_up"
	// KindConnectionDown signals the broker became unreachable.
	// Data: service, error.
	KindConnectionDown = "connection_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	}
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer and therefore how many events
// may queue between two dashboard refresh ticks before drops start.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
