// Package events provides an in-process publish/subscribe bus for
// operational events. Events flow from components (bus runtime, config
// client, command queue, voice workers) to subscribers (config hot-apply
// hooks, service stats). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBus identifies events from the broker runtime.
	SourceBus = "bus"
	// SourceConfig identifies events from the config client.
	SourceConfig = "config"
	// SourceDevices identifies events from the device manager.
	SourceDevices = "devices"
	// SourceVoice identifies events from the voice pipeline workers.
	SourceVoice = "voice"
	// SourceBalancer identifies events from the load balancer.
	SourceBalancer = "balancer"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the broker connection came up.
	// Data: broker.
	KindConnected = "connected"
	// KindDisconnected signals the broker connection dropped.
	// Data: error.
	KindDisconnected = "disconnected"

	// KindConfigUpdated signals a configuration overlay changed.
	// Data: service, config.
	KindConfigUpdated = "config_updated"

	// KindCommandQueued signals a device command entered the queue.
	// Data: command_id, devices.
	KindCommandQueued = "command_queued"
	// KindCommandDone signals a device command reached a terminal state.
	// Data: command_id, status, duration_ms.
	KindCommandDone = "command_done"

	// KindJobDone signals a voice pipeline job finished.
	// Data: session_id, stage, ok, duration_ms.
	KindJobDone = "job_done"

	// KindBreakerChange signals a circuit breaker state transition.
	// Data: instance_id, from, to.
	KindBreakerChange = "breaker_change"
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
// bufSize controls the channel buffer; 64 is a reasonable default.
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
