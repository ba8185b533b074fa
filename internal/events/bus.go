/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSourceConnected    EventType = "source.connected"
	EventSourceDisconnected EventType = "source.disconnected"
	EventSourceError        EventType = "source.error"
	EventRoverConnect       EventType = "rover.connect"
	EventRoverDisconnect    EventType = "rover.disconnect"
	EventRelayStarted       EventType = "relay.started"
	EventRelayStopped       EventType = "relay.stopped"
)

// All lists every event type, in a stable order, for taps that want the
// whole stream.
func All() []EventType {
	return []EventType{
		EventSourceConnected,
		EventSourceDisconnected,
		EventSourceError,
		EventRoverConnect,
		EventRoverDisconnect,
		EventRelayStarted,
		EventRelayStopped,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Publish never blocks: events
// here are advisory telemetry (relay lifecycle, rover churn), and a slow
// subscriber loses events rather than stalling the broadcast or accept
// paths that publish them. RTCM data never travels over the bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Delivery is best-effort: a
// subscriber with a full buffer is skipped.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
