package handlers

import "sync"

const eventBufferSize = 16

// EventBus is an in-process fan-out for per-user sandbox notifications:
// the Docker backend's asynchronous container launch broadcasts its
// container status events here, and every open SSE connection watching
// for changes picks them up on its own channel.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[chan string]struct{}
}

// NewEventBus returns an EventBus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[chan string]struct{})}
}

// Subscribe registers a new buffered channel that will receive every
// future Broadcast call. The caller must Unsubscribe when done to avoid
// leaking the channel.
func (eb *EventBus) Subscribe() chan string {
	ch := make(chan string, eventBufferSize)
	eb.mu.Lock()
	eb.subscribers[ch] = struct{}{}
	eb.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the broadcast set.
func (eb *EventBus) Unsubscribe(ch chan string) {
	eb.mu.Lock()
	delete(eb.subscribers, ch)
	eb.mu.Unlock()
}

// Broadcast delivers event to every subscriber's channel, dropping the
// event for any subscriber whose buffer is currently full rather than
// blocking the broadcaster on a slow reader.
func (eb *EventBus) Broadcast(event string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
