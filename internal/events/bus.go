// Package events provides a publish/subscribe bus for live
// observability of the thought loop. Components publish; the web layer
// and the MQTT notifier subscribe. The bus is nil-safe: Publish on a
// nil *Bus is a no-op, so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEngine identifies events from the thought loop.
	SourceEngine = "engine"
	// SourceWeb identifies events from the web front-end.
	SourceWeb = "web"
)

// Kind constants describe the type of event within a source.
const (
	// KindStarted signals the thought loop began running.
	// Data: model, buffer_chars.
	KindStarted = "started"
	// KindStopped signals the thought loop exited.
	// Data: thoughts, uptime_sec.
	KindStopped = "stopped"
	// KindThought signals one completed autonomous thought.
	// Data: n, content, tokens, buffer_chars.
	KindThought = "thought"
	// KindToolCall signals an executed tool call.
	// Data: n, tool, result_len.
	KindToolCall = "tool_call"
	// KindMessage signals the agent surfaced a message to the human.
	// Data: n, content.
	KindMessage = "message"
	// KindCompress signals a buffer compression pass.
	// Data: n, before, after.
	KindCompress = "compress"
	// KindDialog signals a human/agent exchange completed.
	// Data: n, human, agent.
	KindDialog = "dialog"
	// KindProbe signals a scheduled probe fired.
	// Data: at_thought, text.
	KindProbe = "probe"
	// KindError signals a caught generation failure.
	// Data: error.
	KindError = "error"
	// KindReset signals a seed apply or session revival.
	// Data: seed_len.
	KindReset = "reset"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive on buffered
// channels; a full subscriber misses events rather than stalling the
// loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the bidirectional channel in subs, so Unsubscribe can
	// accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber whose buffer has room. Safe on
// a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice is a no-op.
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

// SubscriberCount returns the number of active subscribers. Safe on a
// nil receiver.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
