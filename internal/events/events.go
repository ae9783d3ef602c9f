// Package events provides the small pub/sub primitives every component in
// this app uses to surface state: a channel flavor for goroutine consumers
// and a callback flavor for synchronous ones. Both can optionally replay the
// last published value to late subscribers, which is how state snapshots
// (connection state, control state, telemetry) reach a UI that attaches
// after the fact.
package events

import "sync"

// ChannelEvent fans a value out to subscriber channels.
// Sends are non-blocking: a full channel misses that event.
type ChannelEvent[T any] struct {
	mu         sync.RWMutex
	subs       map[uint64]chan<- T
	seq        uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewChannelEvent creates a ChannelEvent. When replayLast is true, each new
// subscriber immediately receives the most recently notified value, if any.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{
		subs:       make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Listen registers ch to receive notified values and returns a function that
// removes the subscription.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("events: nil channel")
	}

	e.mu.Lock()
	id := e.seq
	e.seq++
	e.subs[id] = ch
	replay := e.replayLast && e.hasLast
	last := e.last
	e.mu.Unlock()

	if replay {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Notify sends value to every subscribed channel without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.hasLast = true
	}
	targets := make([]chan<- T, 0, len(e.subs))
	for _, ch := range e.subs {
		targets = append(targets, ch)
	}
	e.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of active subscriptions.
func (e *ChannelEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// CallbackEvent invokes subscriber functions directly. Callbacks run on the
// notifying goroutine, outside the event's lock, so a callback may
// re-subscribe or publish to other events without deadlocking.
type CallbackEvent[T any] struct {
	mu         sync.RWMutex
	subs       map[uint64]func(T)
	seq        uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewCallbackEvent creates a CallbackEvent. When replayLast is true, a new
// subscriber is immediately invoked with the most recently notified value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{
		subs:       make(map[uint64]func(T)),
		replayLast: replayLast,
	}
}

// Listen registers fn and returns a function that removes the subscription.
func (e *CallbackEvent[T]) Listen(fn func(T)) func() {
	if fn == nil {
		panic("events: nil callback")
	}

	e.mu.Lock()
	id := e.seq
	e.seq++
	e.subs[id] = fn
	replay := e.replayLast && e.hasLast
	last := e.last
	e.mu.Unlock()

	if replay {
		fn(last)
	}

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Notify invokes every subscribed callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.hasLast = true
	}
	targets := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		targets = append(targets, fn)
	}
	e.mu.Unlock()

	for _, fn := range targets {
		fn(value)
	}
}

// ListenerCount returns the number of active subscriptions.
func (e *CallbackEvent[T]) ListenerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
