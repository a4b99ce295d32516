package events

import (
	"sync"
)

type listener[T any] struct {
	id       uint64
	callback func(T)
}

// Feed provides pub/sub of values of type T.
// Listeners are called in registration order, outside the lock.
type Feed[T any] struct {
	mu         sync.RWMutex
	listeners  []listener[T]
	nextID     uint64
	replayLast bool
	lastValue  *T
}

// NewFeed creates a Feed.
// replayLast: if true, a new listener is immediately called with the last published value
func NewFeed[T any](replayLast bool) *Feed[T] {
	return &Feed[T]{replayLast: replayLast}
}

// Subscribe registers a callback.
// Returns a deregistration function, safe to call more than once and from inside the callback.
func (f *Feed[T]) Subscribe(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners = append(f.listeners, listener[T]{id: id, callback: callback})
	var last *T
	if f.replayLast && f.lastValue != nil {
		v := *f.lastValue
		last = &v
	}
	f.mu.Unlock()

	if last != nil {
		callback(*last)
	}

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, l := range f.listeners {
			if l.id == id {
				f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan registers a channel. Sends never block: a full channel misses the value.
func (f *Feed[T]) SubscribeChan(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	return f.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
}

// Publish calls every listener with value
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	if f.replayLast {
		v := value
		f.lastValue = &v
	}
	listeners := make([]listener[T], len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, l := range listeners {
		l.callback(value)
	}
}
