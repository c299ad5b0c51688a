// Package watch provides small observable values: the authentication
// token receiver and the connectivity oracle are both subscriptions, not
// polls, so edge transitions wake their consumers immediately.
package watch

import "sync"

// Value is a watched value of a comparable type. Setting an unchanged
// value does not notify. Subscription channels hold only the latest
// value: a slow consumer observes the newest state, not the history.
type Value[T comparable] struct {
	mu   sync.Mutex
	v    T
	subs []chan T
}

func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{v: initial}
}

// Get returns the current value.
func (w *Value[T]) Get() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.v
}

// Set updates the value and notifies subscribers on change.
func (w *Value[T]) Set(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.v == v {
		return
	}
	w.v = v
	for _, sub := range w.subs {
		// Latest-wins: displace a pending unseen value.
		select {
		case <-sub:
		default:
		}
		sub <- v
	}
}

// Subscribe returns a channel that receives subsequent changes; it holds
// only the latest value not yet received.
func (w *Value[T]) Subscribe() <-chan T {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub := make(chan T, 1)
	w.subs = append(w.subs, sub)
	return sub
}
