// Package signal provides a minimal publish/subscribe primitive used to
// propagate view-model updates. Observers register a callback and receive
// every value published after registration; there is no replay of past
// values. Subscriptions are identified by opaque handles and are released
// either individually or through a Bag owned by the subscribing component.
package signal

import (
	"sync"

	"github.com/google/uuid"
)

// Signal is a typed broadcast channel with an explicit listener list.
// Publish delivers the value to every listener synchronously, in
// subscription order, on the publishing goroutine.
type Signal[T any] struct {
	mu        sync.Mutex
	order     []string
	listeners map[string]func(T)
}

// New returns an empty Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{listeners: make(map[string]func(T))}
}

// Subscription is an unsubscribe handle returned by Subscribe.
type Subscription struct {
	cancel func()
}

// Cancel removes the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Subscribe registers fn and returns a handle that removes it again.
func (s *Signal[T]) Subscribe(fn func(T)) *Subscription {
	id := uuid.NewString()

	s.mu.Lock()
	s.order = append(s.order, id)
	s.listeners[id] = fn
	s.mu.Unlock()

	return &Subscription{cancel: func() { s.remove(id) }}
}

func (s *Signal[T]) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[id]; !ok {
		return
	}
	delete(s.listeners, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to all current listeners in subscription order.
func (s *Signal[T]) Publish(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		if fn, ok := s.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of active listeners.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Bag collects subscriptions so an owning component can release them all
// when it is torn down.
type Bag struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add stores sub for later release.
func (b *Bag) Add(sub *Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close cancels every collected subscription and empties the bag.
func (b *Bag) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
