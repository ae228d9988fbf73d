// Package observe holds state that other parts of an application can watch.
package observe

import "sync"

// Value holds the latest value of some state and notifies subscribers when it
// changes. It has a single writer by convention; Set is still safe to call
// from several goroutines.
type Value[T any] struct {
	mu     sync.Mutex
	v      T
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// NewValue returns a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v, then calls every subscriber with it in subscription order.
// Subscribers run on the caller's goroutine after the value is visible to Get.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	o.v = v
	subs := make([]subscriber[T], len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Subscribe registers fn and immediately calls it with the current value. The
// returned function removes the subscription.
func (o *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs = append(o.subs, subscriber[T]{id: id, fn: fn})
	cur := o.v
	o.mu.Unlock()

	fn(cur)

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i], o.subs[i+1:]...)
				return
			}
		}
	}
}
