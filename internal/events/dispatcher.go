// Package events provides a small typed observer used for lifecycle notifications.
package events

import (
	"sync"
)

// Handler receives one emitted value.
type Handler[T any] func(T)

type subscription[T any] struct {
	id int
	fn Handler[T]
}

// Dispatcher fans named events out to subscribers in subscription order.
// The zero value is ready to use.
type Dispatcher[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription[T]
}

// On subscribes fn to name and returns a func that removes the subscription.
func (d *Dispatcher[T]) On(name string, fn Handler[T]) (off func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs == nil {
		d.subs = make(map[string][]subscription[T])
	}
	d.nextID++
	id := d.nextID
	d.subs[name] = append(d.subs[name], subscription[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(name, id) })
	}
}

// Once subscribes fn for a single delivery.
func (d *Dispatcher[T]) Once(name string, fn Handler[T]) (off func()) {
	var (
		once   sync.Once
		offFn  func()
		offSet = make(chan struct{})
	)
	offFn = d.On(name, func(v T) {
		once.Do(func() {
			<-offSet
			offFn()
			fn(v)
		})
	})
	close(offSet)
	return offFn
}

func (d *Dispatcher[T]) remove(name string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.subs[name]
	for i, s := range subs {
		if s.id == id {
			d.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(d.subs[name]) == 0 {
		delete(d.subs, name)
	}
}

// Emit calls every subscriber of name synchronously and returns how many ran.
// Handlers may subscribe or unsubscribe while being called.
func (d *Dispatcher[T]) Emit(name string, v T) int {
	d.mu.RLock()
	subs := append([]subscription[T](nil), d.subs[name]...)
	d.mu.RUnlock()

	for _, s := range subs {
		s.fn(v)
	}
	return len(subs)
}

// Count returns the number of subscribers for name.
func (d *Dispatcher[T]) Count(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[name])
}
