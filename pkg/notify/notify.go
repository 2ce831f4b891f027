// Package notify fans values out to subscribers in publish order.
//
// Every subscriber owns a FIFO queue drained by its own goroutine, so a slow
// callback never blocks the publisher and calls to one subscriber never overlap.
package notify

import "sync"

type Dispatcher[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

func NewDispatcher[T any]() *Dispatcher[T] {
	return &Dispatcher[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscription is a registered callback. Cancel is safe to call more than once
// and from inside the callback itself.
type Subscription[T any] struct {
	d    *Dispatcher[T]
	id   uint64
	fn   func(T)
	mu   sync.Mutex
	cond *sync.Cond

	queue   []T
	held    bool
	done    bool
	stopped chan struct{}
}

// Subscribe registers fn for every value published from now on
func (d *Dispatcher[T]) Subscribe(fn func(T)) *Subscription[T] {
	return d.add(fn, false)
}

// Hold registers fn but buffers deliveries until Release supplies the value
// the subscriber must see first
func (d *Dispatcher[T]) Hold(fn func(T)) *Subscription[T] {
	return d.add(fn, true)
}

func (d *Dispatcher[T]) add(fn func(T), held bool) *Subscription[T] {
	s := &Subscription[T]{d: d, fn: fn, held: held, stopped: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.done = true
		close(s.stopped)
		return s
	}
	d.nextID++
	s.id = d.nextID
	d.subs[s.id] = s
	d.mu.Unlock()

	go s.run()
	return s
}

// Publish enqueues v for every live subscriber
func (d *Dispatcher[T]) Publish(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		s.enqueue(v)
	}
}

// Len reports the number of live subscribers
func (d *Dispatcher[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close cancels every subscription; later subscriptions are born cancelled
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	d.closed = true
	subs := d.subs
	d.subs = make(map[uint64]*Subscription[T])
	d.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Release delivers initial ahead of anything queued while held. It is a no-op
// for subscriptions that were not held or were already released.
func (s *Subscription[T]) Release(initial T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held || s.done {
		return
	}
	s.queue = append([]T{initial}, s.queue...)
	s.held = false
	s.cond.Signal()
}

func (s *Subscription[T]) Cancel() {
	s.d.mu.Lock()
	delete(s.d.subs, s.id)
	s.d.mu.Unlock()
	s.stop()
}

// Done is closed once the delivery goroutine has exited
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.stopped
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.queue = append(s.queue, v)
	s.cond.Signal()
}

func (s *Subscription[T]) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.queue = nil
	s.cond.Signal()
}

func (s *Subscription[T]) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for !s.done && (s.held || len(s.queue) == 0) {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		var zero T
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(v)
	}
}
