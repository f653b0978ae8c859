// Package feed provides typed, latest-value-wins fan-out of snapshots.
//
// Every subscription channel holds at most one value. Publishing replaces an
// unread value instead of blocking, so slow readers always observe the most
// recent complete snapshot and never a backlog of stale ones.
package feed

import "sync"

// Subscription receives values published on a Feed.
type Subscription[T any] struct {
	ch   chan T
	feed *Feed[T]
}

// C returns the channel values are delivered on. It is closed when the
// subscription or the feed is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from its feed.
func (s *Subscription[T]) Close() {
	s.feed.unsubscribe(s)
}

// Feed fans published values out to subscribers.
type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	latest  T
	hasLast bool
	closed  bool
}

func New[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber. If a value was already published the
// subscriber receives it immediately.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscription[T]{ch: make(chan T, 1), feed: f}
	if f.closed {
		close(sub.ch)
		return sub
	}
	if f.hasLast {
		sub.ch <- f.latest
	}
	f.subs[sub] = struct{}{}
	return sub
}

// Publish stores v as the latest value and delivers it to every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = v
	f.hasLast = true
	for sub := range f.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- v
	}
}

// Latest returns the last published value.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasLast
}

// Len returns the number of active subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		close(sub.ch)
		delete(f.subs, sub)
	}
}

func (f *Feed[T]) unsubscribe(sub *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.ch)
}
