// Package live provides push-based, conflating value streams. A Subject
// holds the latest value and fans it out to any number of subscriptions;
// a slow subscriber only ever sees the most recent value, or the merge of
// everything it missed when the subject was built with a merge function.
package live

import "sync"

// Subject is a multi-subscriber holder of the latest published value.
// The zero value is not usable; call NewSubject.
type Subject[T any] struct {
	mu     sync.Mutex
	value  T
	has    bool
	closed bool
	subs   map[*Subscription[T]]struct{}
	merge  func(pending, next T) T
}

// NewSubject returns an empty subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{subs: make(map[*Subscription[T]]struct{})}
}

// NewMergingSubject returns an empty subject whose subscriptions combine
// an undelivered value with the next one using merge instead of dropping
// it. merge must not modify its arguments.
func NewMergingSubject[T any](merge func(pending, next T) T) *Subject[T] {
	s := NewSubject[T]()
	s.merge = merge

	return s
}

// NewSubjectWith returns a subject holding an initial value.
func NewSubjectWith[T any](v T) *Subject[T] {
	s := NewSubject[T]()
	s.value = v
	s.has = true

	return s
}

// Publish stores v and delivers it to every subscription. Publishing on a
// closed subject is a no-op.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.value = v
	s.has = true

	for sub := range s.subs {
		sub.offer(v, s.merge)
	}
}

// Value returns the latest value and whether one was ever published.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.value, s.has
}

// Subscribe registers a new subscription. If a value has been published
// it is delivered immediately. Subscribing to a closed subject returns a
// subscription whose channel is already closed.
func (s *Subject[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		ch:     make(chan T, 1),
		done:   make(chan struct{}),
		parent: s,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		sub.closeLocked()
		return sub
	}

	if s.has {
		sub.offer(s.value, nil)
	}

	s.subs[sub] = struct{}{}

	return sub
}

// Subscribers reports how many subscriptions are open.
func (s *Subject[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.subs)
}

// Close closes the subject and every open subscription.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true

	for sub := range s.subs {
		sub.closeLocked()
		delete(s.subs, sub)
	}
}

// Subscription receives values from a Subject. Close is safe to call
// from any goroutine, any number of times.
type Subscription[T any] struct {
	ch       chan T
	done     chan struct{}
	parent   *Subject[T]
	isClosed bool
}

// C returns the channel values are delivered on. It is closed when the
// subscription or its subject is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close detaches the subscription from its subject.
func (s *Subscription[T]) Close() {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	delete(s.parent.subs, s)
	s.closeLocked()
}

// offer replaces any undelivered value with v, or with merge(old, v)
// when merge is set. Callers hold parent.mu, so there is a single sender
// at a time.
func (s *Subscription[T]) offer(v T, merge func(T, T) T) {
	if s.isClosed {
		return
	}

	select {
	case s.ch <- v:
		return
	default:
	}

	select {
	case old := <-s.ch:
		if merge != nil {
			v = merge(old, v)
		}
	default:
	}

	s.ch <- v
}

func (s *Subscription[T]) closeLocked() {
	if s.isClosed {
		return
	}

	s.isClosed = true
	close(s.ch)
	close(s.done)
}

// Derive returns a subscription whose values are produced by load. load
// runs once immediately and again each time trigger emits a value that
// match accepts. A trigger that conflates may hide a matching value
// behind a later one, so triggers should be merging subjects. Load errors are passed to onErr and the previous value
// is kept. The returned subscription ends when closed by the caller or
// when trigger's subject closes.
func Derive[S, T any](trigger *Subject[S], match func(S) bool, load func() (T, error), onErr func(error)) *Subscription[T] {
	out := NewSubject[T]()
	sub := out.Subscribe()

	// Subscribe before the first load so no change is missed in between.
	src := trigger.Subscribe()

	// The replayed trigger value is covered by the initial load.
	select {
	case <-src.C():
	default:
	}

	refresh := func() {
		v, err := load()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}

			return
		}

		out.Publish(v)
	}

	refresh()

	go func() {
		defer out.Close()
		defer src.Close()

		for {
			select {
			case <-sub.Done():
				return
			case s, ok := <-src.C():
				if !ok {
					return
				}

				if match == nil || match(s) {
					refresh()
				}
			}
		}
	}()

	return sub
}
