package postbox

import "sync"

// Stream is a push channel delivering snapshots to one subscriber in
// order, with an explicit close to signal completion; it carries no error
// value.
// The transaction driver is the only writer; Dispose is the only thing a
// subscriber calls.
type Stream[T any] struct {
	ch     chan T
	once   sync.Once
	closed chan struct{}
}

func newStream[T any](buffer int) *Stream[T] {
	return &Stream[T]{ch: make(chan T, buffer), closed: make(chan struct{})}
}

// C exposes the channel a subscriber ranges or selects over. It is closed
// when the stream is disposed.
func (s *Stream[T]) C() <-chan T { return s.ch }

func (s *Stream[T]) emit(v T) {
	select {
	case s.ch <- v:
	case <-s.closed:
	}
}

// Dispose closes the stream, including the channel C returns, so a
// consumer ranging over it terminates. Safe to call more than once. Must
// only be called from the same goroutine that calls emit (the driver's
// worker), or a concurrent emit could send on the now-closed channel.
func (s *Stream[T]) Dispose() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}
