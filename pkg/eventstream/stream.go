package eventstream

import (
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
)

const outboundCap = 16

// Stream is an ordered, buffered event feed for a single subscriber.
// Publish never blocks the publisher: events are queued and drained to
// the subscriber channel by a shared worker pool, preserving publish
// order. A slow subscriber only ever stalls its own drain task.
type Stream[T any] struct {
	mu       sync.Mutex
	buf      deque.Deque[T]
	out      chan T
	draining bool

	pool   *workerpool.WorkerPool
	closed core.Fuse
}

func New[T any](pool *workerpool.WorkerPool) *Stream[T] {
	s := &Stream[T]{
		out:    make(chan T, outboundCap),
		pool:   pool,
		closed: core.NewFuse(),
	}
	s.buf.SetMinCapacity(4) // 2^4 == outboundCap
	return s
}

// Events yields published values in order. The channel is never closed;
// consumers must select on Done as well.
func (s *Stream[T]) Events() <-chan T { return s.out }

func (s *Stream[T]) Done() <-chan struct{} { return s.closed.Watch() }

func (s *Stream[T]) Publish(v T) {
	if s.closed.IsBroken() {
		return
	}

	s.mu.Lock()
	s.buf.PushBack(v)
	if !s.draining {
		s.draining = true
		s.pool.Submit(s.drain)
	}
	s.mu.Unlock()
}

func (s *Stream[T]) drain() {
	for {
		s.mu.Lock()
		if s.buf.Len() == 0 || s.closed.IsBroken() {
			s.draining = false
			s.mu.Unlock()
			return
		}
		v := s.buf.PopFront()
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.closed.Watch():
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Stream[T]) Close() {
	s.closed.Break()
}
