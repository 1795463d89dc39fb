package memstore

import (
	"sync"

	"github.com/fenwicklabs/dialtone/internal/call"
	"github.com/fenwicklabs/dialtone/internal/store"
)

// queue is an unbounded FIFO drained by a single goroutine, so each
// subscriber observes events in enqueue order without ever blocking a
// publisher.
type queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	stopped bool
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue[T]) enqueue(item T) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *queue[T]) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cond.Signal()
}

// drain invokes fn for each item in order until stop is called.
func (q *queue[T]) drain(fn func(T)) {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		fn(item)
	}
}

type recordSub struct {
	filter   store.Filter
	q        *queue[store.Event]
	stopOnce sync.Once
	onStop   func(*recordSub)
}

func newRecordSub(filter store.Filter, fn func(store.Event), onStop func(*recordSub)) *recordSub {
	sub := &recordSub{
		filter: filter,
		q:      newQueue[store.Event](),
		onStop: onStop,
	}
	go sub.q.drain(fn)
	return sub
}

func (s *recordSub) enqueue(ev store.Event) { s.q.enqueue(ev) }

func (s *recordSub) stop() {
	s.stopOnce.Do(func() {
		s.q.stop()
		s.onStop(s)
	})
}

type candidateSub struct {
	callID   string
	origin   call.Origin
	q        *queue[call.CandidateRecord]
	stopOnce sync.Once
	onStop   func(*candidateSub)
}

func newCandidateSub(callID string, origin call.Origin, fn func(call.CandidateRecord), onStop func(*candidateSub)) *candidateSub {
	sub := &candidateSub{
		callID: callID,
		origin: origin,
		q:      newQueue[call.CandidateRecord](),
		onStop: onStop,
	}
	go sub.q.drain(fn)
	return sub
}

func (s *candidateSub) enqueue(cand call.CandidateRecord) { s.q.enqueue(cand) }

func (s *candidateSub) stop() {
	s.stopOnce.Do(func() {
		s.q.stop()
		s.onStop(s)
	})
}
