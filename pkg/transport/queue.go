package transport

import (
	"sync"

	"github.com/seamnet/seam/pkg/server"
)

// eventQueue is an unbounded FIFO between emitters and the observer channel.
// Push never blocks, so it may be called while holding the engine lock.
type eventQueue[E server.Error] struct {
	mu     sync.Mutex
	items  []server.Event[E]
	head   int
	signal chan struct{}
}

func newEventQueue[E server.Error]() *eventQueue[E] {
	return &eventQueue[E]{signal: make(chan struct{}, 1)}
}

// push appends an event and wakes the pump.
func (q *eventQueue[E]) push(ev server.Event[E]) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes the oldest event. ok is false when the queue is empty.
func (q *eventQueue[E]) pop() (ev server.Event[E], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return ev, false
	}
	ev = q.items[q.head]
	q.items[q.head] = server.Event[E]{}
	q.head++

	// Reclaim the backing array once it has been fully drained.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return ev, true
}

// len returns the number of pending events.
func (q *eventQueue[E]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// pump delivers queued events to out in order. It closes out after
// delivering the Shutdown event and returns.
func (q *eventQueue[E]) pump(out chan<- server.Event[E]) {
	for {
		ev, ok := q.pop()
		if !ok {
			<-q.signal
			continue
		}
		out <- ev
		if ev.Kind == server.KindShutdown {
			close(out)
			return
		}
	}
}
