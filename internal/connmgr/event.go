package connmgr

import (
	"fmt"
	"sync"
)

// EventKind distinguishes the events on the Events stream.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventData
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one entry of the manager's event stream.
//
// For one session the order is: a single EventConnected, EventData in receipt order, a
// single EventDisconnected. A reconnect under the same identifier starts after the previous
// session's EventDisconnected.
type Event struct {
	Kind       EventKind
	Identifier string
	Address    string // set on EventConnected
	Data       []byte // set on EventData; owned by the receiver
}

// eventQueue is an unbounded FIFO between session readers and the Events channel, so
// teardown never waits on a slow consumer.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	out    chan Event
}

func newEventQueue(capacity int) *eventQueue {
	q := &eventQueue{out: make(chan Event, capacity)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push appends ev. Returns false once the queue is closed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

// close stops accepting events; already queued events are still delivered before out is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
