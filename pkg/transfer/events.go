package transfer

import (
	"sync"
	"time"
)

// Status is the run state shown to the user.
type Status string

const (
	StatusInvestigating Status = "INVESTIGATING"
	StatusTransferring  Status = "TRANSFERRING"
	StatusDone          Status = "DONE"
	StatusAborted       Status = "ABORTED"
	StatusFailed        Status = "FAILED"
)

// Event is a message from a running Worker to the host.
type Event interface {
	isEvent()
}

// EventStatus is published on every run state change.
type EventStatus struct {
	Status Status
	Text   string
}

// EventProgress reports transferred bytes. Percent is in [0, 100].
type EventProgress struct {
	Percent int
	Bytes   int64
	Total   int64
}

// EventException ends a failed run.
type EventException struct {
	Err error
}

// EventAborted ends an aborted run.
type EventAborted struct {
	Reason string
}

// EventDone ends a successful run.
type EventDone struct {
	OutputPath   string
	MissingFiles []string
}

func (EventStatus) isEvent()    {}
func (EventProgress) isEvent()  {}
func (EventException) isEvent() {}
func (EventAborted) isEvent()   {}
func (EventDone) isEvent()      {}

// IsTerminal reports whether ev is the last event of a run.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case EventDone, EventException, EventAborted:
		return true
	}
	return false
}

// eventQueue is an unbounded FIFO. The producer never blocks; the consumer
// may wait for the next event with a timeout.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return ev, true
}

// poll returns the next event. With timeout <= 0 it never blocks.
func (q *eventQueue) poll(timeout time.Duration) (Event, bool) {
	if ev, ok := q.pop(); ok {
		return ev, true
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if ev, ok := q.pop(); ok {
				return ev, true
			}
		case <-timer.C:
			return q.pop()
		}
	}
}
