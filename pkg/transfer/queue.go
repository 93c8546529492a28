package transfer

import "sync"

// Queue is a FIFO of file requests shared between the dependency tracer,
// which pushes, and the builder, which pops. Requests the builder could not
// process are pushed back to the front.
type Queue struct {
	mu    sync.Mutex
	items []FileRequest
}

// NewQueue returns a queue holding reqs in order.
func NewQueue(reqs ...FileRequest) *Queue {
	q := &Queue{}
	q.items = append(q.items, reqs...)
	return q
}

// Push appends a request.
func (q *Queue) Push(req FileRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

// PushFront puts a request back at the head of the queue.
func (q *Queue) PushFront(req FileRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]FileRequest{req}, q.items...)
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (FileRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return FileRequest{}, false
	}
	req := q.items[0]
	q.items[0] = FileRequest{}
	q.items = q.items[1:]
	return req, true
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remaining returns a copy of the queued requests without removing them.
func (q *Queue) Remaining() []FileRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FileRequest(nil), q.items...)
}
