package concurrent

import (
	"context"
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO. Push never blocks, so it is safe to call from
// callbacks that must return quickly.
type Queue struct {
	lk     sync.Mutex
	items  *linkedlistqueue.Queue
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewQueue() *Queue {
	return &Queue{
		items:  linkedlistqueue.New(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v, it returns false once the queue is closed.
func (q *Queue) Push(v interface{}) bool {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return false
	}
	q.items.Enqueue(v)
	q.lk.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available. Items pushed before Close are still
// handed out, after that Pop returns ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (interface{}, error) {
	for {
		q.lk.Lock()
		if v, ok := q.items.Dequeue(); ok {
			q.lk.Unlock()
			return v, nil
		}
		closed := q.closed
		q.lk.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek blocks like Pop but leaves the item at the head of the queue.
func (q *Queue) Peek(ctx context.Context) (interface{}, error) {
	for {
		q.lk.Lock()
		if v, ok := q.items.Peek(); ok {
			q.lk.Unlock()
			return v, nil
		}
		closed := q.closed
		q.lk.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Values returns the queued items in FIFO order without removing them.
func (q *Queue) Values() []interface{} {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.items.Values()
}

func (q *Queue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return q.items.Size()
}

func (q *Queue) Close() {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
