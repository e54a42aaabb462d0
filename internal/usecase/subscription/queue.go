package subscription

import (
	"context"
	"sync"

	"graphql-client/internal/domain"
)

// queue is the delivery slot of one operation. The receiver loop is the only
// producer and the blocked caller the only consumer. It never blocks the
// producer: frames accumulate until popped.
//
// Once failed, frames already queued are still handed out in order before the
// failure is reported.
type queue struct {
	mu     sync.Mutex
	items  []domain.Frame
	err    error
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

// Push appends a frame. Frames pushed after Fail are dropped.
func (q *queue) Push(f domain.Frame) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.notify()
}

// Fail records a terminal error for the consumer. Only the first call counts.
func (q *queue) Fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.notify()
}

// Pop blocks until a frame is available, the queue fails, or ctx is done.
func (q *queue) Pop(ctx context.Context) (domain.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = domain.Frame{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return domain.Frame{}, err
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return domain.Frame{}, ctx.Err()
		}
	}
}

// Len returns the number of frames waiting.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
