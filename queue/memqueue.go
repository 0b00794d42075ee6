package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/stairway/errs"
)

/*
MemQueue is an in-process WorkQueue for single-binary deployments that
still want the READY/QUEUED submission protocol, and for tests that need
a queue without redis or a filesystem. Delivery is at-least-once within
the process: an unacknowledged message goes back to the head of the
line.
*/
type MemQueue struct {
	mu       sync.Mutex
	messages []string
	closed   bool
}

// NewMemQueue returns an empty in-memory queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{}
}

func (q *MemQueue) EnqueueMessage(ctx context.Context, message string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: queue closed", errs.ErrQueue)
	}
	q.messages = append(q.messages, message)
	return nil
}

func (q *MemQueue) DispatchMessages(ctx context.Context, maxMessages int, handler func(ctx context.Context, message string) bool) error {
	for i := 0; i < maxMessages; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		message, ok := q.pop()
		if !ok {
			return nil
		}
		if !handler(ctx, message) {
			q.pushFront(message)
			// The handler declined; calling it again immediately with the
			// same message would spin.
			return nil
		}
	}
	return nil
}

func (q *MemQueue) PurgeQueueForTesting(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = nil
	return nil
}

// Close rejects further enqueues. Dispatch drains what remains.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *MemQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return "", false
	}
	message := q.messages[0]
	q.messages = q.messages[1:]
	return message, true
}

func (q *MemQueue) pushFront(message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append([]string{message}, q.messages...)
}
