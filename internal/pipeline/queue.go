package pipeline

import (
	"container/list"
	"context"
	"sync"

	"meshchat/internal/message"
)

// hookQueue is an unbounded FIFO of messages waiting for plugin hooks and
// notification. Push never blocks, so a hook that sends a message cannot
// wedge the worker that is running it.
type hookQueue struct {
	mu     sync.Mutex
	items  *list.List
	active int
	signal chan struct{}
}

func newHookQueue() *hookQueue {
	return &hookQueue{items: list.New(), signal: make(chan struct{}, 1)}
}

func (q *hookQueue) push(m message.Message) {
	q.mu.Lock()
	q.items.PushBack(m)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *hookQueue) pop() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return message.Message{}, false
	}
	q.items.Remove(front)
	q.active++
	return front.Value.(message.Message), true
}

func (q *hookQueue) done() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

// len counts queued messages plus the one being processed.
func (q *hookQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() + q.active
}

// drain hands every queued message to fn until ctx is done.
func (q *hookQueue) drain(ctx context.Context, fn func(message.Message)) error {
	for {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m, ok := q.pop()
			if !ok {
				break
			}
			fn(m)
			q.done()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.signal:
		}
	}
}
