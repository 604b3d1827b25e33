package executor

import (
	"sync"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// Queue is the bounded pending-signal FIFO between the scanner and the
// executor. The mutex guards only the slice; callers never hold it across a
// network call.
type Queue struct {
	mu    sync.Mutex
	items []domain.Signal
	cap   int
}

// NewQueue creates a queue holding at most capacity signals.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	return &Queue{cap: capacity}
}

// Push enqueues a signal. It reports false when the queue is full or already
// holds a signal for the same symbol, so a slow executor never accumulates
// duplicates.
func (q *Queue) Push(sig domain.Signal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cap {
		return false
	}
	for _, s := range q.items {
		if s.Symbol == sig.Symbol {
			return false
		}
	}
	q.items = append(q.items, sig)
	return true
}

// Pop dequeues the oldest signal, reporting false when empty.
func (q *Queue) Pop() (domain.Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return domain.Signal{}, false
	}
	sig := q.items[0]
	q.items = q.items[1:]
	return sig, true
}

// Len returns the number of queued signals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
