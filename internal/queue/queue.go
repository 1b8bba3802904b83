package queue

import (
	"errors"
	"sync"

	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

// ErrFull is returned by Enqueue when the queue holds Cap() messages.
var ErrFull = errors.New("queue full")

// Queue is a bounded FIFO of pending messages.
type Queue struct {
	mu    sync.Mutex
	data  []*types.Message
	cap   int
	ready chan struct{}
}

// New returns an empty Queue holding at most capacity messages.
// A capacity below 1 is treated as 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		data:  make([]*types.Message, 0, capacity),
		cap:   capacity,
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends m, or returns ErrFull without touching existing entries.
func (q *Queue) Enqueue(m *types.Message) error {
	q.mu.Lock()
	if len(q.data) >= q.cap {
		q.mu.Unlock()
		return ErrFull
	}
	q.data = append(q.data, m)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// DequeueUpTo removes and returns at most n messages in enqueue order.
// It returns nil when the queue is empty or n < 1.
func (q *Queue) DequeueUpTo(n int) []*types.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 || n < 1 {
		return nil
	}
	if n > len(q.data) {
		n = len(q.data)
	}
	out := make([]*types.Message, n)
	copy(out, q.data[:n])
	rest := copy(q.data, q.data[n:])
	for i := rest; i < len(q.data); i++ {
		q.data[i] = nil
	}
	q.data = q.data[:rest]
	return out
}

// Drain removes and returns everything currently queued.
func (q *Queue) Drain() []*types.Message {
	q.mu.Lock()
	n := len(q.data)
	q.mu.Unlock()
	return q.DequeueUpTo(n)
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return q.cap }

// Ready signals after an Enqueue. The channel has capacity one, so several
// enqueues between two receives collapse into a single signal.
func (q *Queue) Ready() <-chan struct{} { return q.ready }
