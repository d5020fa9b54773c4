package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-gateway/contracts"
)

// DefaultQueueSize bounds a queue configured without MaxSize.
const DefaultQueueSize = 1000

// Queue is a bounded FIFO of messages shared between goroutines.
type Queue interface {
	// Enqueue appends msg without blocking. It returns a *QueueFullError when
	// the queue is at capacity and ErrQueueClosed after Close.
	Enqueue(msg *contracts.Message) error
	// EnqueueWait appends msg, waiting for space until ctx is done.
	EnqueueWait(ctx context.Context, msg *contracts.Message) error
	// Dequeue removes the head, waiting until a message is available, ctx is
	// done or the queue is closed and drained.
	Dequeue(ctx context.Context) (*contracts.Message, error)
	// TryDequeue removes the head without blocking, or returns ErrQueueEmpty.
	TryDequeue() (*contracts.Message, error)
	// Stream yields messages until ctx is cancelled or the queue is closed and
	// drained. Each call starts a new consumer.
	Stream(ctx context.Context) <-chan *contracts.Message

	Name() string
	Size() int
	Capacity() int
	IsEmpty() bool
	IsFull() bool
	Stats() QueueStats
	Close()
}

// QueueStats is a point-in-time view of a queue
type QueueStats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Enqueued int64  `json:"enqueued"`
	Dequeued int64  `json:"dequeued"`
	Rejected int64  `json:"rejected"`
	Closed   bool   `json:"closed"`
}

// QueueConfig selects and sizes a queue implementation
type QueueConfig struct {
	Name    string `mapstructure:"name"`
	Type    string `mapstructure:"type"`
	MaxSize int    `mapstructure:"maxsize"`
}

// NewQueue builds a queue from config. Only the "memory" type exists; an empty
// type selects it.
func NewQueue(cfg QueueConfig) (Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(cfg.Name, cfg.MaxSize), nil
	default:
		return nil, fmt.Errorf("unsupported queue type %q", cfg.Type)
	}
}

// MemoryQueue is an in-process Queue. Waiters park on notification channels
// that are closed and replaced on every state change, so waits compose with
// context cancellation.
type MemoryQueue struct {
	name     string
	capacity int

	mu       sync.Mutex
	items    []*contracts.Message
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}

	enqueued int64
	dequeued int64
	rejected int64
}

// NewMemoryQueue creates a queue holding at most maxSize messages. A
// non-positive maxSize selects DefaultQueueSize.
func NewMemoryQueue(name string, maxSize int) *MemoryQueue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &MemoryQueue{
		name:     name,
		capacity: maxSize,
		items:    make([]*contracts.Message, 0, min(maxSize, 64)),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Capacity() int { return q.capacity }

func (q *MemoryQueue) Enqueue(msg *contracts.Message) error {
	if msg == nil {
		return &contracts.ValidationError{Field: "message", Reason: "is nil"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.rejected++
		return &QueueFullError{Queue: q.name, Capacity: q.capacity}
	}
	q.pushLocked(msg)
	return nil
}

func (q *MemoryQueue) EnqueueWait(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return &contracts.ValidationError{Field: "message", Reason: "is nil"}
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.pushLocked(msg)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*contracts.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.popLocked()
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) TryDequeue() (*contracts.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}
	return q.popLocked(), nil
}

func (q *MemoryQueue) Stream(ctx context.Context) <-chan *contracts.Message {
	out := make(chan *contracts.Message)
	go func() {
		defer close(out)
		for {
			msg, err := q.Dequeue(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				q.putBack(msg)
				return
			}
		}
	}()
	return out
}

func (q *MemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) IsEmpty() bool {
	return q.Size() == 0
}

func (q *MemoryQueue) IsFull() bool {
	return q.Size() >= q.capacity
}

func (q *MemoryQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Name:     q.name,
		Size:     len(q.items),
		Capacity: q.capacity,
		Enqueued: q.enqueued,
		Dequeued: q.dequeued,
		Rejected: q.rejected,
		Closed:   q.closed,
	}
}

// Close stops further enqueues. Messages already queued can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
	close(q.notFull)
	q.notFull = make(chan struct{})
}

// putBack returns a message taken by a cancelled stream to the head of the
// queue. It ignores capacity and the closed flag: the message was already
// accepted once and must not be lost.
func (q *MemoryQueue) putBack(msg *contracts.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = msg
	q.dequeued--
	q.signalLocked(&q.notEmpty)
}

func (q *MemoryQueue) pushLocked(msg *contracts.Message) {
	q.items = append(q.items, msg)
	q.enqueued++
	q.signalLocked(&q.notEmpty)
}

func (q *MemoryQueue) popLocked() *contracts.Message {
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.dequeued++
	q.signalLocked(&q.notFull)
	return msg
}

func (q *MemoryQueue) signalLocked(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
