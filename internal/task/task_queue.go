package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Queue is the durable hand-off between producers and workers. Each queue
// name is an independent FIFO channel. A record returned by Dequeue is
// invisible to every other caller.
//
// Implementations must be safe for concurrent use by producers and workers.
type Queue interface {
	// Enqueue appends rec to the tail of the named channel. A positive delay
	// keeps the record invisible to Dequeue until the delay has elapsed.
	// Errors caused by an unreachable backend wrap ErrConnection.
	Enqueue(ctx context.Context, queue string, rec *Record, delay time.Duration) error

	// Dequeue pops the head of the named channel, waiting at most timeout.
	// It returns nil, nil when the timeout expires with nothing to hand out.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Record, error)

	// Depth returns the number of records waiting in the channel, including
	// delayed ones.
	Depth(ctx context.Context, queue string) (int64, error)

	// Ping verifies connectivity with the backend.
	Ping(ctx context.Context) error
}

type delayedRecord struct {
	visibleAt time.Time
	rec       *Record
}

type memoryChannel struct {
	ready   []*Record
	delayed []delayedRecord
	// signal is closed and replaced whenever a record is added.
	signal chan struct{}
}

func (c *memoryChannel) notify() {
	close(c.signal)
	c.signal = make(chan struct{})
}

// promote moves delayed records whose time has come to the ready list.
func (c *memoryChannel) promote(now time.Time) {
	n := 0
	for n < len(c.delayed) && !c.delayed[n].visibleAt.After(now) {
		c.ready = append(c.ready, c.delayed[n].rec)
		n++
	}
	if n > 0 {
		c.delayed = append(c.delayed[:0], c.delayed[n:]...)
	}
}

// MemoryQueue is an in-process Queue. It provides the same hand-off and
// delay semantics as the Redis queue without durability across restarts.
type MemoryQueue struct {
	mu       sync.Mutex
	channels map[string]*memoryChannel
	closed   bool
	logger   *slog.Logger
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		channels: make(map[string]*memoryChannel),
		logger:   logger.With("component", "memory_queue"),
	}
}

// channel must be called with q.mu held.
func (q *MemoryQueue) channel(name string) *memoryChannel {
	c, ok := q.channels[name]
	if !ok {
		c = &memoryChannel{signal: make(chan struct{})}
		q.channels[name] = c
	}
	return c
}

// Enqueue adds a task to the named channel
func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, rec *Record, delay time.Duration) error {
	if rec == nil {
		return fmt.Errorf("enqueue: nil record")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	c := q.channel(queue)
	if delay <= 0 {
		c.ready = append(c.ready, rec.Clone())
	} else {
		visibleAt := time.Now().Add(delay)
		i := sort.Search(len(c.delayed), func(i int) bool {
			return c.delayed[i].visibleAt.After(visibleAt)
		})
		c.delayed = append(c.delayed, delayedRecord{})
		copy(c.delayed[i+1:], c.delayed[i:])
		c.delayed[i] = delayedRecord{visibleAt: visibleAt, rec: rec.Clone()}
	}
	c.notify()

	q.logger.Debug("task enqueued",
		"task_id", rec.ID,
		"queue", queue,
		"delay", delay,
		"ready_len", len(c.ready),
		"delayed_len", len(c.delayed))
	return nil
}

// Dequeue pops the oldest visible record, waiting up to timeout for one.
func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Record, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		c := q.channel(queue)
		now := time.Now()
		c.promote(now)

		if len(c.ready) > 0 {
			rec := c.ready[0]
			c.ready[0] = nil
			c.ready = c.ready[1:]
			q.mu.Unlock()
			return rec, nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			q.mu.Unlock()
			return nil, nil
		}
		wait := remaining
		if len(c.delayed) > 0 {
			if untilDue := c.delayed[0].visibleAt.Sub(now); untilDue < wait {
				wait = untilDue
			}
		}
		signal := c.signal
		q.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-signal:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

// Depth returns ready plus delayed records for the named channel
func (q *MemoryQueue) Depth(ctx context.Context, queue string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	c, ok := q.channels[queue]
	if !ok {
		return 0, nil
	}
	return int64(len(c.ready) + len(c.delayed)), nil
}

// Ping fails once the queue has been closed
func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: %w", ErrConnection, ErrQueueClosed)
	}
	return nil
}

// Close closes the task queue, preventing further task submission
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		for _, c := range q.channels {
			c.notify()
		}
		q.logger.Info("task queue closed")
	}
}
