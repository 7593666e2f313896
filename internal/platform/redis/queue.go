package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/phrazzld/docqueue/internal/task"
	"github.com/redis/go-redis/v9"
)

// promoteBatch bounds how many due records one promotion moves
const promoteBatch = 100

// promoteScript atomically moves due members of the delayed set (KEYS[1])
// into the ready list (KEYS[2]) in score order. Producers LPUSH and
// consumers RPOP, so promoted records join the back of the line behind
// everything already ready.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// Options holds the connection settings for NewClient
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a client for opts. No connection is made until the
// first command, so a worker can start while Redis is down and report
// itself degraded instead of exiting.
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Connect is NewClient followed by a PING, for callers that want to fail
// fast.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	client := NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis at %s: %w", task.ErrConnection, opts.Addr, err)
	}
	return client, nil
}

// Queue is a task.Queue backed by Redis. It is safe for concurrent use;
// go-redis pools connections across workers.
type Queue struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue wraps client. keyPrefix namespaces every key, e.g. "docqueue:".
func NewQueue(client redis.UniversalClient, keyPrefix string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client: client,
		prefix: keyPrefix,
		logger: logger.With("component", "redis_queue"),
		now:    time.Now,
	}
}

func (q *Queue) readyKey(name string) string {
	return q.prefix + "queue:" + name
}

func (q *Queue) delayedKey(name string) string {
	return q.readyKey(name) + ":delayed"
}

// Enqueue pushes rec onto the ready list, or onto the delayed set when
// delay is positive.
func (q *Queue) Enqueue(ctx context.Context, name string, rec *task.Record, delay time.Duration) error {
	if rec == nil {
		return fmt.Errorf("enqueue: nil record")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", rec.ID, err)
	}

	if delay <= 0 {
		err = q.client.LPush(ctx, q.readyKey(name), data).Err()
	} else {
		visibleAt := q.now().Add(delay).UnixMilli()
		err = q.client.ZAdd(ctx, q.delayedKey(name), redis.Z{Score: float64(visibleAt), Member: data}).Err()
	}
	if err != nil {
		return q.wrap(ctx, "enqueue", err)
	}

	q.logger.Debug("task enqueued", "task_id", rec.ID, "queue", name, "delay", delay)
	return nil
}

// Dequeue pops the oldest visible record, blocking up to timeout. BRPOP
// works in whole seconds, so waits are rounded up; a non-positive timeout
// polls without blocking.
func (q *Queue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*task.Record, error) {
	deadline := q.now().Add(timeout)

	for {
		next, err := q.promote(ctx, name)
		if err != nil {
			return nil, err
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return q.pop(ctx, name)
		}

		wait := remaining
		if !next.IsZero() {
			if untilDue := next.Sub(q.now()); untilDue < wait {
				wait = untilDue
			}
		}

		rec, err := q.blockingPop(ctx, name, wait)
		if err != nil || rec != nil {
			return rec, err
		}
	}
}

// pop takes one ready record without blocking
func (q *Queue) pop(ctx context.Context, name string) (*task.Record, error) {
	for {
		data, err := q.client.RPop(ctx, q.readyKey(name)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, q.wrap(ctx, "dequeue", err)
		}
		if rec := q.decode(name, data); rec != nil {
			return rec, nil
		}
	}
}

func (q *Queue) blockingPop(ctx context.Context, name string, wait time.Duration) (*task.Record, error) {
	secs := (wait + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}

	result, err := q.client.BRPop(ctx, secs*time.Second, q.readyKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrap(ctx, "dequeue", err)
	}
	// result is [key, value]
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(result))
	}
	return q.decode(name, []byte(result[1])), nil
}

// decode parses a popped entry. A corrupt entry is logged and discarded so
// it cannot wedge the queue.
func (q *Queue) decode(name string, data []byte) *task.Record {
	var rec task.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		q.logger.Error("discarding undecodable queue entry", "queue", name, "error", err, "size", len(data))
		return nil
	}
	return &rec
}

// promote moves due delayed records to the ready list and returns when the
// next delayed record becomes due (zero if none).
func (q *Queue) promote(ctx context.Context, name string) (time.Time, error) {
	delayed := q.delayedKey(name)
	now := q.now().UnixMilli()

	moved, err := promoteScript.Run(ctx, q.client,
		[]string{delayed, q.readyKey(name)},
		strconv.FormatInt(now, 10), promoteBatch,
	).Int()
	if err != nil {
		return time.Time{}, q.wrap(ctx, "promote", err)
	}
	if moved > 0 {
		q.logger.Debug("promoted delayed tasks", "queue", name, "count", moved)
	}

	head, err := q.client.ZRangeWithScores(ctx, delayed, 0, 0).Result()
	if err != nil {
		return time.Time{}, q.wrap(ctx, "promote", err)
	}
	if len(head) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(head[0].Score)), nil
}

// Depth counts ready and delayed records
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey(name))
	delayed := pipe.ZCard(ctx, q.delayedKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, q.wrap(ctx, "depth", err)
	}
	return ready.Val() + delayed.Val(), nil
}

// Ping verifies connectivity with Redis
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return q.wrap(ctx, "ping", err)
	}
	return nil
}

// Close releases the underlying client
func (q *Queue) Close() error {
	return q.client.Close()
}

// wrap marks backend failures as task.ErrConnection; cancellation of the
// caller's context is returned as is.
func (q *Queue) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: redis %s: %w", task.ErrConnection, op, err)
}
