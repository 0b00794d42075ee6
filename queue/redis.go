package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/logger"
)

/*
RedisQueue is a list-backed WorkQueue. Messages live on a ready list;
DispatchMessages moves each message to a per-consumer processing list
before handing it to the handler, so a consumer crash leaves the message
recoverable rather than lost. Acknowledge removes it from the processing
list; a false handler verdict moves it back to the ready list.

Cloud queues remain external collaborators behind the WorkQueue
interface; this driver covers clusters that already run redis.
*/
type RedisQueue struct {
	log        *logger.Logger
	rdb        *goredis.Client
	readyKey   string
	workingKey string
}

// NewRedisQueue builds a queue named by clusterName on an existing
// client. consumerName distinguishes the processing list of each engine
// instance.
func NewRedisQueue(log *logger.Logger, rdb *goredis.Client, clusterName, consumerName string) (*RedisQueue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: nil redis client", errs.ErrBadRequest)
	}
	if clusterName == "" {
		return nil, fmt.Errorf("%w: empty cluster name", errs.ErrBadRequest)
	}
	if consumerName == "" {
		return nil, fmt.Errorf("%w: empty consumer name", errs.ErrBadRequest)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisQueue{
		log:        log.With("component", "RedisQueue", "cluster", clusterName),
		rdb:        rdb,
		readyKey:   "stairway:" + clusterName + ":ready",
		workingKey: "stairway:" + clusterName + ":working:" + consumerName,
	}, nil
}

func (q *RedisQueue) EnqueueMessage(ctx context.Context, message string) error {
	if err := q.rdb.LPush(ctx, q.readyKey, message).Err(); err != nil {
		return fmt.Errorf("%w: enqueue to %s: %v", errs.ErrQueue, q.readyKey, err)
	}
	return nil
}

func (q *RedisQueue) DispatchMessages(ctx context.Context, maxMessages int, handler func(ctx context.Context, message string) bool) error {
	// Re-deliver anything stranded on our processing list by an earlier
	// crash of this consumer before pulling new work.
	if err := q.requeueWorking(ctx); err != nil {
		return err
	}

	for i := 0; i < maxMessages; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A short blocking pop keeps the listener responsive to
		// cancellation without busy-polling.
		message, err := q.rdb.BLMove(ctx, q.readyKey, q.workingKey, "RIGHT", "LEFT", time.Second).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: pull from %s: %v", errs.ErrQueue, q.readyKey, err)
		}
		if handler(ctx, message) {
			if err := q.rdb.LRem(ctx, q.workingKey, 1, message).Err(); err != nil {
				return fmt.Errorf("%w: acknowledge on %s: %v", errs.ErrQueue, q.workingKey, err)
			}
		} else {
			if err := q.rdb.LMove(ctx, q.workingKey, q.readyKey, "LEFT", "RIGHT").Err(); err != nil {
				return fmt.Errorf("%w: requeue to %s: %v", errs.ErrQueue, q.readyKey, err)
			}
		}
	}
	return nil
}

func (q *RedisQueue) PurgeQueueForTesting(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.readyKey, q.workingKey).Err(); err != nil {
		return fmt.Errorf("%w: purge: %v", errs.ErrQueue, err)
	}
	return nil
}

func (q *RedisQueue) requeueWorking(ctx context.Context) error {
	for {
		err := q.rdb.LMove(ctx, q.workingKey, q.readyKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: recover working list %s: %v", errs.ErrQueue, q.workingKey, err)
		}
	}
}
