package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultQueueKey is the sorted set holding request ids scored by notBefore.
const DefaultQueueKey = "drip:sendqueue"

// claimScript pops up to ARGV[2] members scored at or before ARGV[1]. Running
// it server-side keeps two pollers from claiming the same id.
var claimScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	for _, id in ipairs(due) do
		redis.call("ZREM", KEYS[1], id)
	end
	return due
`)

// RedisQueue is the delayed task queue backed by a Redis sorted set. Score
// is the notBefore time in unix milliseconds. It implements sending.TaskQueue.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisQueue creates a queue on key, or DefaultQueueKey when key is empty.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key, now: time.Now}
}

// Enqueue adds id to fire at notBefore. Re-enqueueing an id moves it.
func (q *RedisQueue) Enqueue(ctx context.Context, id string, notBefore time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd %s: %w", q.key, err)
	}
	return nil
}

// IsBrokerAvailable pings Redis with a short deadline.
func (q *RedisQueue) IsBrokerAvailable(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return q.client.Ping(pctx).Err() == nil
}

// Remove drops ids from the queue. Missing ids are ignored.
func (q *RedisQueue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := q.client.ZRem(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", q.key, err)
	}
	return nil
}

// Claim atomically removes and returns up to limit ids that are due.
func (q *RedisQueue) Claim(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := claimScript.Run(ctx, q.client, []string{q.key}, now, limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim due ids: %w", err)
	}
	return ids, nil
}

// NextDue returns the earliest notBefore in the queue. ok is false when the
// queue is empty.
func (q *RedisQueue) NextDue(ctx context.Context) (at time.Time, ok bool, err error) {
	zs, err := q.client.ZRangeWithScores(ctx, q.key, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("peek %s: %w", q.key, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

// Len returns the number of queued ids.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
