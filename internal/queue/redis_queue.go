package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"console-jobs/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled jobs in Redis,
// partitioned into named lanes. Job rows live in Postgres; Redis only holds
// queue position and lease deadlines.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	leaseTTL      time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.LeaseDuration)
}

// NewRedisQueueWithClient wires an existing client; used by tests.
func NewRedisQueueWithClient(client *redis.Client, lease time.Duration) *RedisQueue {
	if lease == 0 {
		lease = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "jobs:inflight",
		scheduledKey:  "jobs:scheduled",
		jobMetaPrefix: "jobs:meta:",
		leaseTTL:      lease,
		dlqKey:        "jobs:dead",
	}
}

func (q *RedisQueue) readyKey(lane string) string {
	return fmt.Sprintf("jobs:ready:%s", lane)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set or its lane's ready
// queue. Enqueue never waits on handler execution.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, lane string, availableAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", lane)
	if availableAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(availableAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(lane), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set; used for retry backoff.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, lane string, availableAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "lane", lane)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(availableAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready queues and
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Claim atomically pops one job from the lane's ready queue and places it
// into the in-flight set with a lease deadline. Returns "" when the lane is
// empty. Safe under concurrent callers: the Lua script makes pop+lease one
// step, so no two workers can claim the same job.
func (q *RedisQueue) Claim(ctx context.Context, lane string) (string, error) {
	deadline := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, []string{q.readyKey(lane), q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReapExpired reclaims leases whose deadline passed (worker crashed or lost
// the job mid-processing), re-enqueuing them on their lane.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.laneOf(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	lane := q.laneOf(ctx, jobID)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey(lane), 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter list for operator inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs without removing them.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRemove drops entries for jobs the retention handler deleted.
func (q *RedisQueue) DLQRemove(ctx context.Context, jobID string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, jobID).Err()
}

// ReadyDepth returns the length of one lane's ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context, lane string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(lane)).Result()
}

func (q *RedisQueue) laneOf(ctx context.Context, jobID string) string {
	lane, err := q.client.HGet(ctx, q.metaKey(jobID), "lane").Result()
	if err != nil || lane == "" {
		return "webhook"
	}
	return lane
}

var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
