package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QueueKey is the Redis list delivery workers consume from.
const QueueKey = "forgeboard:notify:queue"

// Job is one queued delivery task.
type Job struct {
	Name     string                 `json:"name"`
	Args     map[string]interface{} `json:"args"`
	Enqueued time.Time              `json:"enqueued"`
}

// RedisNotifier enqueues jobs onto a Redis list for out-of-process
// delivery. Enqueue is fire-and-forget: failures are logged and dropped,
// never surfaced to the request that produced them.
type RedisNotifier struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRedisNotifier creates a notifier over the given Redis client.
func NewRedisNotifier(rdb *redis.Client, log *zap.SugaredLogger) *RedisNotifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RedisNotifier{rdb: rdb, log: log}
}

func (n *RedisNotifier) Enqueue(job string, args map[string]interface{}) {
	payload, err := json.Marshal(Job{Name: job, Args: args, Enqueued: time.Now().UTC()})
	if err != nil {
		n.log.Warnf("notify: marshal %s: %v", job, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.LPush(ctx, QueueKey, payload).Err(); err != nil {
		n.log.Warnf("notify: enqueue %s: %v", job, err)
	}
}

// Nop discards every job. Used when Redis is not configured.
type Nop struct{}

func (Nop) Enqueue(string, map[string]interface{}) {}
