package notify_test

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeboard/forgeboard/notify"
)

func TestRedisNotifierEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	n := notify.NewRedisNotifier(rdb, nil)

	n.Enqueue("discussion.post", map[string]interface{}{
		"thread_id":   float64(7),
		"subscribers": []interface{}{float64(1), float64(2)},
	})

	payload, err := mr.Lpop(notify.QueueKey)
	require.NoError(t, err)

	var job notify.Job
	require.NoError(t, json.Unmarshal([]byte(payload), &job))
	assert.Equal(t, "discussion.post", job.Name)
	assert.Equal(t, float64(7), job.Args["thread_id"])
	assert.False(t, job.Enqueued.IsZero())
}

func TestRedisNotifierDropsOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	n := notify.NewRedisNotifier(rdb, nil)
	// Enqueue must swallow the connection error.
	n.Enqueue("discussion.post", map[string]interface{}{"thread_id": float64(1)})
}

func TestNopNotifier(t *testing.T) {
	notify.Nop{}.Enqueue("anything", nil)
}
