package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const activeJobTTL = 5 * time.Minute

// RedisMirror publishes the Runner's in-memory ActiveJob snapshot to Redis so
// that GetActiveJobs() is observable from outside this process — asynq
// already requires a Redis broker for the worker pool, and this reuses that
// same instance rather than standing up a second coordination channel.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(addr string) *RedisMirror {
	return &RedisMirror{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) key(jobKey string) string {
	return "booru:active-job:" + jobKey
}

// Publish writes job's current snapshot with a TTL so a crashed process's
// stale entries expire instead of lingering forever.
func (m *RedisMirror) Publish(job ActiveJob) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	m.client.Set(context.Background(), m.key(job.JobKey), data, activeJobTTL)
}

// Clear removes the mirrored entry for a job key once its run terminates.
func (m *RedisMirror) Clear(jobKey string) {
	m.client.Del(context.Background(), m.key(jobKey))
}

// Snapshot returns every mirrored active job visible across processes
// sharing this Redis instance.
func (m *RedisMirror) Snapshot(ctx context.Context) ([]ActiveJob, error) {
	keys, err := m.client.Keys(ctx, m.key("*")).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]ActiveJob, 0, len(keys))
	for _, k := range keys {
		data, err := m.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var job ActiveJob
		if json.Unmarshal(data, &job) == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}
