package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"accesscache/internal/access"
)

const jobsKey = "accesscache:rebuild_jobs"

// Job asks for the rebuild of one scope. A zero UserID is the full store.
type Job struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func NewJob(scope access.Scope, now time.Time) Job {
	return Job{ID: uuid.NewString(), UserID: scope.UserID, EnqueuedAt: now.UTC()}
}

func (j Job) Scope() access.Scope { return access.Scope{UserID: j.UserID} }

type Queue struct {
	client *redis.Client
}

func New(url string) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	return &Queue{client: client}, nil
}

// Client exposes the connection so lockers can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Push(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, jobsKey, payload).Err()
}

// Pop waits up to timeout for a job. ok is false when none arrived.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (job Job, ok bool, err error) {
	res, err := q.client.BRPop(ctx, timeout, jobsKey).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if len(res) < 2 {
		return Job{}, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("decode rebuild job: %w", err)
	}
	return job, true, nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobsKey).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
