package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesscache/internal/access"
)

func TestLocalLockerUserScopes(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release1, err := l.Acquire(ctx, access.SingleUser(1))
	require.NoError(t, err)
	_, err = l.Acquire(ctx, access.SingleUser(1))
	assert.ErrorIs(t, err, access.ErrScopeBusy)

	release2, err := l.Acquire(ctx, access.SingleUser(2))
	require.NoError(t, err, "different users rebuild concurrently")

	require.NoError(t, release1(ctx))
	require.NoError(t, release1(ctx), "release is idempotent")
	release1, err = l.Acquire(ctx, access.SingleUser(1))
	require.NoError(t, err)
	require.NoError(t, release1(ctx))
	require.NoError(t, release2(ctx))
}

func TestLocalLockerFullExcludesUsers(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	releaseAll, err := l.Acquire(ctx, access.AllUsers())
	require.NoError(t, err)

	_, err = l.Acquire(ctx, access.SingleUser(3))
	assert.ErrorIs(t, err, access.ErrScopeBusy)
	_, err = l.Acquire(ctx, access.AllUsers())
	assert.ErrorIs(t, err, access.ErrScopeBusy)

	require.NoError(t, releaseAll(ctx))
	release, err := l.Acquire(ctx, access.SingleUser(3))
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestLocalLockerFullWaitsForUsers(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	releaseUser, err := l.Acquire(ctx, access.SingleUser(9))
	require.NoError(t, err)

	acquired := make(chan func(context.Context) error)
	go func() {
		release, err := l.Acquire(ctx, access.AllUsers())
		if err != nil {
			close(acquired)
			return
		}
		acquired <- release
	}()

	require.Eventually(t, func() bool {
		release, err := l.Acquire(ctx, access.SingleUser(10))
		if err != nil {
			return true
		}
		_ = release(ctx)
		return false
	}, time.Second, 5*time.Millisecond, "a pending full rebuild blocks new user locks")

	select {
	case <-acquired:
		t.Fatal("full lock acquired while a user lock is held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, releaseUser(ctx))
	select {
	case release, ok := <-acquired:
		require.True(t, ok)
		require.NoError(t, release(ctx))
	case <-time.After(time.Second):
		t.Fatal("full lock not acquired after user lock released")
	}
}

func TestLocalLockerFullAcquireCancelled(t *testing.T) {
	l := NewLocalLocker()
	releaseUser, err := l.Acquire(context.Background(), access.SingleUser(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, access.AllUsers())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release, err := l.Acquire(context.Background(), access.SingleUser(2))
	require.NoError(t, err, "an abandoned full acquire frees the store")
	require.NoError(t, release(context.Background()))
	require.NoError(t, releaseUser(context.Background()))
}

func TestJobScope(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	job := NewJob(access.SingleUser(4), now)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, access.SingleUser(4), job.Scope())
	assert.True(t, NewJob(access.AllUsers(), now).Scope().IsAll())
}

func redisQueue(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("AC_TEST_REDIS_URL")
	if url == "" {
		url = "redis://127.0.0.1:6379/15"
	}
	q, err := New(url)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Ping(ctx); err != nil {
		_ = q.Close()
		t.Skipf("redis unavailable for queue tests (%s): %v", url, err)
	}
	t.Cleanup(func() {
		_ = q.client.Del(context.Background(), jobsKey, lockAllKey, lockUserKeyPrefix+"1").Err()
		_ = q.Close()
	})
	require.NoError(t, q.client.Del(context.Background(), jobsKey).Err())
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()

	job := NewJob(access.SingleUser(1), time.Now())
	require.NoError(t, q.Push(ctx, job))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, int64(1), got.UserID)

	_, ok, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockerExclusion(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	l := NewRedisLocker(q.Client(), 500*time.Millisecond)
	l.Poll = 20 * time.Millisecond

	releaseUser, err := l.Acquire(ctx, access.SingleUser(1))
	require.NoError(t, err)
	_, err = l.Acquire(ctx, access.SingleUser(1))
	assert.ErrorIs(t, err, access.ErrScopeBusy)

	_, err = l.Acquire(ctx, access.AllUsers())
	assert.ErrorIs(t, err, access.ErrScopeBusy, "full lock gives up once the ttl passes with users running")

	require.NoError(t, releaseUser(ctx))
	releaseAll, err := l.Acquire(ctx, access.AllUsers())
	require.NoError(t, err)
	_, err = l.Acquire(ctx, access.SingleUser(1))
	assert.ErrorIs(t, err, access.ErrScopeBusy)
	require.NoError(t, releaseAll(ctx))
}

func TestRedisLockerOutlivesTTL(t *testing.T) {
	q := redisQueue(t)
	ctx := context.Background()
	l := NewRedisLocker(q.Client(), 300*time.Millisecond)
	l.Poll = 20 * time.Millisecond

	releaseAll, err := l.Acquire(ctx, access.AllUsers())
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)
	_, err = l.Acquire(ctx, access.SingleUser(1))
	assert.ErrorIs(t, err, access.ErrScopeBusy, "a long full rebuild keeps its lock")
	_, err = l.Acquire(ctx, access.AllUsers())
	assert.ErrorIs(t, err, access.ErrScopeBusy)

	require.NoError(t, releaseAll(ctx))
	require.NoError(t, releaseAll(ctx), "release is idempotent")

	time.Sleep(400 * time.Millisecond)
	held, err := q.Client().Exists(ctx, lockAllKey).Result()
	require.NoError(t, err)
	assert.Zero(t, held, "heartbeat stops after release")

	releaseUser, err := l.Acquire(ctx, access.SingleUser(1))
	require.NoError(t, err)
	require.NoError(t, releaseUser(ctx))
}
