package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accesscache/internal/access"
	"accesscache/internal/cachebuild"
	"accesscache/internal/memstore"
	"accesscache/internal/queue"
)

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []queue.Job
	pushed chan queue.Job
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pushed: make(chan queue.Job, 16)}
}

func (q *fakeQueue) Push(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.pushed <- job:
	default:
	}
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context, timeout time.Duration) (queue.Job, bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, true, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return queue.Job{}, false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return queue.Job{}, false, nil
}

func (q *fakeQueue) pending() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.jobs...)
}

type failingBuilder struct{ calls int }

func (f *failingBuilder) Rebuild(ctx context.Context, scope access.Scope, asOf time.Time) (cachebuild.Report, error) {
	f.calls++
	return cachebuild.Report{}, access.NewRebuildError(scope, access.StageWrite, errors.New("connection reset"))
}

var fixedNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestWorker(q JobQueue, builder Rebuilder) *Worker {
	w := New(q, queue.NewLocalLocker(), builder, zerolog.Nop())
	w.Now = func() time.Time { return fixedNow }
	w.BusyDelay = 0
	w.PollTimeout = 10 * time.Millisecond
	return w
}

func memBuilder() (*memstore.Store, *cachebuild.Builder) {
	st := memstore.New()
	st.AddGrant(access.Grant{UserID: 7, ProductID: 1, Begin: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)})
	return st, cachebuild.New(st, cachebuild.Options{}, nil, zerolog.Nop())
}

func TestHandleRebuildsScope(t *testing.T) {
	st, b := memBuilder()
	q := newFakeQueue()
	w := newTestWorker(q, b)

	outcome, err := w.Handle(context.Background(), queue.NewJob(access.SingleUser(7), fixedNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	entries, err := st.EntriesForUser(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 32, entries[0].CoveredDays)
	assert.Empty(t, q.pending())
}

func TestHandleBusyScopeRequeuesWithoutAttempt(t *testing.T) {
	_, b := memBuilder()
	q := newFakeQueue()
	w := newTestWorker(q, b)

	release, err := w.Locker.Acquire(context.Background(), access.AllUsers())
	require.NoError(t, err)
	defer release(context.Background())

	job := queue.NewJob(access.SingleUser(7), fixedNow)
	outcome, err := w.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, outcome)

	pending := q.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, job, pending[0])
}

func TestHandleRetriesUntilMaxAttempts(t *testing.T) {
	builder := &failingBuilder{}
	q := newFakeQueue()
	w := newTestWorker(q, builder)
	w.MaxAttempts = 3

	job := queue.NewJob(access.AllUsers(), fixedNow)
	var outcomes []Outcome
	for i := 0; i < 3; i++ {
		outcome, err := w.Handle(context.Background(), job)
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
		if pending := q.pending(); len(pending) > 0 {
			job = pending[len(pending)-1]
		}
	}

	assert.Equal(t, []Outcome{OutcomeRetry, OutcomeRetry, OutcomeDropped}, outcomes)
	assert.Equal(t, 3, builder.calls)
	pending := q.pending()
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.Equal(t, 2, pending[1].Attempt)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	st, b := memBuilder()
	q := newFakeQueue()
	w := newTestWorker(q, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, err := w.Enqueue(ctx, access.AllUsers())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, _ := st.EntriesForUser(context.Background(), 0)
		return len(entries) == 1
	}, time.Second, 5*time.Millisecond, "full rebuild writes the guest row")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunScopeReleasesLock(t *testing.T) {
	_, b := memBuilder()
	w := newTestWorker(newFakeQueue(), b)

	report, err := w.RunScope(context.Background(), access.SingleUser(7))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Users)

	release, err := w.Locker.Acquire(context.Background(), access.AllUsers())
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestLockedRebuildReportsBusyScope(t *testing.T) {
	_, b := memBuilder()
	locker := queue.NewLocalLocker()
	locked := Locked{Locker: locker, Builder: b, Logger: zerolog.Nop()}

	release, err := locker.Acquire(context.Background(), access.AllUsers())
	require.NoError(t, err)

	_, err = locked.Rebuild(context.Background(), access.SingleUser(7), fixedNow)
	require.ErrorIs(t, err, access.ErrScopeBusy)
	require.NoError(t, release(context.Background()))

	report, err := locked.Rebuild(context.Background(), access.SingleUser(7), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Users)
}

func TestSchedulerEnqueuesFullRebuild(t *testing.T) {
	q := newFakeQueue()
	s, err := NewScheduler("@daily", q, zerolog.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }

	s.enqueueFull()
	pending := q.pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Scope().IsAll())
	assert.Equal(t, fixedNow, pending[0].EnqueuedAt)

	s.Start()
	assert.True(t, s.Next().After(time.Now()))
	<-s.Stop().Done()
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("every tuesday", newFakeQueue(), zerolog.Nop())
	assert.Error(t, err)
}
