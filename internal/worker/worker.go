// Package worker consumes rebuild jobs and schedules periodic full rebuilds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"accesscache/internal/access"
	"accesscache/internal/cachebuild"
	"accesscache/internal/queue"
)

type JobQueue interface {
	Push(ctx context.Context, job queue.Job) error
	Pop(ctx context.Context, timeout time.Duration) (queue.Job, bool, error)
}

type Rebuilder interface {
	Rebuild(ctx context.Context, scope access.Scope, asOf time.Time) (cachebuild.Report, error)
}

// Outcome of handling one job.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeBusy    Outcome = "busy"
	OutcomeRetry   Outcome = "retry"
	OutcomeDropped Outcome = "dropped"
)

type Worker struct {
	Queue   JobQueue
	Locker  queue.Locker
	Builder Rebuilder
	Logger  zerolog.Logger
	Now     func() time.Time

	MaxAttempts int
	PollTimeout time.Duration
	// BusyDelay is slept before re-queueing a job whose scope is locked.
	BusyDelay time.Duration
}

func New(q JobQueue, locker queue.Locker, builder Rebuilder, logger zerolog.Logger) *Worker {
	return &Worker{
		Queue:       q,
		Locker:      locker,
		Builder:     builder,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
		MaxAttempts: 3,
		PollTimeout: 5 * time.Second,
		BusyDelay:   time.Second,
	}
}

// Run consumes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info().Msg("rebuild worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, ok, err := w.Queue.Pop(ctx, w.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("pop rebuild job failed")
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		if _, err := w.Handle(ctx, job); err != nil && ctx.Err() == nil {
			w.Logger.Error().Err(err).Str("job_id", job.ID).Msg("rebuild job not re-queued")
		}
	}
}

// Handle runs one job under its scope lock. Busy scopes are re-queued
// without spending an attempt; failures are re-queued until MaxAttempts.
func (w *Worker) Handle(ctx context.Context, job queue.Job) (Outcome, error) {
	scope := job.Scope()
	log := w.Logger.With().Str("job_id", job.ID).Str("scope", scope.String()).Int("attempt", job.Attempt).Logger()

	_, err := w.RunScope(ctx, scope)
	switch {
	case err == nil:
		return OutcomeDone, nil
	case errors.Is(err, access.ErrScopeBusy):
		log.Debug().Err(err).Msg("scope busy, re-queueing")
		sleep(ctx, w.BusyDelay)
		return OutcomeBusy, w.Queue.Push(context.WithoutCancel(ctx), job)
	}

	var rebuildErr *access.RebuildError
	if errors.As(err, &rebuildErr) && rebuildErr.Canceled() && ctx.Err() != nil {
		// Shutting down; the scope is rebuilt from scratch on the next run.
		log.Info().Msg("rebuild interrupted by shutdown, re-queueing")
		return OutcomeRetry, w.Queue.Push(context.WithoutCancel(ctx), job)
	}

	job.Attempt++
	if job.Attempt >= w.MaxAttempts {
		log.Error().Err(err).Int("max_attempts", w.MaxAttempts).Msg("rebuild job dropped")
		return OutcomeDropped, nil
	}
	log.Warn().Err(err).Msg("rebuild failed, re-queueing")
	return OutcomeRetry, w.Queue.Push(context.WithoutCancel(ctx), job)
}

// RunScope rebuilds scope as of now while holding its lock.
func (w *Worker) RunScope(ctx context.Context, scope access.Scope) (cachebuild.Report, error) {
	locked := Locked{Locker: w.Locker, Builder: w.Builder, Logger: w.Logger}
	report, err := locked.Rebuild(ctx, scope, w.Now())
	if err != nil {
		return report, fmt.Errorf("rebuild %s: %w", scope, err)
	}
	return report, nil
}

// Locked is a Rebuilder that holds the scope lock around every rebuild.
type Locked struct {
	Locker  queue.Locker
	Builder Rebuilder
	Logger  zerolog.Logger
}

func (l Locked) Rebuild(ctx context.Context, scope access.Scope, asOf time.Time) (cachebuild.Report, error) {
	release, err := l.Locker.Acquire(ctx, scope)
	if err != nil {
		return cachebuild.Report{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			l.Logger.Warn().Err(err).Str("scope", scope.String()).Msg("release rebuild lock failed")
		}
	}()
	return l.Builder.Rebuild(ctx, scope, asOf)
}

// Enqueue pushes a fresh job for scope.
func (w *Worker) Enqueue(ctx context.Context, scope access.Scope) (queue.Job, error) {
	job := queue.NewJob(scope, w.Now())
	return job, w.Queue.Push(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
