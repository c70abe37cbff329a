package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"accesscache/internal/access"
	"accesscache/internal/queue"
)

// Scheduler enqueues a full rebuild on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	queue  JobQueue
	logger zerolog.Logger
	now    func() time.Time
}

func NewScheduler(spec string, q JobQueue, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		queue:  q,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if _, err := s.cron.AddFunc(spec, s.enqueueFull); err != nil {
		return nil, fmt.Errorf("parse rebuild schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) enqueueFull() {
	job := queue.NewJob(access.AllUsers(), s.now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.queue.Push(ctx, job); err != nil {
		s.logger.Error().Err(err).Msg("enqueue scheduled rebuild failed")
		return
	}
	s.logger.Info().Str("job_id", job.ID).Msg("scheduled full rebuild enqueued")
}

// Next reports when the next full rebuild is enqueued.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and returns a context that ends once a running
// enqueue finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
