// Package cachebuild materializes grant summaries into the access cache.
package cachebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"accesscache/internal/access"
	"accesscache/internal/aggregate"
	"accesscache/internal/observability"
)

const DefaultBatchSize = 100

// DefaultHorizon closes open-ended grants.
var DefaultHorizon = time.Date(2037, 12, 31, 0, 0, 0, 0, time.UTC)

type Options struct {
	// BatchSize is the pending entry count above which a batch is written.
	BatchSize int
	// Horizon is the end date given to grants without one.
	Horizon time.Time
	// Workers > 1 aggregates users in parallel. Writes stay on one goroutine.
	Workers int
}

type Builder struct {
	Backend  Backend
	Options  Options
	Observer *observability.Observer
	Logger   zerolog.Logger
}

type Report struct {
	Scope       access.Scope
	Users       int
	GrantRows   int
	Entries     int
	Batches     int
	GroupRows   int
	SpecialRows int
	Duration    time.Duration
}

func New(backend Backend, opts Options, observer *observability.Observer, logger zerolog.Logger) *Builder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Horizon.IsZero() {
		opts.Horizon = DefaultHorizon
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Builder{Backend: backend, Options: opts, Observer: observer, Logger: logger}
}

// Rebuild deletes and recomputes every cache row of scope as of asOf.
// Single-user scopes run in one transaction when the backend supports it.
// On failure the scope may be left empty or partial; the caller retries the
// whole scope.
func (b *Builder) Rebuild(ctx context.Context, scope access.Scope, asOf time.Time) (Report, error) {
	started := time.Now()
	var report Report
	var err error

	tx, ok := b.Backend.(Transactor)
	if ok && !scope.IsAll() {
		err = tx.InTx(ctx, func(backend Backend) error {
			var runErr error
			report, runErr = b.run(ctx, backend, scope, asOf)
			return runErr
		})
	} else {
		report, err = b.run(ctx, b.Backend, scope, asOf)
	}
	report.Scope = scope
	report.Duration = time.Since(started)

	b.Observer.RecordRebuild(observability.RebuildSummary{
		Scope:    scope,
		Users:    report.Users,
		Entries:  report.Entries,
		Duration: report.Duration,
	}, err)
	return report, err
}

func (b *Builder) run(ctx context.Context, backend Backend, scope access.Scope, asOf time.Time) (Report, error) {
	report := Report{Scope: scope}
	agg := aggregate.Aggregator{AsOf: asOf, Horizon: b.Options.Horizon}

	membership, err := backend.CategoryProducts(ctx)
	if err != nil {
		return report, access.NewRebuildError(scope, access.StageLoad, err)
	}
	groups, err := backend.GroupMemberships(ctx, scope)
	if err != nil {
		return report, access.NewRebuildError(scope, access.StageLoad, err)
	}
	statuses, err := backend.ElevatedStatuses(ctx, scope)
	if err != nil {
		return report, access.NewRebuildError(scope, access.StageLoad, err)
	}

	if err := backend.ResetCache(ctx, scope); err != nil {
		return report, access.NewRebuildError(scope, access.StageReset, err)
	}
	b.Logger.Debug().Str("scope", scope.String()).Time("as_of", asOf).Msg("cache reset")

	batch := &batcher{w: backend, size: b.Options.BatchSize}
	if scope.IsAll() {
		guest := access.CacheEntry{UserID: 0, Key: access.SpecialKey(access.SpecialGuest), Status: access.StatusActive}
		if err := batch.add(ctx, []access.CacheEntry{guest}); err != nil {
			return report, access.NewRebuildError(scope, access.StageWrite, err)
		}
	}

	cursor, err := backend.Grants(ctx, scope, asOf)
	if err != nil {
		return report, access.NewRebuildError(scope, access.StageGrants, err)
	}
	defer cursor.Close()

	var rows, users int
	if b.Options.Workers > 1 {
		rows, users, err = b.aggregateParallel(ctx, cursor, agg, membership, batch)
	} else {
		rows, users, err = foldUsers(ctx, cursor, func(userID int64, grants []access.Grant) error {
			return batch.add(ctx, agg.Entries(userID, grants, membership))
		})
	}
	report.GrantRows = rows
	report.Users = users
	if err != nil {
		report.Entries, report.Batches = batch.written, batch.batches
		return report, access.NewRebuildError(scope, access.StageGrants, err)
	}
	if err := batch.flush(ctx); err != nil {
		return report, access.NewRebuildError(scope, access.StageWrite, err)
	}

	for _, gm := range groups {
		entry := access.CacheEntry{UserID: gm.UserID, Key: access.UserGroupKey(gm.GroupID), Status: access.StatusActive}
		if err := batch.add(ctx, []access.CacheEntry{entry}); err != nil {
			return report, access.NewRebuildError(scope, access.StageGroups, err)
		}
	}
	if err := batch.flush(ctx); err != nil {
		return report, access.NewRebuildError(scope, access.StageGroups, err)
	}
	report.GroupRows = len(groups)

	for _, st := range statuses {
		entry := access.CacheEntry{UserID: st.UserID, Key: access.SpecialKey(st.Flag), Status: access.StatusActive}
		if err := batch.add(ctx, []access.CacheEntry{entry}); err != nil {
			return report, access.NewRebuildError(scope, access.StageSpecial, err)
		}
	}
	if err := batch.flush(ctx); err != nil {
		return report, access.NewRebuildError(scope, access.StageSpecial, err)
	}
	report.SpecialRows = len(statuses)
	report.Entries, report.Batches = batch.written, batch.batches

	if err := backend.RefreshPaymentCounts(ctx, scope); err != nil {
		return report, access.NewRebuildError(scope, access.StagePayments, err)
	}
	return report, nil
}

type userGrants struct {
	userID int64
	grants []access.Grant
}

// aggregateParallel fans users out to Options.Workers aggregators. The
// entries of one user travel as one slice, so a user is never split across
// batches.
func (b *Builder) aggregateParallel(ctx context.Context, cursor GrantCursor, agg aggregate.Aggregator, membership access.CategoryMembership, batch *batcher) (int, int, error) {
	g, gctx := errgroup.WithContext(ctx)
	users := make(chan userGrants, b.Options.Workers)
	results := make(chan []access.CacheEntry, b.Options.Workers)

	var rows, count int
	g.Go(func() error {
		defer close(users)
		var err error
		rows, count, err = foldUsers(gctx, cursor, func(userID int64, grants []access.Grant) error {
			select {
			case users <- userGrants{userID: userID, grants: grants}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		return err
	})

	workers := make(chan struct{}, b.Options.Workers)
	for i := 0; i < b.Options.Workers; i++ {
		g.Go(func() error {
			defer func() { workers <- struct{}{} }()
			for u := range users {
				entries := agg.Entries(u.userID, u.grants, membership)
				select {
				case results <- entries:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < b.Options.Workers; i++ {
			<-workers
		}
		close(results)
		return nil
	})
	g.Go(func() error {
		for entries := range results {
			if err := batch.add(gctx, entries); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	return rows, count, err
}

// foldUsers reduces a cursor ordered by user id into per-user grant slices,
// calling flush at every user boundary and at the end of the stream. It
// checks ctx between users, so cancellation never splits a user.
func foldUsers(ctx context.Context, cursor GrantCursor, flush func(userID int64, grants []access.Grant) error) (rows int, users int, err error) {
	var (
		current int64
		buf     []access.Grant
	)
	emit := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := flush(current, buf); err != nil {
			return err
		}
		users++
		buf = nil
		return nil
	}

	for cursor.Next() {
		g := cursor.Grant()
		rows++
		if len(buf) > 0 && g.UserID != current {
			if g.UserID < current {
				return rows, users, fmt.Errorf("grant cursor out of order: user %d after %d", g.UserID, current)
			}
			if err := ctx.Err(); err != nil {
				return rows, users, err
			}
			if err := emit(); err != nil {
				return rows, users, err
			}
		}
		current = g.UserID
		buf = append(buf, g)
	}
	if err := cursor.Err(); err != nil {
		return rows, users, err
	}
	if err := ctx.Err(); err != nil {
		return rows, users, err
	}
	return rows, users, emit()
}

// batcher queues entries and writes them once more than size are pending.
type batcher struct {
	w       Writer
	size    int
	pending []access.CacheEntry
	written int
	batches int
}

func (b *batcher) add(ctx context.Context, entries []access.CacheEntry) error {
	b.pending = append(b.pending, entries...)
	if len(b.pending) > b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	if err := b.w.InsertEntries(ctx, b.pending); err != nil {
		return err
	}
	b.written += len(b.pending)
	b.batches++
	b.pending = nil
	return nil
}
