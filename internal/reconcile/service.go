// Package reconcile finds users whose cache rows drifted from their grants
// and rebuilds them.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"accesscache/internal/access"
	"accesscache/internal/cachebuild"
)

type CacheReader interface {
	EntriesForUser(ctx context.Context, userID int64) ([]access.CacheEntry, error)
}

type Rebuilder interface {
	Rebuild(ctx context.Context, scope access.Scope, asOf time.Time) (cachebuild.Report, error)
}

type Service struct {
	Source  cachebuild.Source
	Cache   CacheReader
	Repair  Rebuilder
	Options cachebuild.Options
	Logger  zerolog.Logger
	Now     func() time.Time
	// DryRun reports drift without rebuilding.
	DryRun bool
}

type Report struct {
	UsersChecked  int
	UsersDrifted  int
	UsersRepaired int
	// Drifted lists the ids of drifted users in ascending order.
	Drifted []int64
}

func NewService(source cachebuild.Source, cache CacheReader, repair Rebuilder, opts cachebuild.Options, logger zerolog.Logger) *Service {
	return &Service{
		Source:  source,
		Cache:   cache,
		Repair:  repair,
		Options: opts,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run compares the stored rows of each user with a fresh computation and
// rebuilds the users that differ. With no ids it checks every user that
// holds a grant. Payment counts are not compared.
func (s *Service) Run(ctx context.Context, userIDs []int64) (Report, error) {
	var report Report
	if s == nil || s.Source == nil {
		return report, nil
	}
	asOf := s.Now()

	if len(userIDs) == 0 {
		ids, err := s.usersWithGrants(ctx, asOf)
		if err != nil {
			return report, err
		}
		userIDs = ids
	}

	for _, userID := range userIDs {
		if userID == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.UsersChecked++

		expected, err := s.expected(ctx, userID, asOf)
		if err != nil {
			return report, err
		}
		stored, err := s.Cache.EntriesForUser(ctx, userID)
		if err != nil {
			return report, err
		}
		if sameEntries(expected, stored) {
			continue
		}
		report.UsersDrifted++
		report.Drifted = append(report.Drifted, userID)
		s.Logger.Info().Int64("user_id", userID).Int("expected", len(expected)).Int("stored", len(stored)).Msg("cache drift detected")

		if s.DryRun || s.Repair == nil {
			continue
		}
		if _, err := s.Repair.Rebuild(ctx, access.SingleUser(userID), asOf); err != nil {
			return report, err
		}
		report.UsersRepaired++
	}
	sort.Slice(report.Drifted, func(i, j int) bool { return report.Drifted[i] < report.Drifted[j] })
	return report, nil
}

func (s *Service) usersWithGrants(ctx context.Context, asOf time.Time) ([]int64, error) {
	cursor, err := s.Source.Grants(ctx, access.AllUsers(), asOf)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()
	var ids []int64
	for cursor.Next() {
		id := cursor.Grant().UserID
		if len(ids) == 0 || ids[len(ids)-1] != id {
			ids = append(ids, id)
		}
	}
	return ids, cursor.Err()
}

// expected runs the builder for one user against a writer that keeps rows
// in memory.
func (s *Service) expected(ctx context.Context, userID int64, asOf time.Time) ([]access.CacheEntry, error) {
	capture := &captureBackend{Source: s.Source}
	builder := cachebuild.New(capture, s.Options, nil, zerolog.Nop())
	if _, err := builder.Rebuild(ctx, access.SingleUser(userID), asOf); err != nil {
		return nil, err
	}
	return capture.entries, nil
}

type captureBackend struct {
	cachebuild.Source
	entries []access.CacheEntry
}

func (c *captureBackend) ResetCache(ctx context.Context, scope access.Scope) error {
	c.entries = nil
	return nil
}

func (c *captureBackend) InsertEntries(ctx context.Context, entries []access.CacheEntry) error {
	for _, e := range entries {
		if !c.has(e.Key) {
			c.entries = append(c.entries, e)
		}
	}
	return nil
}

func (c *captureBackend) RefreshPaymentCounts(ctx context.Context, scope access.Scope) error {
	return nil
}

func (c *captureBackend) has(key access.RuleKey) bool {
	for _, e := range c.entries {
		if e.Key == key {
			return true
		}
	}
	return false
}

func sameEntries(expected, stored []access.CacheEntry) bool {
	if len(expected) != len(stored) {
		return false
	}
	byKey := make(map[access.RuleKey]access.CacheEntry, len(stored))
	for _, e := range stored {
		byKey[e.Key] = e
	}
	for _, want := range expected {
		got, ok := byKey[want.Key]
		if !ok {
			return false
		}
		if got.CoveredDays != want.CoveredDays || got.Status != want.Status ||
			!got.RangeStart.Equal(want.RangeStart) || !got.RangeEnd.Equal(want.RangeEnd) {
			return false
		}
	}
	return true
}
