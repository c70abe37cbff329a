package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"accesscache/internal/access"
)

var (
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscache_rebuilds_total",
			Help: "Cache rebuilds by scope kind and result",
		},
		[]string{"scope", "result"},
	)

	RebuildDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accesscache_rebuild_duration_seconds",
			Help:    "Wall time of cache rebuilds",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		},
		[]string{"scope"},
	)

	EntriesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accesscache_entries_written_total",
			Help: "Cache entries written by rebuilds",
		},
	)

	AccessChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscache_access_checks_total",
			Help: "Access evaluations by mode and result",
		},
		[]string{"mode", "result"},
	)

	ResolverMissingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accesscache_resolver_missing_total",
			Help: "Resource types omitted from listings because no resolver is registered",
		},
		[]string{"resource_type"},
	)

	SkippedRulesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accesscache_skipped_rules_total",
			Help: "Rules or conditions skipped because their window could not be parsed",
		},
	)
)

// RebuildSummary is what the observer records about one rebuild.
type RebuildSummary struct {
	Scope    access.Scope
	Users    int
	Entries  int
	Duration time.Duration
}

// Observer logs and counts cache and evaluation events. A nil *Observer
// discards everything.
type Observer struct {
	logger zerolog.Logger

	mu       sync.Mutex
	failures map[string]int64
	omitted  map[string]bool
}

func NewObserver(logger zerolog.Logger) *Observer {
	return &Observer{
		logger:   logger,
		failures: make(map[string]int64),
		omitted:  make(map[string]bool),
	}
}

func scopeLabel(scope access.Scope) string {
	if scope.IsAll() {
		return "all"
	}
	return "user"
}

func (o *Observer) RecordRebuild(sum RebuildSummary, err error) {
	if o == nil {
		return
	}
	label := scopeLabel(sum.Scope)
	RebuildDurationSeconds.WithLabelValues(label).Observe(sum.Duration.Seconds())
	EntriesWrittenTotal.Add(float64(sum.Entries))

	if err == nil {
		RebuildsTotal.WithLabelValues(label, "ok").Inc()
		o.mu.Lock()
		delete(o.failures, sum.Scope.String())
		o.mu.Unlock()
		o.logger.Info().
			Str("scope", sum.Scope.String()).
			Int("users", sum.Users).
			Int("entries", sum.Entries).
			Dur("duration", sum.Duration).
			Msg("cache rebuild complete")
		return
	}

	RebuildsTotal.WithLabelValues(label, "failed").Inc()
	o.mu.Lock()
	o.failures[sum.Scope.String()]++
	count := o.failures[sum.Scope.String()]
	o.mu.Unlock()

	o.logger.Error().Err(err).
		Str("scope", sum.Scope.String()).
		Int("users", sum.Users).
		Int64("consecutive_failures", count).
		Msg("cache rebuild aborted")
	if count%5 == 0 {
		o.logger.Warn().Str("scope", sum.Scope.String()).Int64("consecutive_failures", count).Msg("cache rebuild keeps failing")
	}
}

func (o *Observer) RecordAccessCheck(mode string, allowed bool) {
	if o == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	AccessChecksTotal.WithLabelValues(mode, result).Inc()
}

// RecordResolverMissing counts every omission but logs a resource type once.
func (o *Observer) RecordResolverMissing(resourceType string) {
	if o == nil {
		return
	}
	ResolverMissingTotal.WithLabelValues(resourceType).Inc()
	o.mu.Lock()
	seen := o.omitted[resourceType]
	o.omitted[resourceType] = true
	o.mu.Unlock()
	if !seen {
		o.logger.Warn().Str("resource_type", resourceType).Msg("no resolver registered, resources omitted")
	}
}

func (o *Observer) RecordSkippedRule(ruleID int64, key access.RuleKey, err error) {
	if o == nil {
		return
	}
	SkippedRulesTotal.Inc()
	o.logger.Warn().Err(err).Int64("rule_id", ruleID).Str("rule_key", key.String()).Msg("access rule skipped")
}
