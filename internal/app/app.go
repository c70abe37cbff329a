// Package app wires the store, queue, cache builder and evaluator into one
// process.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"accesscache/internal/cachebuild"
	"accesscache/internal/config"
	"accesscache/internal/observability"
	"accesscache/internal/queue"
	"accesscache/internal/rules"
	"accesscache/internal/store"
	"accesscache/internal/worker"
)

type App struct {
	Config    config.Config
	Logger    zerolog.Logger
	Store     *store.Store
	Queue     *queue.Queue
	Observer  *observability.Observer
	Resolvers *rules.Registry
	Builder   *cachebuild.Builder
	Evaluator *rules.Evaluator
}

func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	horizon, err := cfg.Horizon()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		_ = st.Close()
		return nil, err
	}
	q, err := queue.New(cfg.Redis.URL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	observer := observability.NewObserver(logger)
	registry := rules.NewRegistry()
	st.RegisterResolvers(registry, ResourceTables(cfg))

	builder := cachebuild.New(st, cachebuild.Options{
		BatchSize: cfg.Cache.BatchSize,
		Horizon:   horizon,
		Workers:   cfg.Cache.Workers,
	}, observer, logger.With().Str("component", "cachebuild").Logger())

	evaluator := rules.NewEvaluator(st, st, st, registry, observer, logger.With().Str("component", "rules").Logger())
	evaluator.TypeSets = map[string][]string{
		rules.SetUserVisibleTypes: cfg.Resources.VisibleTypes,
		rules.SetUserVisiblePages: cfg.Resources.VisiblePages,
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Queue:     q,
		Observer:  observer,
		Resolvers: registry,
		Builder:   builder,
		Evaluator: evaluator,
	}, nil
}

// ResourceTables lists the configured catalog tables in type order.
func ResourceTables(cfg config.Config) []store.ResourceTable {
	types := cfg.ResourceTypes()
	out := make([]store.ResourceTable, 0, len(types))
	for _, t := range types {
		tc := cfg.Resources.Tables[t]
		out = append(out, store.ResourceTable{
			Type:        t,
			Table:       tc.Table,
			KeyColumn:   tc.KeyColumn,
			TitleColumn: tc.TitleColumn,
			LinkColumn:  tc.LinkColumn,
		})
	}
	return out
}

// Locker returns the Redis scope locker, or an in-process one when Redis is
// unreachable.
func (a *App) Locker(ctx context.Context) queue.Locker {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Queue.Ping(pingCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable, using in-process rebuild lock")
		return queue.NewLocalLocker()
	}
	return queue.NewRedisLocker(a.Queue.Client(), a.Config.Rebuild.LockTTL)
}

func (a *App) Worker(locker queue.Locker) *worker.Worker {
	w := worker.New(a.Queue, locker, a.Builder, a.Logger.With().Str("component", "worker").Logger())
	w.MaxAttempts = a.Config.Rebuild.MaxAttempts
	w.PollTimeout = a.Config.Rebuild.PollTimeout
	return w
}

func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	return err
}

// Serve runs the rebuild worker, the rebuild schedule and the HTTP listener
// until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	scheduler, err := worker.NewScheduler(a.Config.Rebuild.Schedule, a.Queue, a.Logger.With().Str("component", "scheduler").Logger())
	if err != nil {
		return err
	}
	w := a.Worker(queue.NewRedisLocker(a.Queue.Client(), a.Config.Rebuild.LockTTL))

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler(scheduler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()
	a.Logger.Info().Str("addr", srv.Addr).Time("next_rebuild", scheduler.Next()).Msg("accesscache serving")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Handler serves health, readiness, metrics and a small debug summary.
func (a *App) Handler(scheduler *worker.Scheduler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/readyz", readyHandler(map[string]pinger{"postgres": a.Store, "redis": a.Queue}))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		depth, err := a.Queue.Depth(r.Context())
		summary := debugSummary{QueueDepth: depth}
		if err != nil {
			summary.QueueError = err.Error()
		}
		if scheduler != nil {
			summary.NextRebuild = scheduler.Next()
		}
		writeJSON(w, http.StatusOK, summary)
	})
	return mux
}

type pinger interface {
	Ping(ctx context.Context) error
}

type debugSummary struct {
	QueueDepth  int64     `json:"queue_depth"`
	QueueError  string    `json:"queue_error,omitempty"`
	NextRebuild time.Time `json:"next_rebuild"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func readyHandler(checks map[string]pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		failed := map[string]string{}
		for name, check := range checks {
			if err := check.Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, failed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
