package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/albachteng/jobengine/internal/api"
	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/cluster"
	"github.com/albachteng/jobengine/internal/config"
	"github.com/albachteng/jobengine/internal/engine"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/scheduler"
	"github.com/albachteng/jobengine/internal/storage"
	"github.com/albachteng/jobengine/internal/storage/sqlite"
)

// app holds the wired components of one engine process.
type app struct {
	provider storage.Provider
	cluster  cluster.Cluster
	registry *jobs.Registry
	history  *jobs.History
	engine   *engine.Engine
	api      *api.Server
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	conf, err := cfg.Configuration()
	if err != nil {
		return nil, err
	}

	clk := clock.Real()

	var (
		provider storage.Provider
		leases   cluster.LeaseStore
	)
	if path := conf.SQLitePath(); path != "" {
		claimTimeout, err := config.ParseDurationOrDefault("storage.claim_timeout", cfg.Storage.ClaimTimeout, sqlite.DefaultClaimTimeout)
		if err != nil {
			return nil, err
		}
		p, err := sqlite.Open(path, clk, logger, sqlite.WithClaimTimeout(claimTimeout))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		provider = p

		if conf.Clustering() {
			leases, err = cluster.NewSQLiteLeaseStore(p.DB())
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("open lease store: %w", err)
			}
		}
	} else {
		provider = storage.NewMemoryProvider(clk, logger)
		if conf.Clustering() {
			leases = cluster.NewMemoryLeaseStore()
		}
	}

	var cl cluster.Cluster = cluster.NewStandalone()
	if leases != nil {
		cl = cluster.NewLease(leases,
			cluster.WithTTL(cfg.LeaseTTL()),
			cluster.WithClock(clk),
			cluster.WithLogger(logger))
	}

	registry := jobs.NewRegistry()
	if err := registerBuiltins(registry, logger); err != nil {
		provider.Close()
		return nil, err
	}

	history := jobs.NewHistory(cfg.HistorySize)
	sched := scheduler.New(provider, clk, logger)

	eng := engine.New(sched, cl, provider, registry,
		engine.WithRecurringJobs(conf.RecurringJobs()...),
		engine.WithSleepPreference(conf.SleepPreference()),
		engine.WithHistory(history),
		engine.WithClock(clk),
		engine.WithLogger(logger))

	srv := api.NewServer(sched, provider, registry, history, cl, logger).
		WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst)

	return &app{
		provider: provider,
		cluster:  cl,
		registry: registry,
		history:  history,
		engine:   eng,
		api:      srv,
	}, nil
}

// registerBuiltins adds the handlers every engine ships with: "log" writes
// the payload's message, "noop" does nothing.
func registerBuiltins(r *jobs.Registry, logger *slog.Logger) error {
	err := r.RegisterFunc("log", func(ctx context.Context, p jobs.Payload) error {
		var msg struct {
			Message string `json:"message"`
		}
		if len(p.Data) > 0 {
			if err := p.Decode(&msg); err != nil {
				return err
			}
		}
		logger.Info("log job", "message", msg.Message)
		return nil
	})
	if err != nil {
		return err
	}

	return r.RegisterFunc("noop", func(context.Context, jobs.Payload) error {
		return nil
	})
}
