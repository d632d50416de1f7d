// Command ratelimit-demo wires a Limiter against a local embedded store and
// exercises it once, for local smoke-testing and as a reference for how a
// host application assembles the pieces in this module.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"eve.evalgo.org/ratelimit/governance"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/limiter"
	"eve.evalgo.org/ratelimit/rlconfig"
	"eve.evalgo.org/ratelimit/rllog"
	"eve.evalgo.org/ratelimit/store"
)

func main() {
	if err := run(); err != nil {
		rllog.Logger.WithError(err).Error("ratelimit-demo failed")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := rlconfig.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rllog.SetLevel(cfg.LogLevel)

	repo, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	lim := limiter.New(repo, cfg.Namespace, limiter.Options{
		ConfigCacheSize: cfg.Cache.ConfigCacheSize,
		ConfigCacheTTL:  cfg.Cache.ConfigCacheTTL,
		EntityCacheSize: cfg.Cache.EntityCacheSize,
		EntityCacheTTL:  cfg.Cache.EntityCacheTTL,
	})

	ctx := context.Background()
	rpm := kernel.Params{CapacityMilli: 60 * kernel.Milli, RefillAmountMilli: 60 * kernel.Milli, RefillPeriodMs: 60_000}
	if err := lim.Governance().SetLimit(ctx, governance.LevelSystem, "", "", "rpm", rpm, "ratelimit-demo", nowMs()); err != nil {
		return fmt.Errorf("seed system limit: %w", err)
	}

	for i := 0; i < 3; i++ {
		lease, err := lim.Acquire(ctx, "demo-entity", "rpm", map[string]int64{"rpm": 1 * kernel.Milli})
		if err != nil {
			return fmt.Errorf("acquire: %w", err)
		}
		rllog.Logger.WithField("granted", lease.Granted).WithField("attempt", i+1).Info("acquire result")
	}

	available, err := lim.Available(ctx, "demo-entity", "rpm")
	if err != nil {
		return fmt.Errorf("available: %w", err)
	}
	rllog.Logger.WithField("rpm_available", available["rpm"]).Info("final availability")

	feed, err := lim.Subscribe(ctx, cfg.Aggregator.ConsumerGroup)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}
	defer feed.Close()

	events, err := feed.Poll(ctx, 100)
	if err != nil {
		return fmt.Errorf("poll change feed: %w", err)
	}
	stats := lim.ProcessChanges(ctx, events, cfg.Aggregator.Workers)
	rllog.Logger.WithField("events", stats.EventsProcessed).WithField("snapshots", stats.SnapshotsWritten).Info("aggregator pass complete")
	return feed.Ack(ctx, events)
}

func openRepository(cfg *rlconfig.Config) (store.Repository, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedisRepository(cfg.Store.RedisURL)
	default:
		return store.NewBoltRepository(cfg.Store.BoltPath)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
