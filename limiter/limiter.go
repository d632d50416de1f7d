// Package limiter is the facade a host application embeds: it wires
// together the store, caches, lease protocol, governance surface, and
// namespace registry behind the handful of calls an application actually
// needs (acquire, adjust/release a lease, query availability, and the
// administrative CRUD).
package limiter

import (
	"context"
	"fmt"
	"time"

	"eve.evalgo.org/ratelimit/aggregator"
	"eve.evalgo.org/ratelimit/bucket"
	"eve.evalgo.org/ratelimit/configcache"
	"eve.evalgo.org/ratelimit/entitycache"
	"eve.evalgo.org/ratelimit/governance"
	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/lease"
	"eve.evalgo.org/ratelimit/namespace"
	"eve.evalgo.org/ratelimit/store"
)

// Options configures a Limiter at construction.
type Options struct {
	ConfigCacheSize int
	ConfigCacheTTL  time.Duration
	EntityCacheSize int
	EntityCacheTTL  time.Duration
}

// DefaultOptions mirrors what a small-to-medium deployment would pick absent
// any specific tuning: generous enough cache sizes that a single hot
// namespace's working set fits, short enough TTLs that a config or reshard
// change surfaces within seconds in a process that received no explicit
// invalidation for it.
func DefaultOptions() Options {
	return Options{
		ConfigCacheSize: 10_000,
		ConfigCacheTTL:  30 * time.Second,
		EntityCacheSize: 10_000,
		EntityCacheTTL:  30 * time.Second,
	}
}

// Limiter is the per-namespace entry point for every rate-limit operation.
type Limiter struct {
	Namespace string

	repo       store.Repository
	configs    *configcache.Resolver
	entities   *entitycache.Cache
	acquirer   *lease.Acquirer
	governance *governance.Manager
	aggregator *aggregator.Aggregator
}

// New builds a Limiter bound to one namespace against repo.
func New(repo store.Repository, ns string, opts Options) *Limiter {
	configs := configcache.New(repo, opts.ConfigCacheSize, opts.ConfigCacheTTL)
	entities := entitycache.New(repo, opts.EntityCacheSize, opts.EntityCacheTTL)
	return &Limiter{
		Namespace: ns,
		repo:      repo,
		configs:   configs,
		entities:  entities,
		acquirer:  &lease.Acquirer{Repo: repo, Configs: configs, Entities: entities, Namespace: ns},
		governance: &governance.Manager{
			Repo: repo, Configs: configs, Entities: entities, Namespace: ns,
		},
		aggregator: &aggregator.Aggregator{Repo: repo, Configs: configs, Entities: entities, Namespace: ns},
	}
}

// Acquire attempts to consume consumeMilli millitokens of each named limit
// from entityID's resource bucket.
func (l *Limiter) Acquire(ctx context.Context, entityID, resource string, consumeMilli map[string]int64) (*lease.Lease, error) {
	return l.acquirer.Acquire(ctx, entityID, resource, consumeMilli, time.Now().UnixMilli())
}

// Available reports, per configured limit, how many whole tokens entityID
// currently has for resource, summed over every shard; a shard that has not
// been created yet counts at its full share of the capacity.
func (l *Limiter) Available(ctx context.Context, entityID, resource string) (map[string]int64, error) {
	cfg, err := l.configs.Resolve(ctx, l.Namespace, entityID, resource)
	if err != nil {
		return nil, fmt.Errorf("limiter: available: resolve config: %w", err)
	}
	meta, _, err := l.entities.Get(ctx, l.Namespace, entityID)
	if err != nil {
		return nil, fmt.Errorf("limiter: available: resolve entity: %w", err)
	}
	shardCount := meta.ShardCountFor(resource)

	out := make(map[string]int64, len(cfg.Limits))
	nowMs := time.Now().UnixMilli()
	for shard := 0; shard < shardCount; shard++ {
		item, ok, err := l.repo.GetItem(ctx, keyschema.BucketShard(l.Namespace, entityID, resource, shard))
		if err != nil {
			return nil, fmt.Errorf("limiter: available: read shard %d: %w", shard, err)
		}
		for name, p := range cfg.Limits {
			if name == keyschema.WCULimitName {
				continue // wcu is reserved and never exposed in availability queries (spec.md §4.5)
			}
			shardP := bucket.ShardParams(p, shardCount)
			if !ok {
				out[name] += shardP.CapacityMilli / kernel.Milli
				continue
			}
			tk := item.Numbers[keyschema.BucketAttr(name, "tk")]
			rf := item.Numbers[keyschema.RefillAttr]
			out[name] += kernel.Available(tk, rf, nowMs, shardP)
		}
	}
	return out, nil
}

// Governance exposes the entity/limit administrative surface.
func (l *Limiter) Governance() *governance.Manager { return l.governance }

// ProcessChanges feeds one batch of change-feed events through the
// aggregator, returning its statistics. Callers running their own polling
// loop (rather than Run) use this directly.
func (l *Limiter) ProcessChanges(ctx context.Context, events []store.ChangeEvent, workers int) aggregator.Stats {
	return l.aggregator.ProcessBatch(ctx, events, workers, time.Now().UnixMilli())
}

// RunAggregator blocks, consuming feed until ctx is cancelled.
func (l *Limiter) RunAggregator(ctx context.Context, feed store.ChangeFeed, workers int) error {
	return l.aggregator.Run(ctx, feed, workers)
}

// Subscribe opens a change feed consumer group against the backing store.
func (l *Limiter) Subscribe(ctx context.Context, consumerGroup string) (store.ChangeFeed, error) {
	return l.repo.Subscribe(ctx, consumerGroup)
}

// Namespaces returns a namespace.Manager bound to the same repository, for
// hosts that manage multiple namespaces through one Limiter process.
func (l *Limiter) Namespaces() *namespace.Manager {
	return &namespace.Manager{Repo: l.repo}
}
