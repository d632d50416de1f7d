// Package configcache resolves the four-level limit configuration hierarchy
// (entity-resource > entity-default > resource > system) and caches the
// result with an LRU+TTL policy so the lease protocol's hot path almost never
// pays for a config read.
package configcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

// ResolvedConfig is the merged view of every limit defined for one
// (namespace, entity, resource) tuple, with the most specific level's
// parameters winning per limit name.
type ResolvedConfig struct {
	Limits   map[string]kernel.Params
	Versions map[string]int64 // per-level config_version, for diagnostics/audit only
}

type cacheKey struct {
	Namespace, EntityID, Resource string
}

// Resolver resolves and caches ResolvedConfig values against a store.Repository.
type Resolver struct {
	repo  store.Repository
	cache *lru.LRU[cacheKey, ResolvedConfig]
}

// New builds a Resolver. ttl bounds how stale a cached resolution may be
// before the hierarchy is re-read; capacity bounds how many distinct
// (entity, resource) tuples are cached at once.
func New(repo store.Repository, capacity int, ttl time.Duration) *Resolver {
	return &Resolver{
		repo:  repo,
		cache: lru.NewLRU[cacheKey, ResolvedConfig](capacity, nil, ttl),
	}
}

// Invalidate evicts a single (entity, resource) resolution, called by
// governance after SetLimit or DeleteLimit writes a config item. Other cached
// resolutions the write affects keep their entry until its TTL expires.
func (r *Resolver) Invalidate(ns, entityID, resource string) {
	r.cache.Remove(cacheKey{ns, entityID, resource})
}

// Resolve returns the merged configuration for (ns, entityID, resource),
// consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, ns, entityID, resource string) (*ResolvedConfig, error) {
	ck := cacheKey{ns, entityID, resource}
	if cached, ok := r.cache.Get(ck); ok {
		return &cached, nil
	}

	keys := []store.Key{
		keyschema.EntityResourceConfig(ns, entityID, resource),
		keyschema.EntityResourceConfig(ns, entityID, ""),
		keyschema.ResourceConfig(ns, resource),
		keyschema.SystemConfig(ns),
	}
	levels := []string{"entity-resource", "entity-default", "resource", "system"}

	items, err := fetchAll(ctx, r.repo, keys)
	if err != nil {
		return nil, fmt.Errorf("configcache: resolve %s/%s/%s: %w", ns, entityID, resource, err)
	}

	resolved := ResolvedConfig{Limits: make(map[string]kernel.Params), Versions: make(map[string]int64)}
	// Apply least specific first so each subsequent, more specific level
	// overrides individual limit names rather than replacing the whole set.
	for i := len(keys) - 1; i >= 0; i-- {
		item := items[keys[i]]
		if item == nil {
			continue
		}
		for name, params := range parseConfigItem(item) {
			resolved.Limits[name] = params
		}
		resolved.Versions[levels[i]] = item.Numbers[keyschema.ConfigVersionAttr]
	}

	// wcu is reserved and hidden: every resolved config carries it regardless
	// of what any level configured, and no level can override it (spec.md §3).
	resolved.Limits[keyschema.WCULimitName] = keyschema.WCUParams()

	r.cache.Add(ck, resolved)
	return &resolved, nil
}

// fetchAll reads every key in keys, preferring BatchGetItem when the backend
// supports it so a four-level resolution costs one round trip instead of
// four.
func fetchAll(ctx context.Context, repo store.Repository, keys []store.Key) (map[store.Key]*store.Item, error) {
	if repo.Capabilities().BatchOperations {
		return repo.BatchGetItem(ctx, keys)
	}
	out := make(map[store.Key]*store.Item, len(keys))
	for _, k := range keys {
		item, ok, err := repo.GetItem(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = item
		}
	}
	return out, nil
}

// parseConfigItem recovers the per-limit kernel.Params encoded in a config
// item's flat attributes (l_<limit>_cp, l_<limit>_ra, l_<limit>_rp).
func parseConfigItem(item *store.Item) map[string]kernel.Params {
	type partial struct {
		cp, ra, rp int64
		haveCp     bool
		haveRa     bool
		haveRp     bool
	}
	partials := make(map[string]*partial)
	for attr, v := range item.Numbers {
		rest, ok := strings.CutPrefix(attr, "l_")
		if !ok {
			continue
		}
		idx := strings.LastIndex(rest, "_")
		if idx < 0 {
			continue
		}
		name, param := rest[:idx], rest[idx+1:]
		p, ok := partials[name]
		if !ok {
			p = &partial{}
			partials[name] = p
		}
		switch param {
		case "cp":
			p.cp, p.haveCp = v, true
		case "ra":
			p.ra, p.haveRa = v, true
		case "rp":
			p.rp, p.haveRp = v, true
		}
	}
	out := make(map[string]kernel.Params, len(partials))
	for name, p := range partials {
		// governance.DeleteLimit zeroes all three attributes; a limit left in
		// that state is not defined at this level.
		if p.cp == 0 && p.ra == 0 && p.rp == 0 {
			continue
		}
		if p.haveCp && p.haveRa && p.haveRp {
			out[name] = kernel.Params{CapacityMilli: p.cp, RefillAmountMilli: p.ra, RefillPeriodMs: p.rp}
		}
	}
	return out
}

// ToUpdate encodes params as the store.Update that would write one limit's
// configuration at whatever level the caller is targeting.
func ToUpdate(limit string, params kernel.Params, version int64) *store.Update {
	u := store.NewUpdate()
	u.SetNumbers[keyschema.ConfigAttr(limit, "cp")] = params.CapacityMilli
	u.SetNumbers[keyschema.ConfigAttr(limit, "ra")] = params.RefillAmountMilli
	u.SetNumbers[keyschema.ConfigAttr(limit, "rp")] = params.RefillPeriodMs
	u.SetNumbers[keyschema.ConfigVersionAttr] = version
	return u
}
