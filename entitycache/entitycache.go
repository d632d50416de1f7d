// Package entitycache caches the handful of entity metadata fields the
// speculative lease path needs on every acquire — cascade, parent_id, and the
// current shard_count per resource — so that path almost never has to read
// the entity's own metadata item.
package entitycache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/store"
)

// Meta is the cached subset of an entity's metadata. Cascade and ParentID are
// immutable for the entity's lifetime; ShardCounts changes whenever a
// resource is resharded, so it alone needs active invalidation.
type Meta struct {
	Cascade     bool
	ParentID    string
	ShardCounts map[string]int // resource -> current shard count
}

type cacheKey struct{ Namespace, EntityID string }

// Cache resolves and caches entity Meta.
type Cache struct {
	repo  store.Repository
	cache *lru.LRU[cacheKey, Meta]
}

func New(repo store.Repository, capacity int, ttl time.Duration) *Cache {
	return &Cache{repo: repo, cache: lru.NewLRU[cacheKey, Meta](capacity, nil, ttl)}
}

// Invalidate evicts an entity's cached metadata, called after a reshard
// commits (by the aggregator or the lease protocol) and after governance
// deletes the entity.
func (c *Cache) Invalidate(ns, entityID string) {
	c.cache.Remove(cacheKey{ns, entityID})
}

// Get returns the cached or freshly-read Meta for (ns, entityID). A missing
// entity metadata item is reported via the bool return, not an error: the
// speculative fast path treats it as "cold entity, start from shard_count 1".
func (c *Cache) Get(ctx context.Context, ns, entityID string) (Meta, bool, error) {
	ck := cacheKey{ns, entityID}
	if m, ok := c.cache.Get(ck); ok {
		return m, true, nil
	}

	item, ok, err := c.repo.GetItem(ctx, keyschema.EntityMeta(ns, entityID))
	if err != nil {
		return Meta{}, false, fmt.Errorf("entitycache: get %s/%s: %w", ns, entityID, err)
	}
	if !ok {
		return Meta{}, false, nil
	}

	m := Meta{
		Cascade:     item.Bools[keyschema.CascadeAttr],
		ParentID:    item.Strings[keyschema.ParentIDAttr],
		ShardCounts: decodeShardCounts(item),
	}
	c.cache.Add(ck, m)
	return m, true, nil
}

// Put seeds or refreshes the cached Meta for (ns, entityID) directly, without
// a store read. The speculative lease path uses this to populate the cache
// from a successful write's returned denormalized fields (spec.md §4.6.2).
func (c *Cache) Put(ns, entityID string, m Meta) {
	c.cache.Add(cacheKey{ns, entityID}, m)
}

// ShardCountFor returns the cached shard count for resource, defaulting to 1
// for a resource the entity has never resharded.
func (m Meta) ShardCountFor(resource string) int {
	if n, ok := m.ShardCounts[resource]; ok && n > 0 {
		return n
	}
	return 1
}

func decodeShardCounts(item *store.Item) map[string]int {
	out := make(map[string]int)
	const prefix = "sc_"
	for attr, v := range item.Numbers {
		if len(attr) > len(prefix) && attr[:len(prefix)] == prefix {
			out[attr[len(prefix):]] = int(v)
		}
	}
	return out
}

// ShardCountAttr returns the attribute name entity metadata uses to store the
// current shard count for one resource.
func ShardCountAttr(resource string) string { return "sc_" + resource }
