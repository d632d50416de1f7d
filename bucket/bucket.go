// Package bucket owns the composite bucket record: the per-shard item that
// holds every limit's token/refill counters for one (entity, resource) pair,
// and the math for mapping a resource's configured capacity down onto one of
// its shards.
package bucket

import (
	"math/rand"

	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

// LimitState is one limit's counters as stored on a bucket shard item.
type LimitState struct {
	TokensMilli   int64
	CapacityMilli int64 // "cp", this shard's capacity; a reshard does not rewrite it on existing shards
	ConsumedMilli int64 // "tc", lifetime net-consumed millitokens (consumed minus released)
}

// Bucket is the decoded form of one composite bucket shard item: the shared
// refill timestamp plus a LimitState per configured limit name (rpm, tpm,
// ..., and the always-present reserved "wcu" write-capacity limit).
type Bucket struct {
	Namespace  string
	EntityID   string
	Resource   string
	Shard      int
	RefillMs   int64
	Limits     map[string]LimitState
	ShardCount int
	Cascade    bool
	ParentID   string
}

// New returns a freshly-seeded bucket shard: every limit starts at full
// capacity (the cold-entity speculative-write assumption, spec.md §4.6.2).
func New(ns, entityID, resource string, shard, shardCount int, cascade bool, parentID string, caps map[string]kernel.Params, nowMs int64) *Bucket {
	limits := make(map[string]LimitState, len(caps))
	for name, p := range caps {
		capMilli := ShardCapacity(p.CapacityMilli, shardCount)
		limits[name] = LimitState{TokensMilli: capMilli, CapacityMilli: capMilli}
	}
	return &Bucket{
		Namespace: ns, EntityID: entityID, Resource: resource,
		Shard: shard, RefillMs: nowMs, Limits: limits,
		ShardCount: shardCount, Cascade: cascade, ParentID: parentID,
	}
}

// ShardCapacity divides a resource-level capacity evenly across shardCount
// shards, rounding down so the sum of all shards' capacity never exceeds the
// configured resource-level capacity (spec.md §3 "Sharding must not inflate
// the effective limit").
func ShardCapacity(capacityMilli int64, shardCount int) int64 {
	if shardCount <= 0 {
		shardCount = 1
	}
	return capacityMilli / int64(shardCount)
}

// ShardParams scales a resource's configured Params down to one shard's
// share of capacity and refill rate, preserving the refill period so drift
// compensation (kernel.Refill) behaves identically per shard.
func ShardParams(p kernel.Params, shardCount int) kernel.Params {
	if shardCount <= 0 {
		shardCount = 1
	}
	return kernel.Params{
		CapacityMilli:     ShardCapacity(p.CapacityMilli, shardCount),
		RefillAmountMilli: p.RefillAmountMilli / int64(shardCount),
		RefillPeriodMs:    p.RefillPeriodMs,
	}
}

// PickShard returns a uniformly random shard index in [0, shardCount). The
// lease protocol calls this once per acquire attempt rather than hashing the
// caller's own identity, so load spreads evenly even when a single caller
// dominates traffic (spec.md §4.3).
func PickShard(shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return rand.Intn(shardCount)
}

// Key returns the store key addressing this bucket's shard.
func (b *Bucket) Key() store.Key {
	return keyschema.BucketShard(b.Namespace, b.EntityID, b.Resource, b.Shard)
}

// FromItem decodes a store.Item (as read from a BucketShard key) into a
// Bucket. limitNames enumerates which limits to look for, since the item
// itself carries no schema beyond its flat attribute names.
func FromItem(ns, entityID, resource string, shard int, item *store.Item, limitNames []string) *Bucket {
	b := &Bucket{
		Namespace: ns, EntityID: entityID, Resource: resource, Shard: shard,
		Limits: make(map[string]LimitState, len(limitNames)),
	}
	if item == nil {
		return b
	}
	b.RefillMs = item.Numbers[keyschema.RefillAttr]
	b.ShardCount = int(item.Numbers[keyschema.ShardCountAttr])
	b.Cascade = item.Bools[keyschema.CascadeAttr]
	b.ParentID = item.Strings[keyschema.ParentIDAttr]
	for _, name := range limitNames {
		b.Limits[name] = LimitState{
			TokensMilli:   item.Numbers[keyschema.BucketAttr(name, "tk")],
			CapacityMilli: item.Numbers[keyschema.BucketAttr(name, "cp")],
			ConsumedMilli: item.Numbers[keyschema.BucketAttr(name, "tc")],
		}
	}
	return b
}

// ToUpdate produces the store.Update that would write this bucket's full
// state (used for the initial speculative create; incremental writes build
// their own narrower Update instead).
func (b *Bucket) ToUpdate() *store.Update {
	u := store.NewUpdate()
	u.SetNumbers[keyschema.RefillAttr] = b.RefillMs
	u.SetNumbers[keyschema.ShardCountAttr] = int64(b.ShardCount)
	u.SetBools[keyschema.CascadeAttr] = b.Cascade
	if b.ParentID != "" {
		u.SetStrings[keyschema.ParentIDAttr] = b.ParentID
	}
	for name, ls := range b.Limits {
		u.SetNumbers[keyschema.BucketAttr(name, "tk")] = ls.TokensMilli
		u.SetNumbers[keyschema.BucketAttr(name, "cp")] = ls.CapacityMilli
		u.SetNumbers[keyschema.BucketAttr(name, "tc")] = ls.ConsumedMilli
	}
	return u
}
