// Package lease implements the acquire protocol: consuming tokens from a
// bucket shard (and, for cascading entities, the parent's shard too) with
// lazy refill, optimistic concurrency, and a write-first fast path that
// avoids a read on the common case of a warm, uncontended bucket.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"eve.evalgo.org/ratelimit/bucket"
	"eve.evalgo.org/ratelimit/configcache"
	"eve.evalgo.org/ratelimit/entitycache"
	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

// maxAttempts bounds the outer optimistic-retry loop: a bucket contended
// this hard makes the acquire return an error rather than retry indefinitely.
const maxAttempts = 5

// maxSpeculativeShardRetries bounds how many additional random shards the
// speculative fast path tries, on a multi-shard bucket, after a failure
// driven by an app-visible limit before giving up to the slow path
// (spec.md §4.6.2).
const maxSpeculativeShardRetries = 2

// Lease is a granted or rejected acquire outcome. A granted Lease may later
// be adjusted (for callers who reserve an estimate and true up once the real
// cost is known) or released (refunding tokens reserved but never spent).
type Lease struct {
	ID           string
	Granted      bool
	DeficitMilli map[string]int64
	RetryAfterMs int64

	ns, entityID, resource string
	shard, parentShard     int
	parentID               string
	cascades               bool
	consumedMilli          map[string]int64
}

// Acquirer wires together the caches and store needed to run the acquire
// protocol for one namespace.
type Acquirer struct {
	Repo      store.Repository
	Configs   *configcache.Resolver
	Entities  *entitycache.Cache
	Namespace string
}

// Acquire attempts to consume consumeMilli tokens (per limit name, already in
// millitoken units) from entityID's resource bucket, cascading to the parent
// entity when the entity's metadata marks it as a cascading child.
func (a *Acquirer) Acquire(ctx context.Context, entityID, resource string, consumeMilli map[string]int64, nowMs int64) (*Lease, error) {
	cfg, err := a.Configs.Resolve(ctx, a.Namespace, entityID, resource)
	if err != nil {
		return nil, fmt.Errorf("lease: resolve config: %w", err)
	}
	meta, _, err := a.Entities.Get(ctx, a.Namespace, entityID)
	if err != nil {
		return nil, fmt.Errorf("lease: resolve entity: %w", err)
	}

	if !meta.Cascade {
		outcome, shard, err := a.acquireSingle(ctx, a.Namespace, entityID, resource, bucket.PickShard(meta.ShardCountFor(resource)), cfg, consumeMilli, meta.ShardCountFor(resource), nowMs)
		if err != nil {
			return nil, err
		}
		outcome.ns, outcome.entityID, outcome.resource, outcome.shard = a.Namespace, entityID, resource, shard
		return outcome, nil
	}

	parentMeta, _, err := a.Entities.Get(ctx, a.Namespace, meta.ParentID)
	if err != nil {
		return nil, fmt.Errorf("lease: resolve parent entity: %w", err)
	}

	outcome, childShard, parentShard, err := a.acquireCascade(ctx, entityID, meta.ParentID, resource, cfg, consumeMilli, meta.ShardCountFor(resource), parentMeta.ShardCountFor(resource), nowMs)
	if err != nil {
		return nil, err
	}
	outcome.ns, outcome.entityID, outcome.resource, outcome.shard = a.Namespace, entityID, resource, childShard
	outcome.parentID, outcome.parentShard, outcome.cascades = meta.ParentID, parentShard, true
	return outcome, nil
}

// withWCU returns a copy of consumeMilli with the reserved wcu write-capacity
// charge added, so every bucket write guards and debits it alongside the
// caller's own app-visible limits (spec.md §4.5, §4.6.1).
func withWCU(consumeMilli map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(consumeMilli)+1)
	for k, v := range consumeMilli {
		out[k] = v
	}
	out[keyschema.WCULimitName] = keyschema.WCUConsumeMilli
	return out
}

// acquireSingle runs the fast/slow path against one (entity, resource)
// bucket with no cascade, starting on shard and returning whichever shard the
// consumption actually landed on. A speculative failure driven by the
// reserved wcu limit triggers a proactive reshard before falling back; one
// driven by an app-visible limit on a multi-shard bucket retries a few other
// random shards before falling back (spec.md §4.6.2).
func (a *Acquirer) acquireSingle(ctx context.Context, ns, entityID, resource string, shard int, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, shardCount int, nowMs int64) (*Lease, int, error) {
	key := keyschema.BucketShard(ns, entityID, resource, shard)
	for attempt := 0; ; attempt++ {
		fast := a.tryFastPath(ctx, key, consumeMilli)
		if fast == nil {
			break // write errored for a reason other than a failed condition
		}
		if fast.ok {
			a.populateEntityCache(ctx, ns, entityID, resource, shardCount, fast.newItem)
			return grantedLease(consumeMilli), shard, nil
		}
		if fast.old == nil {
			break // bucket doesn't exist yet; only the slow path can create it
		}

		failure := classifyFastFailure(fast.old, consumeMilli, cfg, shardCount, nowMs)
		if failure.wcuExhausted {
			a.triggerReshard(ctx, ns, entityID, resource, shardCount)
			lease, err := a.slowAttempt(ctx, key, fast.old, cfg, consumeMilli, shardCount, nowMs)
			return lease, shard, err
		}
		if shardCount > 1 && attempt < maxSpeculativeShardRetries {
			shard = bucket.PickShard(shardCount)
			key = keyschema.BucketShard(ns, entityID, resource, shard)
			continue
		}
		if failure.unsatisfiable {
			return &Lease{Granted: false, DeficitMilli: failure.deficits, RetryAfterMs: failure.retryAfterMs}, shard, nil
		}
		lease, err := a.slowAttempt(ctx, key, fast.old, cfg, consumeMilli, shardCount, nowMs)
		return lease, shard, err
	}
	lease, err := a.slowPath(ctx, key, cfg, consumeMilli, shardCount, nowMs)
	return lease, shard, err
}

// triggerReshard doubles the cached shard count for (entityID, resource),
// called when a speculative write observes the reserved wcu limit exhausted
// on the shard it just tried. The guard makes this idempotent against
// concurrent or redelivered triggers: only the first caller to observe a
// given target count moves it forward. This writes to the same entity-meta
// attribute the aggregator's own proactive reshard uses, so shard_count has a
// single source of truth regardless of which path noticed the pressure.
func (a *Acquirer) triggerReshard(ctx context.Context, ns, entityID, resource string, currentShardCount int) {
	target := currentShardCount * 2
	if target < 2 {
		target = 2
	}
	update := store.NewUpdate()
	update.SetNumbers[entitycache.ShardCountAttr(resource)] = int64(target)
	guard := store.NewCondition()
	guard.NumberLT[entitycache.ShardCountAttr(resource)] = int64(target)
	_, err := a.Repo.UpdateItem(ctx, keyschema.EntityMeta(ns, entityID), *update, *guard, store.ReturnNone)
	if err != nil {
		return // already resharded by another caller, or a transient error; either way the aggregator's own pressure check self-heals this
	}
	a.Entities.Invalidate(ns, entityID)
}

// populateEntityCache seeds the entity cache straight from a successful
// speculative write's ALL_NEW image, so the next acquire on this entity skips
// the metadata read entirely (spec.md §4.6.2).
func (a *Acquirer) populateEntityCache(ctx context.Context, ns, entityID, resource string, shardCount int, newItem *store.Item) {
	if newItem == nil {
		return
	}
	m := entitycache.Meta{
		Cascade:  newItem.Bools[keyschema.CascadeAttr],
		ParentID: newItem.Strings[keyschema.ParentIDAttr],
	}
	if cached, ok, _ := a.Entities.Get(ctx, ns, entityID); ok {
		m.Cascade, m.ParentID = cached.Cascade, cached.ParentID
		m.ShardCounts = cached.ShardCounts
	}
	if m.ShardCounts == nil {
		m.ShardCounts = make(map[string]int)
	}
	if denormalized := int(newItem.Numbers[keyschema.ShardCountAttr]); denormalized > 0 {
		shardCount = denormalized
	}
	m.ShardCounts[resource] = shardCount
	a.Entities.Put(ns, entityID, m)
}

type fastPathResult struct {
	ok      bool
	old     *store.Item
	newItem *store.Item
}

// tryFastPath issues a single blind conditional write: guard on every
// consumed limit's stored tk (plus the reserved wcu charge) already covering
// the request, with no refill applied. It is correct whenever the bucket was
// touched recently enough that stored tk already reflects (or exceeds) what a
// fresh refill would compute; any staler bucket falls through to the slow
// path. Returns nil if the write itself errored for a reason other than a
// failed condition.
func (a *Acquirer) tryFastPath(ctx context.Context, key store.Key, consumeMilli map[string]int64) *fastPathResult {
	effective := withWCU(consumeMilli)
	guard := store.NewCondition()
	guard.MustExist = true
	update := store.NewUpdate()
	for limit, need := range effective {
		guard.NumberGTE[keyschema.BucketAttr(limit, "tk")] = need
		update.AddNumbers[keyschema.BucketAttr(limit, "tk")] = -need
		update.AddNumbers[keyschema.BucketAttr(limit, "tc")] = need
	}
	newItem, err := a.Repo.UpdateItem(ctx, key, *update, *guard, store.ReturnAllNew)
	if err == nil {
		return &fastPathResult{ok: true, newItem: newItem}
	}
	var condErr *store.ConditionFailedError
	if errorsAs(err, &condErr) {
		return &fastPathResult{ok: false, old: condErr.Old}
	}
	return nil
}

// fastFailure classifies why a speculative write's guard failed.
type fastFailure struct {
	wcuExhausted  bool
	deficits      map[string]int64
	unsatisfiable bool
	retryAfterMs  int64
}

// classifyFastFailure inspects the pre-write image a failed speculative
// write returned and decides which of §4.6.2's branches applies: the
// reserved wcu limit was the offending clause, or one or more app-visible
// limits were, in which case unsatisfiable reports whether refilling alone
// (as of now) could ever have covered the deficit.
func classifyFastFailure(old *store.Item, consumeMilli map[string]int64, cfg *configcache.ResolvedConfig, shardCount int, nowMs int64) fastFailure {
	if old.Numbers[keyschema.BucketAttr(keyschema.WCULimitName, "tk")] < keyschema.WCUConsumeMilli {
		return fastFailure{wcuExhausted: true}
	}

	oldRf := old.Numbers[keyschema.RefillAttr]
	deficits := make(map[string]int64)
	unsatisfiable := false
	var worstRetryAfter int64
	for limit, need := range consumeMilli {
		tk := old.Numbers[keyschema.BucketAttr(limit, "tk")]
		if tk >= need {
			continue
		}
		deficits[limit] = need - tk
		p, ok := cfg.Limits[limit]
		if !ok {
			continue
		}
		shardP := bucket.ShardParams(p, shardCount)
		if !kernel.WouldRefillSatisfy(tk, oldRf, nowMs, shardP, need) {
			unsatisfiable = true
		}
		if res := kernel.TryConsume(tk, oldRf, nowMs, shardP, need); !res.Ok && res.RetryAfterMs > worstRetryAfter {
			worstRetryAfter = res.RetryAfterMs
		}
	}
	return fastFailure{deficits: deficits, unsatisfiable: unsatisfiable, retryAfterMs: worstRetryAfter}
}

// slowPath reads fresh state and retries the refill-and-write protocol up to
// maxAttempts times, each time re-reading on a condition failure caused by a
// concurrent refill racing the rf guard.
func (a *Acquirer) slowPath(ctx context.Context, key store.Key, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, shardCount int, nowMs int64) (*Lease, error) {
	item, _, err := a.Repo.GetItem(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lease: read bucket: %w", err)
	}
	return a.slowAttempt(ctx, key, item, cfg, consumeMilli, shardCount, nowMs)
}

// slowAttempt runs the refill-and-conditionally-write protocol starting from
// an already-known (possibly nil) image, re-reading on each condition-failure
// retry.
func (a *Acquirer) slowAttempt(ctx context.Context, key store.Key, item *store.Item, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, shardCount int, nowMs int64) (*Lease, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lease, retry, err := a.slowAttemptOnce(ctx, key, item, cfg, consumeMilli, shardCount, nowMs)
		if err != nil {
			return nil, err
		}
		if !retry {
			return lease, nil
		}
		fresh, _, err := a.Repo.GetItem(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("lease: re-read bucket: %w", err)
		}
		item = fresh
	}
	return nil, fmt.Errorf("lease: exceeded %d optimistic retries on %v", maxAttempts, key)
}

// slowAttemptOnce plans and issues one conditional write. The second return
// value reports whether the caller should retry with a fresh read.
func (a *Acquirer) slowAttemptOnce(ctx context.Context, key store.Key, item *store.Item, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, shardCount int, nowMs int64) (*Lease, bool, error) {
	plan, deficit, err := planAttempt(item, cfg, consumeMilli, shardCount, nowMs)
	if err != nil {
		return nil, false, err
	}
	if deficit != nil {
		return &Lease{Granted: false, DeficitMilli: deficit.deficits, RetryAfterMs: deficit.retryAfter}, false, nil
	}

	_, err = a.Repo.UpdateItem(ctx, key, *plan.update, *plan.guard, store.ReturnNone)
	if err == nil {
		return grantedLease(consumeMilli), false, nil
	}
	var condErr *store.ConditionFailedError
	if errorsAs(err, &condErr) {
		return nil, true, nil // raced with a concurrent refill or creation; retry
	}
	return nil, false, fmt.Errorf("lease: write bucket: %w", err)
}

// acquireCascade runs the child and parent consumption together, returning
// the shards each side actually landed on. When the backend supports
// transactions both writes commit atomically; otherwise they're dispatched
// in sequence and a failed parent triggers a deferred compensating write that
// refunds whatever the child write already took.
func (a *Acquirer) acquireCascade(ctx context.Context, entityID, parentID, resource string, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, childShards, parentShards int, nowMs int64) (*Lease, int, int, error) {
	if a.Repo.Capabilities().Transactions {
		childShard := bucket.PickShard(childShards)
		parentShard := bucket.PickShard(parentShards)
		lease, err := a.acquireCascadeTransactional(ctx, keyschema.BucketShard(a.Namespace, entityID, resource, childShard), keyschema.BucketShard(a.Namespace, parentID, resource, parentShard), cfg, consumeMilli, childShards, parentShards, nowMs)
		return lease, childShard, parentShard, err
	}
	return a.acquireCascadeParallel(ctx, entityID, parentID, resource, cfg, consumeMilli, childShards, parentShards, nowMs)
}

func (a *Acquirer) acquireCascadeTransactional(ctx context.Context, childKey, parentKey store.Key, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, childShards, parentShards int, nowMs int64) (*Lease, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		childItem, _, err := a.Repo.GetItem(ctx, childKey)
		if err != nil {
			return nil, fmt.Errorf("lease: read child bucket: %w", err)
		}
		parentItem, _, err := a.Repo.GetItem(ctx, parentKey)
		if err != nil {
			return nil, fmt.Errorf("lease: read parent bucket: %w", err)
		}

		childPlan, childDeficit, err := planAttempt(childItem, cfg, consumeMilli, childShards, nowMs)
		if err != nil {
			return nil, err
		}
		parentPlan, parentDeficit, err := planAttempt(parentItem, cfg, consumeMilli, parentShards, nowMs)
		if err != nil {
			return nil, err
		}
		if childDeficit != nil {
			return &Lease{Granted: false, DeficitMilli: childDeficit.deficits, RetryAfterMs: childDeficit.retryAfter}, nil
		}
		if parentDeficit != nil {
			return &Lease{Granted: false, DeficitMilli: parentDeficit.deficits, RetryAfterMs: parentDeficit.retryAfter}, nil
		}

		err = a.Repo.TransactWriteItems(ctx, []store.TransactItem{
			{Key: childKey, Update: *childPlan.update, Condition: *childPlan.guard},
			{Key: parentKey, Update: *parentPlan.update, Condition: *parentPlan.guard},
		})
		if err == nil {
			return grantedLease(consumeMilli), nil
		}
		var condErr *store.ConditionFailedError
		if errorsAs(err, &condErr) {
			continue // one side raced; retry the whole cascade with fresh reads
		}
		return nil, fmt.Errorf("lease: cascade transaction: %w", err)
	}
	return nil, fmt.Errorf("lease: exceeded %d cascade retries", maxAttempts)
}

// acquireCascadeParallel runs the child consumption and then the parent
// consumption, one after the other, against a backend with no native
// multi-key transaction, compensating the child if the parent side errors or
// is rejected. This trades a window of partial-cascade inconsistency
// (visible only to a concurrent reader of the child's shard) for
// availability on backends whose Capabilities report no Transactions.
func (a *Acquirer) acquireCascadeParallel(ctx context.Context, entityID, parentID, resource string, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, childShards, parentShards int, nowMs int64) (*Lease, int, int, error) {
	childLease, childShard, childErr := a.acquireSingle(ctx, a.Namespace, entityID, resource, bucket.PickShard(childShards), cfg, consumeMilli, childShards, nowMs)
	if childErr != nil {
		return nil, childShard, 0, childErr
	}
	if !childLease.Granted {
		return childLease, childShard, 0, nil
	}

	parentLease, parentShard, parentErr := a.acquireSingle(ctx, a.Namespace, parentID, resource, bucket.PickShard(parentShards), cfg, consumeMilli, parentShards, nowMs)
	childKey := keyschema.BucketShard(a.Namespace, entityID, resource, childShard)
	if parentErr != nil {
		a.compensate(ctx, childKey, consumeMilli)
		return nil, childShard, parentShard, parentErr
	}
	if !parentLease.Granted {
		a.compensate(ctx, childKey, consumeMilli)
		return parentLease, childShard, parentShard, nil
	}
	return grantedLease(consumeMilli), childShard, parentShard, nil
}

// compensate refunds a consumption that was committed on one side of a
// cascade after the other side failed. It is itself a plain commutative ADD,
// so it never needs to observe the current state. The reserved wcu charge is
// not refunded: that write genuinely happened and its cost stands regardless
// of the cascade's outcome.
func (a *Acquirer) compensate(ctx context.Context, key store.Key, consumedMilli map[string]int64) {
	update := store.NewUpdate()
	for limit, amount := range consumedMilli {
		update.AddNumbers[keyschema.BucketAttr(limit, "tk")] = amount
		update.AddNumbers[keyschema.BucketAttr(limit, "tc")] = -amount
	}
	// Best-effort: a failure here leaves the bucket charged for the cascade.
	// Its tk recovers through ordinary refill; the extra tc stays counted.
	_, _ = a.Repo.UpdateItem(ctx, key, *update, store.Condition{MustExist: true}, store.ReturnNone)
}

type writePlan struct {
	update *store.Update
	guard  *store.Condition
}

type deficitPlan struct {
	deficits   map[string]int64
	retryAfter int64
}

// planAttempt computes the write plan for one side of an acquire (including
// the reserved wcu charge) without issuing it, so a cascade's two sides can
// both be validated before either is written. On a cold bucket (item == nil)
// the plan also seeds every limit's immutable capacity counter and sets its
// token count to the full capacity minus this consumption.
func planAttempt(item *store.Item, cfg *configcache.ResolvedConfig, consumeMilli map[string]int64, shardCount int, nowMs int64) (*writePlan, *deficitPlan, error) {
	oldRf := int64(0)
	if item != nil {
		oldRf = item.Numbers[keyschema.RefillAttr]
	}
	effective := withWCU(consumeMilli)

	deficits := make(map[string]int64)
	var worstRetryAfter int64
	tkDeltas := make(map[string]int64)
	capacities := make(map[string]int64)
	newRf := oldRf

	for limit, need := range effective {
		p, ok := cfg.Limits[limit]
		if !ok {
			return nil, nil, fmt.Errorf("lease: limit %q has no configured parameters", limit)
		}
		shardP := bucket.ShardParams(p, shardCount)
		capacities[limit] = shardP.CapacityMilli
		oldTk := shardP.CapacityMilli // a bucket that doesn't exist yet starts full, not empty
		if item != nil {
			oldTk = item.Numbers[keyschema.BucketAttr(limit, "tk")]
		}
		res := kernel.TryConsume(oldTk, oldRf, nowMs, shardP, need)
		if !res.Ok {
			deficits[limit] = res.DeficitMilli
			if res.RetryAfterMs > worstRetryAfter {
				worstRetryAfter = res.RetryAfterMs
			}
			continue
		}
		tkDeltas[limit] = res.NewTk - oldTk
		newRf = res.NewRf
	}
	if len(deficits) > 0 {
		return nil, &deficitPlan{deficits: deficits, retryAfter: worstRetryAfter}, nil
	}

	update := store.NewUpdate()
	guard := store.NewCondition()
	if item == nil {
		guard.MustNotExist = true
		update.SetNumbers[keyschema.RefillAttr] = newRf
		update.SetNumbers[keyschema.ShardCountAttr] = int64(shardCount)
	} else {
		guard.NumberEQ[keyschema.RefillAttr] = oldRf
		update.AddNumbers[keyschema.RefillAttr] = newRf - oldRf
	}
	for limit, delta := range tkDeltas {
		if item == nil {
			// Capacity is immutable once written; only the creating write sets it.
			// tk and tc are set outright too: an ADD against a missing attribute
			// starts from zero, not from the full capacity planned above.
			update.SetNumbers[keyschema.BucketAttr(limit, "cp")] = capacities[limit]
			update.SetNumbers[keyschema.BucketAttr(limit, "tk")] = capacities[limit] + delta
			update.SetNumbers[keyschema.BucketAttr(limit, "tc")] = effective[limit]
			continue
		}
		update.AddNumbers[keyschema.BucketAttr(limit, "tk")] = delta
		update.AddNumbers[keyschema.BucketAttr(limit, "tc")] = effective[limit]
	}
	return &writePlan{update: update, guard: guard}, nil, nil
}

func grantedLease(consumedMilli map[string]int64) *Lease {
	consumed := make(map[string]int64, len(consumedMilli))
	for k, v := range consumedMilli {
		consumed[k] = v
	}
	return &Lease{ID: uuid.NewString(), Granted: true, consumedMilli: consumed}
}

// Adjust corrects a granted lease's actual consumption against its initial
// estimate: actualMilli may be less than what was reserved (a partial
// refund) or more (an additional charge). Both directions are a single
// commutative ADD against tk and tc; the reserved wcu charge is untouched,
// since it tracks writes performed, not app-limit consumption.
func (l *Lease) Adjust(ctx context.Context, a *Acquirer, actualMilli map[string]int64) error {
	if !l.Granted {
		return fmt.Errorf("lease: cannot adjust an unrgranted lease")
	}
	key := keyschema.BucketShard(a.Namespace, l.entityID, l.resource, l.shard)
	update := store.NewUpdate()
	for limit, actual := range actualMilli {
		delta := l.consumedMilli[limit] - actual
		update.AddNumbers[keyschema.BucketAttr(limit, "tk")] = delta
		update.AddNumbers[keyschema.BucketAttr(limit, "tc")] = -delta
	}
	if update.IsEmpty() {
		return nil
	}
	if _, err := a.Repo.UpdateItem(ctx, key, *update, store.Condition{MustExist: true}, store.ReturnNone); err != nil {
		return fmt.Errorf("lease: adjust: %w", err)
	}
	if l.cascades {
		parentKey := keyschema.BucketShard(a.Namespace, l.parentID, l.resource, l.parentShard)
		if _, err := a.Repo.UpdateItem(ctx, parentKey, *update, store.Condition{MustExist: true}, store.ReturnNone); err != nil {
			return fmt.Errorf("lease: adjust parent: %w", err)
		}
	}
	return nil
}

// Release refunds the full amount a granted lease reserved, used when the
// caller abandons the work the lease was reserved for.
func (l *Lease) Release(ctx context.Context, a *Acquirer) error {
	zero := make(map[string]int64, len(l.consumedMilli))
	for limit := range l.consumedMilli {
		zero[limit] = 0
	}
	return l.Adjust(ctx, a, zero)
}

// RetryAfter returns how long to wait before retrying a rejected lease.
func (l *Lease) RetryAfter() time.Duration {
	return time.Duration(l.RetryAfterMs) * time.Millisecond
}

// errorsAs is a tiny local alias so this file doesn't need a second import
// line purely for errors.As.
func errorsAs(err error, target **store.ConditionFailedError) bool {
	for err != nil {
		if ce, ok := err.(*store.ConditionFailedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
