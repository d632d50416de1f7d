// Package aggregator consumes the store's change feed in the background,
// turning raw bucket-shard mutations into three derived effects: proactive
// refill (so a bucket a reader touches next is already caught up), proactive
// reshard under write-capacity pressure, and materialized usage snapshots.
// The change feed only promises at-least-once delivery (spec.md §9): refill
// and reshard are guarded writes that a redelivered event does not apply
// twice, while a usage snapshot is a plain ADD that a redelivered event
// counts again (see materializeUsage).
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"eve.evalgo.org/ratelimit/bucket"
	"eve.evalgo.org/ratelimit/configcache"
	"eve.evalgo.org/ratelimit/entitycache"
	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

// WCUPressureThreshold is the fraction of a shard's write-capacity limit
// consumed beyond which the aggregator proactively doubles its shard count
// (spec.md §4.8).
const WCUPressureThreshold = 0.8

// Stats summarizes one ProcessBatch call, returned to the caller (and, from
// cmd/ratelimit-demo, logged) rather than swallowed.
type Stats struct {
	EventsProcessed  int
	ReshardsTriggered int
	SnapshotsWritten int
	Errors           int
}

// Aggregator wires the caches it invalidates on reshard into the change-feed
// consumer.
type Aggregator struct {
	Repo      store.Repository
	Configs   *configcache.Resolver
	Entities  *entitycache.Cache
	Namespace string
}

// Run polls feed in a loop until ctx is cancelled, fanning each batch out
// across a small worker pool (shaped after the teacher's worker.Pool:
// bounded concurrency, one job per change event) before acking the batch.
// Acking only after every event in the batch has been handled means a crash
// mid-batch simply redelivers it, which every handler tolerates.
func (a *Aggregator) Run(ctx context.Context, feed store.ChangeFeed, workers int) error {
	if workers < 1 {
		workers = 1
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, err := feed.Poll(ctx, 100)
		if err != nil {
			return fmt.Errorf("aggregator: poll change feed: %w", err)
		}
		if len(events) == 0 {
			continue
		}

		a.ProcessBatch(ctx, events, workers, time.Now().UnixMilli())

		if err := feed.Ack(ctx, events); err != nil {
			return fmt.Errorf("aggregator: ack change feed: %w", err)
		}
	}
}

// ProcessBatch handles one batch of change events with bounded concurrency
// and returns aggregate statistics. It never fails the batch on a single
// event's error: that event is simply counted and left for the next
// redelivery to retry.
func (a *Aggregator) ProcessBatch(ctx context.Context, events []store.ChangeEvent, workers int, nowMs int64) Stats {
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan store.ChangeEvent)
	results := make(chan eventResult)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for evt := range jobs {
				results <- a.processOne(ctx, evt, nowMs)
			}
		}()
	}
	go func() {
		for _, evt := range events {
			jobs <- evt
		}
		close(jobs)
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var stats Stats
	for r := range results {
		stats.EventsProcessed++
		if r.err != nil {
			stats.Errors++
			continue
		}
		if r.resharded {
			stats.ReshardsTriggered++
		}
		stats.SnapshotsWritten += r.snapshotsWritten
	}
	return stats
}

type eventResult struct {
	resharded        bool
	snapshotsWritten int
	err              error
}

func (a *Aggregator) processOne(ctx context.Context, evt store.ChangeEvent, nowMs int64) eventResult {
	parsed, err := keyschema.ParseBucketKey(evt.Key.PK)
	if err != nil {
		// Not a bucket shard mutation (e.g. a config or entity-meta write);
		// nothing for the aggregator to derive from it.
		return eventResult{}
	}
	if evt.New == nil {
		return eventResult{} // deletion, nothing to aggregate
	}

	var result eventResult
	if resharded, err := a.maybeReshard(ctx, parsed, evt.New); err != nil {
		return eventResult{err: err}
	} else {
		result.resharded = resharded
	}

	if err := a.maybeProactiveRefill(ctx, parsed, evt.New, nowMs); err != nil {
		return eventResult{err: err}
	}

	n, err := a.materializeUsage(ctx, parsed, evt.Old, evt.New)
	if err != nil {
		return eventResult{err: err}
	}
	result.snapshotsWritten = n
	return result
}

// maybeProactiveRefill runs the same lazy-refill computation the lease
// protocol would run on read, but triggered off a write instead: so that the
// next caller to touch this shard via the speculative fast path sees an
// already-current tk instead of paying for the slow path's own refill. A
// no-op if nothing has accrued since the last write (the common case for a
// hot shard), or if a concurrent writer has already moved rf.
func (a *Aggregator) maybeProactiveRefill(ctx context.Context, parsed keyschema.ParsedBucketKey, newItem *store.Item, nowMs int64) error {
	oldRf := newItem.Numbers[keyschema.RefillAttr]
	shardCount := int(newItem.Numbers[keyschema.ShardCountAttr])
	if shardCount < 1 {
		shardCount = 1
	}

	cfg, err := a.Configs.Resolve(ctx, parsed.Namespace, parsed.EntityID, parsed.Resource)
	if err != nil {
		return fmt.Errorf("aggregator: resolve config for proactive refill: %w", err)
	}

	update := store.NewUpdate()
	newRf := oldRf
	touched := false
	for limit, p := range cfg.Limits {
		attr := keyschema.BucketAttr(limit, "tk")
		tk, ok := newItem.Numbers[attr]
		if !ok {
			continue
		}
		shardP := bucket.ShardParams(p, shardCount)
		refilledTk, refilledRf := kernel.Refill(tk, oldRf, nowMs, shardP)
		if delta := refilledTk - tk; delta != 0 {
			update.AddNumbers[attr] = delta
			touched = true
		}
		newRf = refilledRf
	}
	if !touched || newRf == oldRf {
		return nil
	}
	update.AddNumbers[keyschema.RefillAttr] = newRf - oldRf
	guard := store.Condition{NumberEQ: map[string]int64{keyschema.RefillAttr: oldRf}}

	key := keyschema.BucketShard(parsed.Namespace, parsed.EntityID, parsed.Resource, parsed.Shard)
	_, err = a.Repo.UpdateItem(ctx, key, *update, guard, store.ReturnNone)
	if err != nil {
		var condErr *store.ConditionFailedError
		if isConditionFailed(err, &condErr) {
			return nil // a concurrent writer already refreshed this shard
		}
		return fmt.Errorf("aggregator: proactive refill %v: %w", key, err)
	}
	return nil
}

// maybeReshard doubles an entity's shard count for a resource once any
// shard's reserved write-capacity limit ("wcu") is consumed past
// WCUPressureThreshold. The guard compares against the entity's OWN current
// shard count, not parsed.Shard's bucket-local view, so redelivered or
// reordered events converge on the same doubled value instead of compounding.
func (a *Aggregator) maybeReshard(ctx context.Context, parsed keyschema.ParsedBucketKey, newItem *store.Item) (bool, error) {
	capMilli := newItem.Numbers[keyschema.BucketAttr(keyschema.WCULimitName, "cp")]
	if capMilli == 0 {
		cfg, err := a.Configs.Resolve(ctx, parsed.Namespace, parsed.EntityID, parsed.Resource)
		if err != nil {
			return false, fmt.Errorf("aggregator: resolve wcu config: %w", err)
		}
		capMilli = cfg.Limits[keyschema.WCULimitName].CapacityMilli
	}
	if capMilli == 0 {
		return false, nil // no wcu limit configured for this resource; nothing to pressure-check
	}

	tk, ok := newItem.Numbers[keyschema.BucketAttr(keyschema.WCULimitName, "tk")]
	if !ok {
		return false, nil // this shard has never recorded wcu usage; nothing to pressure-check yet
	}
	usedFraction := 1 - float64(tk)/float64(capMilli)
	if usedFraction <= WCUPressureThreshold {
		return false, nil
	}

	meta, ok, err := a.Entities.Get(ctx, parsed.Namespace, parsed.EntityID)
	if err != nil {
		return false, fmt.Errorf("aggregator: read entity meta for reshard: %w", err)
	}
	current := 1
	if ok {
		current = meta.ShardCountFor(parsed.Resource)
	}
	target := current * 2

	update := store.NewUpdate()
	update.SetNumbers[entitycache.ShardCountAttr(parsed.Resource)] = int64(target)
	guard := store.NewCondition()
	guard.NumberLT[entitycache.ShardCountAttr(parsed.Resource)] = int64(target)

	_, err = a.Repo.UpdateItem(ctx, keyschema.EntityMeta(parsed.Namespace, parsed.EntityID), *update, *guard, store.ReturnNone)
	if err != nil {
		var condErr *store.ConditionFailedError
		if isConditionFailed(err, &condErr) {
			return false, nil // another event already triggered this reshard
		}
		return false, fmt.Errorf("aggregator: reshard entity %q resource %q: %w", parsed.EntityID, parsed.Resource, err)
	}
	a.Entities.Invalidate(parsed.Namespace, parsed.EntityID)
	return true, nil
}

// materializeUsage adds each limit's positive consumption delta between old
// and new images onto the entity's hourly usage snapshot. ADD is
// commutative, so redelivering the same event twice would double-count; we
// rely on the change feed's Ack-after-full-processing contract to keep
// redelivery rare, and accept that a crash between write and ack can
// over-count by at most one batch, a documented approximation (spec.md §9
// "usage snapshots are best-effort, not billing-grade").
func (a *Aggregator) materializeUsage(ctx context.Context, parsed keyschema.ParsedBucketKey, old, newer *store.Item) (int, error) {
	windowKey := hourWindow(newer.Numbers[keyschema.RefillAttr])
	update := store.NewUpdate()
	written := 0
	for limit, delta := range consumedDeltas(old, newer) {
		if delta <= 0 {
			continue
		}
		update.AddNumbers["u_"+limit] = delta
		written++
	}
	if written == 0 {
		return 0, nil
	}
	key := keyschema.UsageSnapshot(parsed.Namespace, parsed.EntityID, parsed.Resource, windowKey)
	if _, err := a.Repo.UpdateItem(ctx, key, *update, store.Condition{}, store.ReturnNone); err != nil {
		return 0, fmt.Errorf("aggregator: write usage snapshot: %w", err)
	}
	return written, nil
}

// consumedDeltas diffs every limit's "tc" (lifetime net-consumed) counter
// between old and new bucket images. wcu is excluded: it is never exposed in
// a usage snapshot (spec.md §4.5).
func consumedDeltas(old, newer *store.Item) map[string]int64 {
	out := make(map[string]int64)
	for attr, newVal := range newer.Numbers {
		name, ok := limitNameFromTcAttr(attr)
		if !ok || name == keyschema.WCULimitName {
			continue
		}
		oldVal := int64(0)
		if old != nil {
			oldVal = old.Numbers[attr]
		}
		out[name] = newVal - oldVal
	}
	return out
}

func limitNameFromTcAttr(attr string) (string, bool) {
	rest, ok := strings.CutPrefix(attr, "b_")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "_tc")
	return name, ok
}

// hourWindow truncates a millisecond timestamp down to its containing hour,
// formatted as the window key usage snapshots are keyed by.
func hourWindow(nowMs int64) string {
	const hourMs = 3_600_000
	return fmt.Sprintf("h%d", nowMs/hourMs)
}

func isConditionFailed(err error, target **store.ConditionFailedError) bool {
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
