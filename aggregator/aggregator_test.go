package aggregator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/ratelimit/configcache"
	"eve.evalgo.org/ratelimit/entitycache"
	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, store.Repository) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agg.db")
	repo, err := store.NewBoltRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	u := configcache.ToUpdate("rpm", kernel.Params{CapacityMilli: 100_000, RefillAmountMilli: 100_000, RefillPeriodMs: 60_000}, 1)
	_, err = repo.UpdateItem(context.Background(), keyschema.SystemConfig("ns1"), *u, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)
	u2 := configcache.ToUpdate("wcu", kernel.Params{CapacityMilli: 1000, RefillAmountMilli: 1000, RefillPeriodMs: 1000}, 1)
	_, err = repo.UpdateItem(context.Background(), keyschema.SystemConfig("ns1"), *u2, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)

	return &Aggregator{
		Repo:      repo,
		Configs:   configcache.New(repo, 64, time.Minute),
		Entities:  entitycache.New(repo, 64, time.Minute),
		Namespace: "ns1",
	}, repo
}

func TestProcessBatch_MaterializesUsageSnapshot(t *testing.T) {
	a, repo := newTestAggregator(t)
	ctx := context.Background()
	key := keyschema.BucketShard("ns1", "proj-1", "rpm", 0)

	u := store.NewUpdate()
	u.SetNumbers[keyschema.BucketAttr("rpm", "tk")] = 99_000
	u.SetNumbers[keyschema.BucketAttr("rpm", "tc")] = 1000
	u.SetNumbers[keyschema.ShardCountAttr] = 1
	_, err := repo.UpdateItem(ctx, key, *u, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)

	item, _, err := repo.GetItem(ctx, key)
	require.NoError(t, err)

	evt := store.ChangeEvent{Key: key, Old: nil, New: item}
	stats := a.ProcessBatch(ctx, []store.ChangeEvent{evt}, 2, 0)
	assert.Equal(t, 1, stats.EventsProcessed)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 1, stats.SnapshotsWritten)

	snapKey := keyschema.UsageSnapshot("ns1", "proj-1", "rpm", hourWindow(0))
	snapItem, ok, err := repo.GetItem(ctx, snapKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1000), snapItem.Numbers["u_rpm"])
}

func TestProcessBatch_TriggersReshardUnderWCUPressure(t *testing.T) {
	a, repo := newTestAggregator(t)
	ctx := context.Background()
	key := keyschema.BucketShard("ns1", "proj-2", "rpm", 0)

	u := store.NewUpdate()
	u.SetNumbers[keyschema.BucketAttr("wcu", "tk")] = 100 // ~99.99% consumed of the 1,000,000 wcu capacity
	u.SetNumbers[keyschema.ShardCountAttr] = 1
	_, err := repo.UpdateItem(ctx, key, *u, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)
	item, _, err := repo.GetItem(ctx, key)
	require.NoError(t, err)

	evt := store.ChangeEvent{Key: key, New: item}
	stats := a.ProcessBatch(ctx, []store.ChangeEvent{evt}, 1, 0)
	assert.Equal(t, 1, stats.ReshardsTriggered)

	meta, ok, err := a.Entities.Get(ctx, "ns1", "proj-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, meta.ShardCountFor("rpm"))
}

func TestProcessBatch_IgnoresNonBucketKeys(t *testing.T) {
	a, _ := newTestAggregator(t)
	evt := store.ChangeEvent{Key: keyschema.EntityMeta("ns1", "proj-3"), New: store.NewItem()}
	stats := a.ProcessBatch(context.Background(), []store.ChangeEvent{evt}, 1, 0)
	assert.Equal(t, 1, stats.EventsProcessed)
	assert.Equal(t, 0, stats.Errors)
	assert.Equal(t, 0, stats.SnapshotsWritten)
}
