package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/ratelimit/keyschema"
)

func newTestRedisRepo(t *testing.T) *RedisRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo, err := NewRedisRepositoryFromClient(client, WithMaxRetries(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRedisRepository_GetItem_MissingReturnsNotOk(t *testing.T) {
	repo := newTestRedisRepo(t)
	item, ok, err := repo.GetItem(context.Background(), keyschema.EntityMeta("ns", "e1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, item)
}

func TestRedisRepository_UpdateItem_CreateThenConditionalIncrement(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	key := keyschema.BucketShard("ns", "e1", "rpm", 0)

	update := NewUpdate()
	update.SetNumbers[keyschema.BucketAttr("rpm", "tk")] = 100_000
	update.SetNumbers[keyschema.RefillAttr] = 0
	cond := NewCondition()
	cond.MustNotExist = true

	_, err := repo.UpdateItem(ctx, key, *update, *cond, ReturnNone)
	require.NoError(t, err)

	item, ok, err := repo.GetItem(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100_000), item.Numbers[keyschema.BucketAttr("rpm", "tk")])

	consume := NewUpdate()
	consume.AddNumbers[keyschema.BucketAttr("rpm", "tk")] = -1000
	guard := NewCondition()
	guard.NumberGTE[keyschema.BucketAttr("rpm", "tk")] = 1000

	newer, err := repo.UpdateItem(ctx, key, *consume, *guard, ReturnAllNew)
	require.NoError(t, err)
	assert.Equal(t, int64(99_000), newer.Numbers[keyschema.BucketAttr("rpm", "tk")])
}

func TestRedisRepository_UpdateItem_ConditionFailureReturnsOldImage(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	key := keyschema.BucketShard("ns", "e1", "rpm", 0)

	create := NewUpdate()
	create.SetNumbers[keyschema.BucketAttr("rpm", "tk")] = 500
	_, err := repo.UpdateItem(ctx, key, *create, Condition{}, ReturnNone)
	require.NoError(t, err)

	consume := NewUpdate()
	consume.AddNumbers[keyschema.BucketAttr("rpm", "tk")] = -1000
	guard := NewCondition()
	guard.NumberGTE[keyschema.BucketAttr("rpm", "tk")] = 1000

	_, err = repo.UpdateItem(ctx, key, *consume, *guard, ReturnAllOld)
	require.Error(t, err)
	var condFailed *ConditionFailedError
	require.ErrorAs(t, err, &condFailed)
	assert.Equal(t, int64(500), condFailed.Old.Numbers[keyschema.BucketAttr("rpm", "tk")])
}

func TestRedisRepository_TransactWriteItems_AllOrNothing(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	childKey := keyschema.BucketShard("ns", "child", "rpm", 0)
	parentKey := keyschema.BucketShard("ns", "parent", "rpm", 0)

	seed := func(k Key, tk int64) {
		u := NewUpdate()
		u.SetNumbers[keyschema.BucketAttr("rpm", "tk")] = tk
		_, err := repo.UpdateItem(ctx, k, *u, Condition{}, ReturnNone)
		require.NoError(t, err)
	}
	seed(childKey, 100_000)
	seed(parentKey, 500) // parent too low, should abort the whole transaction

	childUpdate := NewUpdate()
	childUpdate.AddNumbers[keyschema.BucketAttr("rpm", "tk")] = -1000
	parentUpdate := NewUpdate()
	parentUpdate.AddNumbers[keyschema.BucketAttr("rpm", "tk")] = -1000
	parentGuard := NewCondition()
	parentGuard.NumberGTE[keyschema.BucketAttr("rpm", "tk")] = 1000

	err := repo.TransactWriteItems(ctx, []TransactItem{
		{Key: childKey, Update: *childUpdate},
		{Key: parentKey, Update: *parentUpdate, Condition: *parentGuard},
	})
	require.Error(t, err)

	item, _, err := repo.GetItem(ctx, childKey)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), item.Numbers[keyschema.BucketAttr("rpm", "tk")], "child must be untouched when parent guard fails")
}

func TestRedisRepository_ChangeFeed_OrderedAndAckable(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	key := keyschema.BucketShard("ns", "e1", "rpm", 0)

	for i := 0; i < 3; i++ {
		u := NewUpdate()
		u.AddNumbers[keyschema.BucketAttr("rpm", "tk")] = 1
		_, err := repo.UpdateItem(ctx, key, *u, Condition{}, ReturnNone)
		require.NoError(t, err)
	}

	feed, err := repo.Subscribe(ctx, "aggregator")
	require.NoError(t, err)
	defer feed.Close()

	events, err := feed.Poll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.NoError(t, feed.Ack(ctx, events))

	redelivered, err := feed.Poll(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, redelivered)
}

func TestRedisRepository_ScanPrefix_FindsAllShards(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	for shard := 0; shard < 4; shard++ {
		k := keyschema.BucketShard("ns", "e1", "rpm", shard)
		u := NewUpdate()
		u.SetNumbers[keyschema.RefillAttr] = 0
		_, err := repo.UpdateItem(ctx, k, *u, Condition{}, ReturnNone)
		require.NoError(t, err)
	}
	keys, err := repo.ScanPrefix(ctx, keyschema.BucketPrefix("ns", "e1", "rpm"))
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestRedisRepository_Capabilities(t *testing.T) {
	repo := newTestRedisRepo(t)
	caps := repo.Capabilities()
	assert.True(t, caps.BatchOperations)
	assert.True(t, caps.Transactions)
	assert.True(t, caps.ChangeFeed)
}
