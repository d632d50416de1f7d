package entitycache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entity.db")
	repo, err := store.NewBoltRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestGet_MissingEntityReportsNotFoundNotError(t *testing.T) {
	repo := newTestRepo(t)
	cache := New(repo, 16, time.Minute)
	_, ok, err := cache.Get(context.Background(), "ns1", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_DecodesCascadeParentAndShardCounts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	u := store.NewUpdate()
	u.SetBools[keyschema.CascadeAttr] = true
	u.SetStrings[keyschema.ParentIDAttr] = "org-1"
	u.SetNumbers[ShardCountAttr("rpm")] = 4
	_, err := repo.UpdateItem(ctx, keyschema.EntityMeta("ns1", "proj-1"), *u, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)

	cache := New(repo, 16, time.Minute)
	m, ok, err := cache.Get(ctx, "ns1", "proj-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.Cascade)
	assert.Equal(t, "org-1", m.ParentID)
	assert.Equal(t, 4, m.ShardCountFor("rpm"))
	assert.Equal(t, 1, m.ShardCountFor("tpm"), "a resource never resharded defaults to 1")
}

func TestInvalidate_ForcesReReadAfterReshard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	key := keyschema.EntityMeta("ns1", "proj-1")

	u := store.NewUpdate()
	u.SetNumbers[ShardCountAttr("rpm")] = 1
	_, err := repo.UpdateItem(ctx, key, *u, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)

	cache := New(repo, 16, time.Minute)
	m, _, err := cache.Get(ctx, "ns1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.ShardCountFor("rpm"))

	u2 := store.NewUpdate()
	u2.SetNumbers[ShardCountAttr("rpm")] = 2
	_, err = repo.UpdateItem(ctx, key, *u2, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)
	cache.Invalidate("ns1", "proj-1")

	m2, _, err := cache.Get(ctx, "ns1", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 2, m2.ShardCountFor("rpm"))
}
