package namespace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/ratelimit/keyschema"
	"eve.evalgo.org/ratelimit/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ns.db")
	repo, err := store.NewBoltRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return &Manager{Repo: repo}
}

func TestCreate_ThenResolveRoundTrips(t *testing.T) {
	m := newTestManager(t)
	reg, err := m.Create(context.Background(), "acme", 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, reg.ID)

	resolved, ok, err := m.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, reg.ID, resolved.ID)
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, "acme", 1000)
	require.NoError(t, err)
	_, err = m.Create(ctx, "acme", 2000)
	assert.Error(t, err)
}

func TestPurge_RemovesEveryItemUnderTheNamespace(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	reg, err := m.Create(ctx, "acme", 1000)
	require.NoError(t, err)

	u := store.NewUpdate()
	u.SetNumbers["x"] = 1
	_, err = m.Repo.UpdateItem(ctx, keyschema.EntityMeta("acme", "proj-1"), *u, store.Condition{}, store.ReturnNone)
	require.NoError(t, err)

	require.NoError(t, m.SoftDelete(ctx, "acme"))

	n, err := m.Purge(ctx, "acme", reg)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, ok, err := m.Resolve(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}
