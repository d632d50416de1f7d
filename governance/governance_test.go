package governance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/ratelimit/configcache"
	"eve.evalgo.org/ratelimit/entitycache"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

func newTestManager(t *testing.T) (*Manager, store.Repository) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gov.db")
	repo, err := store.NewBoltRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return &Manager{
		Repo:      repo,
		Configs:   configcache.New(repo, 64, time.Minute),
		Entities:  entitycache.New(repo, 64, time.Minute),
		Namespace: "ns1",
	}, repo
}

func TestCreateEntity_ThenDuplicateFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateEntity(ctx, "proj-1", false, "", "alice", 1000))
	assert.Error(t, m.CreateEntity(ctx, "proj-1", false, "", "alice", 1001))
}

func TestSetLimit_IsVisibleThroughConfigResolver(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	params := kernel.Params{CapacityMilli: 50_000, RefillAmountMilli: 50_000, RefillPeriodMs: 60_000}
	require.NoError(t, m.SetLimit(ctx, LevelSystem, "", "", "rpm", params, "alice", 1000))

	resolved, err := m.Configs.Resolve(ctx, "ns1", "proj-1", "rpm")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), resolved.Limits["rpm"].CapacityMilli)
}

func TestDeleteLimit_ZeroesOutParameters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	params := kernel.Params{CapacityMilli: 50_000, RefillAmountMilli: 50_000, RefillPeriodMs: 60_000}
	require.NoError(t, m.SetLimit(ctx, LevelSystem, "", "", "rpm", params, "alice", 1000))
	require.NoError(t, m.DeleteLimit(ctx, LevelSystem, "", "", "rpm", "alice", 1001))

	resolved, err := m.Configs.Resolve(ctx, "ns1", "proj-1", "rpm")
	require.NoError(t, err)
	assert.Equal(t, int64(0), resolved.Limits["rpm"].CapacityMilli)
}

func TestAudit_CreateEntityWritesOneEvent(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateEntity(ctx, "proj-1", false, "", "alice", 1000))

	keys, err := repo.ScanPrefix(ctx, "ns1/AUDIT#proj-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
