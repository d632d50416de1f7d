package limiter

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/ratelimit/governance"
	"eve.evalgo.org/ratelimit/kernel"
	"eve.evalgo.org/ratelimit/store"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limiter.db")
	repo, err := store.NewBoltRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo, "ns1", DefaultOptions())
}

func TestLimiter_AcquireAndAvailable(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	params := kernel.Params{CapacityMilli: 100_000, RefillAmountMilli: 100_000, RefillPeriodMs: 60_000}
	require.NoError(t, l.Governance().SetLimit(ctx, governance.LevelSystem, "", "", "rpm", params, "admin", 0))

	lse, err := l.Acquire(ctx, "proj-1", "rpm", map[string]int64{"rpm": 10 * kernel.Milli})
	require.NoError(t, err)
	require.True(t, lse.Granted)

	available, err := l.Available(ctx, "proj-1", "rpm")
	require.NoError(t, err)
	assert.Equal(t, int64(90), available["rpm"])
}

func TestLimiter_AvailableForUntouchedEntityReportsFullCapacity(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	params := kernel.Params{CapacityMilli: 50_000, RefillAmountMilli: 50_000, RefillPeriodMs: 60_000}
	require.NoError(t, l.Governance().SetLimit(ctx, governance.LevelSystem, "", "", "rpm", params, "admin", 0))

	available, err := l.Available(ctx, "proj-untouched", "rpm")
	require.NoError(t, err)
	assert.Equal(t, int64(50), available["rpm"])
}

func TestLimiter_ProcessChanges(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	params := kernel.Params{CapacityMilli: 100_000, RefillAmountMilli: 100_000, RefillPeriodMs: 60_000}
	require.NoError(t, l.Governance().SetLimit(ctx, governance.LevelSystem, "", "", "rpm", params, "admin", 0))

	feed, err := l.Subscribe(ctx, "aggregator-test")
	require.NoError(t, err)
	defer feed.Close()

	_, err = l.Acquire(ctx, "proj-2", "rpm", map[string]int64{"rpm": 5 * kernel.Milli})
	require.NoError(t, err)

	events, err := feed.Poll(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	stats := l.ProcessChanges(ctx, events, 2)
	assert.Equal(t, len(events), stats.EventsProcessed)
	assert.Equal(t, 0, stats.Errors)
}
