package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpmParams() Params {
	// rpm: capacity=100_000 milli, refill=100_000/60_000 ms
	return Params{CapacityMilli: 100_000, RefillAmountMilli: 100_000, RefillPeriodMs: 60_000}
}

// Scenario 1 (spec.md §8): single limit, single acquire.
func TestTryConsume_SingleAcquire(t *testing.T) {
	p := rpmParams()
	res := TryConsume(100_000, 0, 0, p, 1*Milli)
	require.True(t, res.Ok)
	assert.Equal(t, int64(99_000), res.NewTk)
}

// Scenario 2 (spec.md §8): rejection with exact deficit and retry-after.
func TestTryConsume_Rejection(t *testing.T) {
	p := rpmParams()
	res := TryConsume(500, 0, 0, p, 1*Milli)
	require.False(t, res.Ok)
	assert.Equal(t, int64(500), res.DeficitMilli)
	assert.Equal(t, int64(301), res.RetryAfterMs)
}

func TestRefill_NoElapsedIsNoop(t *testing.T) {
	p := rpmParams()
	tk, rf := Refill(50_000, 1_000, 1_000, p)
	assert.Equal(t, int64(50_000), tk)
	assert.Equal(t, int64(1_000), rf)

	tk, rf = Refill(50_000, 1_000, 500, p)
	assert.Equal(t, int64(50_000), tk)
	assert.Equal(t, int64(1_000), rf)
}

func TestRefill_ClampsAtCapacity(t *testing.T) {
	p := rpmParams()
	tk, rf := Refill(99_999, 0, 10*60_000, p)
	assert.Equal(t, p.CapacityMilli, tk)
	assert.Equal(t, int64(10*60_000), rf)
}

// Drift law (spec.md §8): after N refills with any interleaving of now values,
// total tokens emitted equals floor((now_N - rf_0) * ra / rp), and the clock
// only advances by the time corresponding to those emitted tokens.
func TestRefill_DriftCompensation(t *testing.T) {
	p := Params{CapacityMilli: 1_000_000_000, RefillAmountMilli: 7, RefillPeriodMs: 3}

	tk := int64(0)
	rf := int64(0)
	checkpoints := []int64{1, 2, 5, 9, 13, 13, 100, 101, 250}
	for _, now := range checkpoints {
		tk, rf = Refill(tk, rf, now, p)
	}

	finalNow := checkpoints[len(checkpoints)-1]
	expectedTotal := (finalNow * p.RefillAmountMilli) / p.RefillPeriodMs
	assert.Equal(t, expectedTotal, tk)

	// rf must only have advanced by whole-token-equivalent time: replaying the
	// refill once more from (tk, rf) must not emit a negative rf adjustment.
	tk2, rf2 := Refill(tk, rf, finalNow, p)
	assert.Equal(t, tk, tk2)
	assert.Equal(t, rf, rf2)
}

func TestForceConsume_AllowsNegative(t *testing.T) {
	p := rpmParams()
	tk, rf := ForceConsume(500, 0, 0, p, 10*Milli)
	assert.Equal(t, int64(500-10_000), tk)
	assert.Equal(t, int64(0), rf)
}

func TestWouldRefillSatisfy(t *testing.T) {
	p := rpmParams()
	// At t=0 with tk=500, refilling to now=0 changes nothing: still short of 1000.
	assert.False(t, WouldRefillSatisfy(500, 0, 0, p, 1*Milli))
	// After a full period, a full refill amount has been credited.
	assert.True(t, WouldRefillSatisfy(500, 0, 60_000, p, 1*Milli))
}

func TestAvailable_ClampsAtCapacityAndZero(t *testing.T) {
	p := rpmParams()
	assert.Equal(t, int64(100), Available(100_000, 0, 0, p))
	assert.Equal(t, int64(100), Available(200_000, 0, 0, p)) // would never happen but clamp anyway
	assert.Equal(t, int64(0), Available(-5_000, 0, 0, p))
}

func TestRefill_PanicsOnZeroParams(t *testing.T) {
	assert.Panics(t, func() {
		Refill(0, 0, 100, Params{CapacityMilli: 100, RefillAmountMilli: 0, RefillPeriodMs: 10})
	})
	assert.Panics(t, func() {
		Refill(0, 0, 100, Params{CapacityMilli: 100, RefillAmountMilli: 10, RefillPeriodMs: 0})
	})
}

// Retry-after upper bound (spec.md §8 quantified invariant #3): waiting
// RetryAfterMs and retrying must now succeed.
func TestRetryAfter_IsUpperBound(t *testing.T) {
	p := rpmParams()
	res := TryConsume(500, 0, 0, p, 1*Milli)
	require.False(t, res.Ok)

	retried := TryConsume(500, 0, res.RetryAfterMs, p, 1*Milli)
	assert.True(t, retried.Ok)
}
