// Package kernel implements the token-bucket arithmetic that underlies every
// rate-limit decision. Every function here is a pure integer computation: no
// I/O, no clock reads, no allocation beyond the returned value. Callers supply
// "now" explicitly so the math is reproducible across nodes and in tests.
//
// All token quantities are millitokens (token value * 1000) so that fractional
// refill rates stay exact integers instead of drifting floats.
package kernel

// Milli is the scale factor between whole tokens and the millitoken values
// stored and transmitted everywhere in this system.
const Milli = 1000

// Params bundles the limit parameters that refill and consumption math need.
// Capacity, refill amount, and refill period are caller-supplied and must be
// positive; Refill and TryConsume panic on a zero RefillAmountMilli or
// RefillPeriodMs because that represents a programming error (a limit that can
// never refill), not a runtime condition to recover from.
type Params struct {
	CapacityMilli     int64
	RefillAmountMilli int64
	RefillPeriodMs    int64
}

func (p Params) validate() {
	if p.RefillAmountMilli == 0 || p.RefillPeriodMs == 0 {
		panic("kernel: refill amount and refill period must be non-zero")
	}
}

// Refill advances tk/rf to now_ms using lazy refill with drift compensation.
// elapsed<=0 is a no-op (clock went backwards or now hasn't advanced): the
// bucket already reflects everything owed as of rf.
//
// The returned rf' only advances by the time corresponding to whole
// millitokens actually credited (toAdd), never by the full elapsed window.
// Without that inverse, repeated tiny refills round `toAdd` down to zero each
// time while `rf` keeps creeping forward, and the bucket silently loses
// tokens it was owed — the clock outruns the tokens delivered.
func Refill(tk, rf, nowMs int64, p Params) (newTk, newRf int64) {
	p.validate()
	elapsed := nowMs - rf
	if elapsed <= 0 {
		return tk, rf
	}
	toAdd := (elapsed * p.RefillAmountMilli) / p.RefillPeriodMs
	newTk = tk + toAdd
	if newTk > p.CapacityMilli {
		newTk = p.CapacityMilli
	}
	newRf = rf + (toAdd*p.RefillPeriodMs)/p.RefillAmountMilli
	return newTk, newRf
}

// TryResult is the outcome of TryConsume: either the consumption was admitted
// (Ok=true, NewTk/NewRf hold the post-consumption state) or rejected (Ok=false,
// DeficitMilli/RetryAfterMs describe how far short the bucket was and how long
// until a refill alone would cover it).
type TryResult struct {
	Ok           bool
	NewTk        int64
	NewRf        int64
	DeficitMilli int64
	RetryAfterMs int64
}

// TryConsume refills then admits the request only if the refilled balance
// covers needMilli. needMilli is already in millitokens (caller multiplies a
// whole-token need by Milli before calling, or passes sub-token adjustments
// directly).
func TryConsume(tk, rf, nowMs int64, p Params, needMilli int64) TryResult {
	refilledTk, refilledRf := Refill(tk, rf, nowMs, p)
	if refilledTk >= needMilli {
		return TryResult{Ok: true, NewTk: refilledTk - needMilli, NewRf: refilledRf}
	}
	deficit := needMilli - refilledTk
	return TryResult{
		Ok:           false,
		DeficitMilli: deficit,
		RetryAfterMs: retryAfter(deficit, p),
	}
}

// retryAfter is an upper bound on the wall-clock time until a deficit of this
// size is refillable: ceil(deficit * period / amount), computed as integer
// division plus one so the bound is never optimistic.
func retryAfter(deficitMilli int64, p Params) int64 {
	return (deficitMilli*p.RefillPeriodMs)/p.RefillAmountMilli + 1
}

// ForceConsume behaves like TryConsume but never rejects: tk may go negative
// (debt). Used by the lease protocol's write-on-enter paths where admission
// was already decided by a conditional store write, and by rollback/adjust,
// which apply deltas unconditionally.
func ForceConsume(tk, rf, nowMs int64, p Params, needMilli int64) (newTk, newRf int64) {
	refilledTk, refilledRf := Refill(tk, rf, nowMs, p)
	return refilledTk - needMilli, refilledRf
}

// WouldRefillSatisfy reports whether refilling alone (no state mutation) would
// raise the balance to at least needMilli. The speculative fast path uses this
// to distinguish a fast rejection (no amount of waiting for *this* refill
// schedule would have helped at the observed instant) from "retry via the slow
// path," which re-reads and may catch a refill that already happened
// elsewhere.
func WouldRefillSatisfy(tkOld, rfOld, nowMs int64, p Params, needMilli int64) bool {
	refilledTk, _ := Refill(tkOld, rfOld, nowMs, p)
	return refilledTk >= needMilli
}

// Available returns the refilled balance, clamped at capacity, in whole
// tokens. It performs no state mutation — it's a read-only projection for
// callers that want to inspect headroom without consuming.
func Available(tk, rf, nowMs int64, p Params) int64 {
	refilledTk, _ := Refill(tk, rf, nowMs, p)
	if refilledTk > p.CapacityMilli {
		refilledTk = p.CapacityMilli
	}
	if refilledTk < 0 {
		return 0
	}
	return refilledTk / Milli
}
