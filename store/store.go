// Package store defines the keyed-store contract the rate limiter core relies
// on (spec.md §6) and ships two adapters: RedisRepository (github.com/redis/go-redis/v9,
// the distributed, production backend) and BoltRepository (go.etcd.io/bbolt, an
// embedded single-process backend useful for tests and small deployments).
//
// Every Repository must provide: GetItem, BatchGetItem, a conditional
// UpdateItem with attribute-level ADD semantics, an atomic multi-item
// TransactWriteItems, per-item expiry, and an ordered change feed carrying
// both OLD and NEW images with a monotonic sequence. Capabilities reports
// which of batching, transactions, and the change feed a given backend
// actually supports, so callers (the lease protocol, the aggregator) can
// degrade gracefully instead of assuming a specific product.
package store

import (
	"context"
	"errors"
	"time"

	"eve.evalgo.org/ratelimit/keyschema"
)

// Key re-exports keyschema.Key so callers only need to import one package for
// addressing.
type Key = keyschema.Key

// knownStringAttrs and knownBoolAttrs are the only non-numeric attributes the
// wire layout defines (spec.md §6): every other attribute name is an integer.
var (
	knownStringAttrs = map[string]bool{keyschema.ParentIDAttr: true}
	knownBoolAttrs   = map[string]bool{keyschema.CascadeAttr: true}
)

// IsNumericAttr reports whether attr holds an integer value on the wire.
func IsNumericAttr(attr string) bool {
	return !knownStringAttrs[attr] && !knownBoolAttrs[attr]
}

// Item is the decoded form of one store record: a composite bucket, a config
// record, an entity meta record, etc. All numeric attributes (bucket
// counters, rf, shard_count, config_version, limit config parameters) live in
// Numbers; the two denormalized entity fields live in Strings/Bools.
type Item struct {
	Numbers map[string]int64
	Strings map[string]string
	Bools   map[string]bool
}

// NewItem returns an empty, ready-to-use Item.
func NewItem() *Item {
	return &Item{
		Numbers: make(map[string]int64),
		Strings: make(map[string]string),
		Bools:   make(map[string]bool),
	}
}

// Clone returns a deep copy, used whenever a caller needs to hand out an
// image (ALL_OLD / ALL_NEW) that must not alias the repository's own state.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := NewItem()
	for k, v := range it.Numbers {
		out.Numbers[k] = v
	}
	for k, v := range it.Strings {
		out.Strings[k] = v
	}
	for k, v := range it.Bools {
		out.Bools[k] = v
	}
	return out
}

// Update describes a single item mutation. Add* fields apply DynamoDB-style
// ADD semantics (commutative numeric addition, the basis for the ADD-
// commutativity law in spec.md §8); Set* fields overwrite unconditionally.
type Update struct {
	AddNumbers map[string]int64
	SetNumbers map[string]int64
	SetStrings map[string]string
	SetBools   map[string]bool
}

// NewUpdate returns an empty, ready-to-use Update.
func NewUpdate() *Update {
	return &Update{
		AddNumbers: make(map[string]int64),
		SetNumbers: make(map[string]int64),
		SetStrings: make(map[string]string),
		SetBools:   make(map[string]bool),
	}
}

func (u *Update) IsEmpty() bool {
	return len(u.AddNumbers) == 0 && len(u.SetNumbers) == 0 && len(u.SetStrings) == 0 && len(u.SetBools) == 0
}

// Condition is a conjunction of guards evaluated against the pre-write image.
// The zero value (no guards set, MustExist/MustNotExist both false) always
// passes. This flattened shape covers exactly the guard patterns spec.md §4.5
// uses: existence, numeric lower bounds (tk >= consumed), numeric equality
// (rf == expected, shard_count == old), and numeric strict-less-than
// (shard_count < new, for lagging-shard propagation).
type Condition struct {
	MustExist    bool
	MustNotExist bool
	NumberGTE    map[string]int64
	NumberEQ     map[string]int64
	NumberLT     map[string]int64
}

// NewCondition returns an always-true Condition ready for guards to be added.
func NewCondition() *Condition {
	return &Condition{
		NumberGTE: make(map[string]int64),
		NumberEQ:  make(map[string]int64),
		NumberLT:  make(map[string]int64),
	}
}

// Eval checks the condition against item (nil means "item does not exist").
func (c *Condition) Eval(item *Item) bool {
	exists := item != nil
	if c.MustExist && !exists {
		return false
	}
	if c.MustNotExist && exists {
		return false
	}
	if !exists {
		// Only NumberLT guards can hold without an item: a missing item counts
		// as below any positive bound, just as a missing attribute reads as
		// zero on an existing item, so a shard-count write can create the
		// item. NumberGTE and NumberEQ guards fail.
		if len(c.NumberGTE) > 0 || len(c.NumberEQ) > 0 {
			return false
		}
		for _, max := range c.NumberLT {
			if max <= 0 {
				return false
			}
		}
		return true
	}
	for attr, min := range c.NumberGTE {
		if item.Numbers[attr] < min {
			return false
		}
	}
	for attr, want := range c.NumberEQ {
		if item.Numbers[attr] != want {
			return false
		}
	}
	for attr, max := range c.NumberLT {
		if item.Numbers[attr] >= max {
			return false
		}
	}
	return true
}

// ReturnPolicy selects which image UpdateItem hands back.
type ReturnPolicy int

const (
	ReturnNone ReturnPolicy = iota
	ReturnAllOld
	ReturnAllNew
)

// ErrConditionFailed is returned by UpdateItem and TransactWriteItems when the
// supplied Condition did not hold. The pre-write (ALL_OLD) image is always
// attached through ConditionFailedError, which wraps this sentinel, so callers can
// distinguish "missing item" from "limit exhausted" from "version mismatch"
// without a second read.
var ErrConditionFailed = errors.New("store: condition check failed")

// ConditionFailedError carries the ALL_OLD image alongside ErrConditionFailed.
type ConditionFailedError struct {
	Key Key
	Old *Item // nil if the item did not exist
}

func (e *ConditionFailedError) Error() string { return "store: condition check failed" }
func (e *ConditionFailedError) Unwrap() error { return ErrConditionFailed }

// TransactItem is one write within an atomic TransactWriteItems call.
type TransactItem struct {
	Key       Key
	Update    Update
	Condition Condition
}

// ChangeEvent is one mutation record off the change feed, carrying both
// images so the aggregator can compute deltas (spec.md §4.7 step 1).
type ChangeEvent struct {
	Seq string
	Key Key
	Old *Item // nil if the item did not previously exist
	New *Item // nil if the item was deleted
}

// ChangeFeed is a pull-based, ack-driven handle on the store's ordered change
// stream. Poll may return fewer than max events, or zero with no error, if
// none are currently available; callers should loop. Ack must be safe to call
// with a batch that was already (wholly or partially) acked — redelivery
// under at-least-once semantics is expected (spec.md §9 "Change-feed contract
// ambiguity").
type ChangeFeed interface {
	Poll(ctx context.Context, max int) ([]ChangeEvent, error)
	Ack(ctx context.Context, events []ChangeEvent) error
	Close() error
}

// Capabilities enumerates the optional operations a backend supports (spec.md
// §6). Absence of Transactions forces cascade writes onto two independent
// UpdateItem calls plus a compensating write instead of one atomic
// TransactWriteItems — a documented, degraded-atomicity trade-off, never a
// silent one.
type Capabilities struct {
	BatchOperations bool
	Transactions    bool
	ChangeFeed      bool
}

// Repository is the full store contract the rate limiter core depends on.
type Repository interface {
	Capabilities() Capabilities

	GetItem(ctx context.Context, key Key) (*Item, bool, error)
	BatchGetItem(ctx context.Context, keys []Key) (map[Key]*Item, error)

	UpdateItem(ctx context.Context, key Key, update Update, cond Condition, ret ReturnPolicy) (*Item, error)
	TransactWriteItems(ctx context.Context, items []TransactItem) error

	DeleteItem(ctx context.Context, key Key) error
	ExpireItem(ctx context.Context, key Key, ttl time.Duration) error

	// ScanPrefix returns every key whose partition key has the given prefix.
	// It covers the entity->bucket keys and namespace->all items lookups for
	// backends without native indexes. Parent->children and
	// resource->buckets are not partition-key prefixes in this key layout,
	// so it does not answer those lookups.
	ScanPrefix(ctx context.Context, pkPrefix string) ([]Key, error)

	// Subscribe returns a ChangeFeed for the given consumer group. Backends
	// that report Capabilities().ChangeFeed == false still implement this
	// (returning a feed that polls by re-scanning), documented per-adapter.
	Subscribe(ctx context.Context, consumerGroup string) (ChangeFeed, error)

	Close() error
}
