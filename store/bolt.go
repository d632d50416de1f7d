package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"context"

	"go.etcd.io/bbolt"
)

var (
	itemsBucket   = []byte("items")
	changesBucket = []byte("changes")
	cursorsBucket = []byte("cursors")
	expiresBucket = []byte("expires")
)

// BoltRepository implements Repository against an embedded go.etcd.io/bbolt
// database: a single-process, single-writer backend useful for tests and for
// small deployments that don't warrant a Redis instance. bbolt's own
// transactions (one writer, many readers, full ACID) make every Condition
// check trivially atomic with its write: unlike RedisRepository there is no
// WATCH/retry loop here, the whole check-then-write happens inside one
// *bbolt.Tx. The trade-off is bbolt has no native change stream, so
// Subscribe's ChangeFeed is a polling scan over an append-only "changes"
// bucket keyed by an internal monotonic sequence, and ExpireItem simulates
// TTL with a deadline stored in the item's own payload and honored lazily on
// read rather than the server-side expiry Redis provides natively.
type BoltRepository struct {
	db *bbolt.DB
}

// NewBoltRepository opens (creating if necessary) a bbolt database at path.
func NewBoltRepository(path string) (*BoltRepository, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}
	r := &BoltRepository{db: db}
	if err := r.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, changesBucket, cursorsBucket, expiresBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init bolt buckets: %w", err)
	}
	return r, nil
}

func (r *BoltRepository) Capabilities() Capabilities {
	return Capabilities{BatchOperations: true, Transactions: true, ChangeFeed: true}
}

func (r *BoltRepository) Close() error { return r.db.Close() }

func boltKeyBytes(k Key) []byte { return []byte(k.PK + redisSep + k.SK) }

// boltWireItem mirrors Item but with exported fields sized for JSON, kept
// distinct so a future wire-format change to Item doesn't silently break
// on-disk compatibility.
type boltWireItem struct {
	Numbers map[string]int64  `json:"n,omitempty"`
	Strings map[string]string `json:"s,omitempty"`
	Bools   map[string]bool   `json:"b,omitempty"`
	ExpMs   int64             `json:"exp,omitempty"`
}

func encodeItem(item *Item, expiresAtMs int64) ([]byte, error) {
	return json.Marshal(boltWireItem{Numbers: item.Numbers, Strings: item.Strings, Bools: item.Bools, ExpMs: expiresAtMs})
}

func decodeItem(raw []byte) (*Item, int64, error) {
	var w boltWireItem
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, 0, err
	}
	item := NewItem()
	if w.Numbers != nil {
		item.Numbers = w.Numbers
	}
	if w.Strings != nil {
		item.Strings = w.Strings
	}
	if w.Bools != nil {
		item.Bools = w.Bools
	}
	return item, w.ExpMs, nil
}

// getLocked reads an item inside an existing transaction, honoring simulated
// expiry (an item past its ExpMs is treated as absent, matching the
// TTL-expiry-as-deletion semantics spec.md §4 relies on for audit events).
func getLocked(tx *bbolt.Tx, key Key) (*Item, error) {
	raw := tx.Bucket(itemsBucket).Get(boltKeyBytes(key))
	if raw == nil {
		return nil, nil
	}
	item, expMs, err := decodeItem(raw)
	if err != nil {
		return nil, err
	}
	if expMs != 0 && expMs <= nowMs() {
		return nil, nil
	}
	return item, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (r *BoltRepository) GetItem(ctx context.Context, key Key) (*Item, bool, error) {
	var item *Item
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		item, err = getLocked(tx, key)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get item: %w", err)
	}
	return item, item != nil, nil
}

func (r *BoltRepository) BatchGetItem(ctx context.Context, keys []Key) (map[Key]*Item, error) {
	out := make(map[Key]*Item, len(keys))
	err := r.db.View(func(tx *bbolt.Tx) error {
		for _, k := range keys {
			item, err := getLocked(tx, k)
			if err != nil {
				return err
			}
			if item != nil {
				out[k] = item
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: batch get items: %w", err)
	}
	return out, nil
}

func applyUpdateLocked(item *Item, update Update) *Item {
	merged := item
	if merged == nil {
		merged = NewItem()
	} else {
		merged = merged.Clone()
	}
	for attr, delta := range update.AddNumbers {
		merged.Numbers[attr] += delta
	}
	for attr, v := range update.SetNumbers {
		merged.Numbers[attr] = v
	}
	for attr, v := range update.SetStrings {
		merged.Strings[attr] = v
	}
	for attr, v := range update.SetBools {
		merged.Bools[attr] = v
	}
	return merged
}

// appendChangeLocked writes one ChangeEvent to the append-only changes
// bucket, keyed by an 8-byte big-endian sequence so iteration order matches
// write order (spec.md §6's "monotonic sequence" requirement).
func appendChangeLocked(tx *bbolt.Tx, key Key, old, newer *Item) error {
	bucket := tx.Bucket(changesBucket)
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(changeWireEvent{PK: key.PK, SK: key.SK, Old: old, New: newer})
	if err != nil {
		return err
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return bucket.Put(seqBytes, payload)
}

func (r *BoltRepository) UpdateItem(ctx context.Context, key Key, update Update, cond Condition, ret ReturnPolicy) (*Item, error) {
	var result *Item
	var condErr error
	err := r.db.Update(func(tx *bbolt.Tx) error {
		old, err := getLocked(tx, key)
		if err != nil {
			return err
		}
		if !cond.Eval(old) {
			condErr = &ConditionFailedError{Key: key, Old: old.Clone()}
			return nil
		}
		newer := applyUpdateLocked(old, update)
		raw, err := encodeItem(newer, 0)
		if err != nil {
			return err
		}
		if err := tx.Bucket(itemsBucket).Put(boltKeyBytes(key), raw); err != nil {
			return err
		}
		if err := appendChangeLocked(tx, key, old, newer); err != nil {
			return err
		}
		switch ret {
		case ReturnAllOld:
			result = old.Clone()
		case ReturnAllNew:
			result = newer.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: update item: %w", err)
	}
	if condErr != nil {
		return nil, condErr
	}
	return result, nil
}

func (r *BoltRepository) TransactWriteItems(ctx context.Context, items []TransactItem) error {
	var condErr error
	err := r.db.Update(func(tx *bbolt.Tx) error {
		olds := make([]*Item, len(items))
		for i, it := range items {
			old, err := getLocked(tx, it.Key)
			if err != nil {
				return err
			}
			olds[i] = old
			if !it.Condition.Eval(old) {
				condErr = &ConditionFailedError{Key: it.Key, Old: old.Clone()}
				return nil
			}
		}
		for i, it := range items {
			newer := applyUpdateLocked(olds[i], it.Update)
			raw, err := encodeItem(newer, 0)
			if err != nil {
				return err
			}
			if err := tx.Bucket(itemsBucket).Put(boltKeyBytes(it.Key), raw); err != nil {
				return err
			}
			if err := appendChangeLocked(tx, it.Key, olds[i], newer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: transact write items: %w", err)
	}
	return condErr
}

func (r *BoltRepository) DeleteItem(ctx context.Context, key Key) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		old, err := getLocked(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(itemsBucket).Delete(boltKeyBytes(key)); err != nil {
			return err
		}
		if old != nil {
			return appendChangeLocked(tx, key, old, nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete item: %w", err)
	}
	return nil
}

// ExpireItem simulates a TTL since bbolt has no native per-key expiry: it
// records a deadline inside the item's own payload, honored lazily by
// getLocked on the next read. Items past their deadline are never actively
// swept; a caller relying on background reclamation (the audit-event
// lifecycle, spec.md §4.9) must pair this backend with a periodic ScanPrefix
// sweep, documented here rather than silently assumed.
func (r *BoltRepository) ExpireItem(ctx context.Context, key Key, ttl time.Duration) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(itemsBucket).Get(boltKeyBytes(key))
		if raw == nil {
			return nil
		}
		item, _, err := decodeItem(raw)
		if err != nil {
			return err
		}
		newRaw, err := encodeItem(item, nowMs()+ttl.Milliseconds())
		if err != nil {
			return err
		}
		return tx.Bucket(itemsBucket).Put(boltKeyBytes(key), newRaw)
	})
}

func (r *BoltRepository) ScanPrefix(ctx context.Context, pkPrefix string) ([]Key, error) {
	var out []Key
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(itemsBucket).Cursor()
		prefix := []byte(pkPrefix)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			raw := string(k)
			for i := 0; i < len(raw); i++ {
				if raw[i] == redisSep[0] {
					out = append(out, Key{PK: raw[:i], SK: raw[i+1:]})
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan prefix: %w", err)
	}
	return out, nil
}

type boltChangeFeed struct {
	db    *bbolt.DB
	group string
}

func (r *BoltRepository) Subscribe(ctx context.Context, consumerGroup string) (ChangeFeed, error) {
	return &boltChangeFeed{db: r.db, group: consumerGroup}, nil
}

func cursorKey(group string) []byte { return []byte(group) }

// Poll scans the changes bucket forward from this group's last acked
// sequence. It is a fallback, not a push feed: the aggregator's poll loop
// interval governs latency rather than a blocking read, an explicit
// degradation from RedisRepository's XREADGROUP documented in SPEC_FULL.md §6.
func (f *boltChangeFeed) Poll(ctx context.Context, max int) ([]ChangeEvent, error) {
	var events []ChangeEvent
	err := f.db.View(func(tx *bbolt.Tx) error {
		cursorRaw := tx.Bucket(cursorsBucket).Get(cursorKey(f.group))
		var lastSeq uint64
		if cursorRaw != nil {
			lastSeq = binary.BigEndian.Uint64(cursorRaw)
		}
		c := tx.Bucket(changesBucket).Cursor()
		startKey := make([]byte, 8)
		binary.BigEndian.PutUint64(startKey, lastSeq+1)
		for k, v := c.Seek(startKey); k != nil && len(events) < max; k, v = c.Next() {
			var wire changeWireEvent
			if err := json.Unmarshal(v, &wire); err != nil {
				continue
			}
			events = append(events, ChangeEvent{
				Seq: strconv.FormatUint(binary.BigEndian.Uint64(k), 10),
				Key: Key{PK: wire.PK, SK: wire.SK},
				Old: wire.Old,
				New: wire.New,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: poll change feed: %w", err)
	}
	return events, nil
}

func (f *boltChangeFeed) Ack(ctx context.Context, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	var maxSeq uint64
	for _, e := range events {
		seq, err := strconv.ParseUint(e.Seq, 10, 64)
		if err != nil {
			return fmt.Errorf("store: ack change feed: invalid sequence %q: %w", e.Seq, err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return f.db.Update(func(tx *bbolt.Tx) error {
		existing := tx.Bucket(cursorsBucket).Get(cursorKey(f.group))
		if existing != nil && binary.BigEndian.Uint64(existing) >= maxSeq {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, maxSeq)
		return tx.Bucket(cursorsBucket).Put(cursorKey(f.group), buf)
	})
}

func (f *boltChangeFeed) Close() error { return nil }
