package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// redisSep joins a Key's PK and SK into the single string Redis addresses.
// \x1f (unit separator) cannot appear in the namespace-prefixed keys keyschema
// builds, so this never collides with a legitimate PK/SK value.
const redisSep = "\x1f"

func redisKeyString(k Key) string { return k.PK + redisSep + k.SK }

// RedisRepository implements Repository against Redis/Valkey/DragonflyDB using
// the teacher's go-redis client. Conditional writes use WATCH/MULTI/EXEC
// optimistic transactions rather than a Lua script: every guard in Condition
// is a plain comparison against the HGETALL image read under WATCH, so a
// concurrent write to the same key aborts the EXEC and this adapter retries
// with fresh state, exactly the semantics spec.md §4.5's "condition failure"
// paths expect. ADD semantics map onto HINCRBY, which is natively commutative
// (spec.md §8 ADD-commutativity law).
type RedisRepository struct {
	client     *redis.Client
	streamKey  string
	maxRetries int
}

// RedisOption configures a RedisRepository at construction.
type RedisOption func(*RedisRepository)

// WithStreamKey overrides the Redis Streams key used for the change feed
// (default "ratelimit:changes").
func WithStreamKey(key string) RedisOption {
	return func(r *RedisRepository) { r.streamKey = key }
}

// WithMaxRetries overrides the optimistic-transaction retry budget (default 5).
func WithMaxRetries(n int) RedisOption {
	return func(r *RedisRepository) { r.maxRetries = n }
}

// NewRedisRepository connects to url (as accepted by redis.ParseURL, the same
// convention the teacher's queue/redis.Queue and db/repository.RedisRepository
// use) and verifies connectivity with a bounded Ping.
func NewRedisRepository(url string, opts ...RedisOption) (*RedisRepository, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	return newRedisRepository(client, opts...)
}

// NewRedisRepositoryFromClient wraps an already-configured client (used by
// tests against miniredis).
func NewRedisRepositoryFromClient(client *redis.Client, opts ...RedisOption) (*RedisRepository, error) {
	return newRedisRepository(client, opts...)
}

func newRedisRepository(client *redis.Client, opts ...RedisOption) (*RedisRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	r := &RedisRepository{client: client, streamKey: "ratelimit:changes", maxRetries: 5}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RedisRepository) Capabilities() Capabilities {
	return Capabilities{BatchOperations: true, Transactions: true, ChangeFeed: true}
}

func (r *RedisRepository) Close() error { return r.client.Close() }

func decodeHash(fields map[string]string) *Item {
	if len(fields) == 0 {
		return nil
	}
	item := NewItem()
	for k, v := range fields {
		switch {
		case knownStringAttrs[k]:
			item.Strings[k] = v
		case knownBoolAttrs[k]:
			item.Bools[k] = v == "1"
		default:
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				item.Numbers[k] = n
			}
		}
	}
	return item
}

func (r *RedisRepository) GetItem(ctx context.Context, key Key) (*Item, bool, error) {
	fields, err := r.client.HGetAll(ctx, redisKeyString(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("store: get item: %w", err)
	}
	item := decodeHash(fields)
	return item, item != nil, nil
}

func (r *RedisRepository) BatchGetItem(ctx context.Context, keys []Key) (map[Key]*Item, error) {
	pipe := r.client.Pipeline()
	cmds := make(map[Key]*redis.MapStringStringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.HGetAll(ctx, redisKeyString(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: batch get items: %w", err)
	}
	out := make(map[Key]*Item, len(keys))
	for k, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("store: batch get item %v: %w", k, err)
		}
		if item := decodeHash(fields); item != nil {
			out[k] = item
		}
	}
	return out, nil
}

func applyUpdate(pipe redis.Pipeliner, ctx context.Context, redisKey string, update Update) {
	for attr, delta := range update.AddNumbers {
		pipe.HIncrBy(ctx, redisKey, attr, delta)
	}
	for attr, v := range update.SetNumbers {
		pipe.HSet(ctx, redisKey, attr, strconv.FormatInt(v, 10))
	}
	for attr, v := range update.SetStrings {
		pipe.HSet(ctx, redisKey, attr, v)
	}
	for attr, v := range update.SetBools {
		val := "0"
		if v {
			val = "1"
		}
		pipe.HSet(ctx, redisKey, attr, val)
	}
}

// changeWireEvent is the JSON payload stored in each stream entry.
type changeWireEvent struct {
	PK  string `json:"pk"`
	SK  string `json:"sk"`
	Old *Item  `json:"old,omitempty"`
	New *Item  `json:"new,omitempty"`
}

func (r *RedisRepository) publishChange(ctx context.Context, pipe redis.Pipeliner, key Key, old, newer *Item) {
	payload, _ := json.Marshal(changeWireEvent{PK: key.PK, SK: key.SK, Old: old, New: newer})
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: r.streamKey, Values: map[string]interface{}{"payload": string(payload)}})
}

// errConditionRetry signals "retry the optimistic transaction", distinct from
// a genuine condition failure, when EXEC lost the race against a concurrent
// writer (WATCH dirtied).
var errConditionRetry = errors.New("store: optimistic transaction conflict, retry")

func (r *RedisRepository) UpdateItem(ctx context.Context, key Key, update Update, cond Condition, ret ReturnPolicy) (*Item, error) {
	redisKey := redisKeyString(key)
	var result *Item
	var condErr error

	op := func() error {
		condErr = nil
		txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, redisKey).Result()
			if err != nil {
				return err
			}
			old := decodeHash(fields)
			if !cond.Eval(old) {
				condErr = &ConditionFailedError{Key: key, Old: old.Clone()}
				return nil // not a retry; the condition genuinely failed
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				applyUpdate(pipe, ctx, redisKey, update)
				return nil
			})
			if err != nil {
				return err
			}

			newFields, err := tx.HGetAll(ctx, redisKey).Result()
			if err != nil {
				return err
			}
			newer := decodeHash(newFields)

			if _, err := tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				r.publishChange(ctx, pipe, key, old, newer)
				return nil
			}); err != nil {
				return err
			}

			switch ret {
			case ReturnAllOld:
				result = old.Clone()
			case ReturnAllNew:
				result = newer.Clone()
			}
			return nil
		}, redisKey)

		if errors.Is(txErr, redis.TxFailedErr) {
			return errConditionRetry
		}
		return txErr
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.maxRetries))
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("store: update item: %w", err)
	}
	if condErr != nil {
		return nil, condErr
	}
	return result, nil
}

func (r *RedisRepository) TransactWriteItems(ctx context.Context, items []TransactItem) error {
	redisKeys := make([]string, len(items))
	for i, it := range items {
		redisKeys[i] = redisKeyString(it.Key)
	}

	var condErr error
	op := func() error {
		condErr = nil
		txErr := r.client.Watch(ctx, func(tx *redis.Tx) error {
			olds := make([]*Item, len(items))
			for i, it := range items {
				fields, err := tx.HGetAll(ctx, redisKeys[i]).Result()
				if err != nil {
					return err
				}
				olds[i] = decodeHash(fields)
				if !it.Condition.Eval(olds[i]) {
					condErr = &ConditionFailedError{Key: it.Key, Old: olds[i].Clone()}
					return nil
				}
			}

			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, it := range items {
					applyUpdate(pipe, ctx, redisKeys[i], it.Update)
				}
				return nil
			})
			if err != nil {
				return err
			}

			_, err = tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, it := range items {
					newFields, err := tx.HGetAll(ctx, redisKeys[i]).Result()
					if err != nil {
						continue
					}
					r.publishChange(ctx, pipe, it.Key, olds[i], decodeHash(newFields))
				}
				return nil
			})
			return err
		}, redisKeys...)

		if errors.Is(txErr, redis.TxFailedErr) {
			return errConditionRetry
		}
		return txErr
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.maxRetries))
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("store: transact write items: %w", err)
	}
	return condErr
}

func (r *RedisRepository) DeleteItem(ctx context.Context, key Key) error {
	return r.client.Del(ctx, redisKeyString(key)).Err()
}

func (r *RedisRepository) ExpireItem(ctx context.Context, key Key, ttl time.Duration) error {
	return r.client.Expire(ctx, redisKeyString(key), ttl).Err()
}

// ScanPrefix walks the keyspace with SCAN + MATCH. This is an O(n) fallback —
// acceptable for the admin-facing operation it backs (namespace purge),
// never on the foreground acquire path.
func (r *RedisRepository) ScanPrefix(ctx context.Context, pkPrefix string) ([]Key, error) {
	var out []Key
	iter := r.client.Scan(ctx, 0, pkPrefix+"*"+redisSep+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw := iter.Val()
		for i := 0; i < len(raw); i++ {
			if raw[i] == redisSep[0] {
				out = append(out, Key{PK: raw[:i], SK: raw[i+1:]})
				break
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan prefix: %w", err)
	}
	return out, nil
}

// redisChangeFeed is a consumer-group handle on the change stream.
type redisChangeFeed struct {
	client    *redis.Client
	streamKey string
	group     string
	consumer  string
}

func (r *RedisRepository) Subscribe(ctx context.Context, consumerGroup string) (ChangeFeed, error) {
	err := r.client.XGroupCreateMkStream(ctx, r.streamKey, consumerGroup, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists, which is fine.
		if !isBusyGroupErr(err) {
			return nil, fmt.Errorf("store: create consumer group: %w", err)
		}
	}
	return &redisChangeFeed{
		client:    r.client,
		streamKey: r.streamKey,
		group:     consumerGroup,
		consumer:  consumerGroup + "-worker",
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (f *redisChangeFeed) Poll(ctx context.Context, max int) ([]ChangeEvent, error) {
	streams, err := f.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.group,
		Consumer: f.consumer,
		Streams:  []string{f.streamKey, ">"},
		Count:    int64(max),
		Block:    -1, // no BLOCK argument: return at once when nothing is pending
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: poll change feed: %w", err)
	}

	var events []ChangeEvent
	for _, s := range streams {
		for _, msg := range s.Messages {
			payload, _ := msg.Values["payload"].(string)
			var wire changeWireEvent
			if err := json.Unmarshal([]byte(payload), &wire); err != nil {
				continue
			}
			events = append(events, ChangeEvent{
				Seq: msg.ID,
				Key: Key{PK: wire.PK, SK: wire.SK},
				Old: wire.Old,
				New: wire.New,
			})
		}
	}
	return events, nil
}

func (f *redisChangeFeed) Ack(ctx context.Context, events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.Seq
	}
	return f.client.XAck(ctx, f.streamKey, f.group, ids...).Err()
}

func (f *redisChangeFeed) Close() error { return nil }
