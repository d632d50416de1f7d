// Package keyschema owns the wire layout for every record and attribute name
// the rate limiter writes. It is pure string manipulation: builders compose a
// (partition key, sort key) pair for the store.Item the caller is about to
// read or write, and parsers recover structured identity from a key the store
// (or a change-feed record) handed back.
package keyschema

import (
	"fmt"
	"strconv"
	"strings"

	"eve.evalgo.org/ratelimit/kernel"
)

// Reserved sort-key segments and separators. Keeping these as constants
// instead of inlined literals means a single place defines the wire format
// spec.md §4.2 and §6 describe.
const (
	sep = "#"

	skMeta      = "#META"
	skState     = "#STATE"
	skConfig    = "#CONFIG"
	skDefault   = "_default_"
	pfxEntity   = "ENTITY" + sep
	pfxBucket   = "BUCKET" + sep
	pfxResource = "RESOURCE" + sep
	pfxSystem   = "SYSTEM" + sep
	pfxUsage    = "#USAGE" + sep
	pfxAudit    = "AUDIT" + sep
	pfxAuditSk  = "#AUDIT" + sep
	pfxNsName   = "#NAMESPACE" + sep
	pfxNsID     = "#NSID" + sep

	nsNamespaceRegistry = "_"
)

// Key is a partition-key/sort-key pair, the store's native addressing scheme.
type Key struct {
	PK string
	SK string
}

func nsPrefix(ns string) string { return ns + "/" }

// EntityMeta builds the key for an entity's metadata record.
func EntityMeta(ns, entityID string) Key {
	return Key{PK: nsPrefix(ns) + pfxEntity + entityID, SK: skMeta}
}

// BucketShard builds the key for one (entity, resource, shard) composite
// bucket. Bucket items live on their own partition (the `BUCKET#` prefix, not
// `ENTITY#`) precisely so write pressure is spread across store partitions
// instead of funneling through the entity's own partition.
func BucketShard(ns, entityID, resource string, shard int) Key {
	return Key{
		PK: fmt.Sprintf("%s%s%s%s%s%s%d", nsPrefix(ns), pfxBucket, entityID, sep, resource, sep, shard),
		SK: skState,
	}
}

// EntityResourceConfig builds the key for an entity-resource-scoped limit
// config. resource == "" addresses the entity-default config instead.
func EntityResourceConfig(ns, entityID, resource string) Key {
	sk := skConfig + sep + skDefault
	if resource != "" {
		sk = skConfig + sep + resource
	}
	return Key{PK: nsPrefix(ns) + pfxEntity + entityID, SK: sk}
}

// ResourceConfig builds the key for a resource-scoped limit config.
func ResourceConfig(ns, resource string) Key {
	return Key{PK: nsPrefix(ns) + pfxResource + resource, SK: skConfig}
}

// SystemConfig builds the key for the namespace-wide system config.
func SystemConfig(ns string) Key {
	return Key{PK: nsPrefix(ns) + pfxSystem, SK: skConfig}
}

// UsageSnapshot builds the key for a time-windowed usage aggregate.
func UsageSnapshot(ns, entityID, resource, windowKey string) Key {
	return Key{PK: nsPrefix(ns) + pfxEntity + entityID, SK: pfxUsage + resource + sep + windowKey}
}

// Audit builds the key for one audit event.
func Audit(ns, entityID, eventID string) Key {
	return Key{PK: nsPrefix(ns) + pfxAudit + entityID, SK: pfxAuditSk + eventID}
}

// NamespaceForward builds the name->id registry key.
func NamespaceForward(name string) Key {
	return Key{PK: nsPrefix(nsNamespaceRegistry) + pfxSystem, SK: pfxNsName + name}
}

// NamespaceReverse builds the id->name registry key.
func NamespaceReverse(id string) Key {
	return Key{PK: nsPrefix(nsNamespaceRegistry) + pfxSystem, SK: pfxNsID + id}
}

// EntityPrefix returns the partition key an entity owns: its metadata,
// entity-scoped configs, and usage snapshots all live under it (audit events
// live under their own AUDIT# partition, see Audit),
// so deleting the entity's partition deletes all of them atomically with
// respect to discovery (spec.md §3 "Ownership").
func EntityPrefix(ns, entityID string) string {
	return nsPrefix(ns) + pfxEntity + entityID
}

// BucketPrefix returns the partition-key prefix shared by every shard of one
// (entity, resource) bucket family, so a ScanPrefix over it lists every
// shard of the family.
func BucketPrefix(ns, entityID, resource string) string {
	return fmt.Sprintf("%s%s%s%s%s%s", nsPrefix(ns), pfxBucket, entityID, sep, resource, sep)
}

// ParsedBucketKey is the structured form of a BucketShard partition key.
type ParsedBucketKey struct {
	Namespace string
	EntityID  string
	Resource  string
	Shard     int
}

// ParseBucketKey recovers (namespace, entity, resource, shard) from a bucket
// shard's partition key, as produced by BucketShard. Used by the aggregator
// when it only has the raw key from a change-feed record.
func ParseBucketKey(pk string) (ParsedBucketKey, error) {
	ns, rest, ok := strings.Cut(pk, "/")
	if !ok {
		return ParsedBucketKey{}, fmt.Errorf("keyschema: malformed partition key %q: missing namespace separator", pk)
	}
	rest, ok = strings.CutPrefix(rest, pfxBucket)
	if !ok {
		return ParsedBucketKey{}, fmt.Errorf("keyschema: malformed partition key %q: not a bucket key", pk)
	}
	parts := strings.Split(rest, sep)
	if len(parts) != 3 {
		return ParsedBucketKey{}, fmt.Errorf("keyschema: malformed bucket key %q: expected entity#resource#shard", pk)
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil {
		return ParsedBucketKey{}, fmt.Errorf("keyschema: malformed shard segment %q: %w", parts[2], err)
	}
	return ParsedBucketKey{Namespace: ns, EntityID: parts[0], Resource: parts[1], Shard: shard}, nil
}

// Attribute name builders for the flat encoding inside a single item (spec.md §6).

// BucketAttr returns the attribute name for one bucket counter: tk, cp, or tc.
func BucketAttr(limit, counter string) string {
	return "b_" + limit + "_" + counter
}

// RefillAttr is the shared refill timestamp attribute, common to every limit
// on a bucket item.
const RefillAttr = "rf"

// CascadeAttr and ParentIDAttr are the denormalized entity fields a bucket
// item can carry. bucket.ToUpdate writes them; the lease protocol's creating
// write does not, so a bucket first created by an acquire lacks them.
const (
	CascadeAttr  = "cascade"
	ParentIDAttr = "parent_id"
)

// ShardCountAttr is the current shard count for the (entity, resource) family.
const ShardCountAttr = "shard_count"

// ConfigAttr returns the attribute name for one limit parameter within a
// config item: cp (capacity), ra (refill amount), or rp (refill period).
func ConfigAttr(limit, param string) string {
	return "l_" + limit + "_" + param
}

// ConfigVersionAttr is the monotonic version counter on every config item.
const ConfigVersionAttr = "config_version"

// WCULimitName is the reserved, hidden write-capacity limit auto-injected on
// every bucket (spec.md §3).
const WCULimitName = "wcu"

// WCUConsumeMilli is the fixed write-capacity cost charged against wcu_tk on
// every bucket write, regardless of which app-visible limits the caller asked
// for (spec.md §4.5/§4.6.1).
const WCUConsumeMilli = 1000

// WCUParams returns the fixed capacity and refill rate of the reserved wcu
// limit: roughly 1000 write-units per second, refilling in full every second
// (spec.md §3).
func WCUParams() kernel.Params {
	return kernel.Params{
		CapacityMilli:     1_000_000,
		RefillAmountMilli: 1_000_000,
		RefillPeriodMs:    1_000,
	}
}
