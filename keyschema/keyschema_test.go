package keyschema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketShard_RoundTripsThroughParseBucketKey(t *testing.T) {
	k := BucketShard("ns1", "proj-42", "tpm", 3)
	assert.Equal(t, "#STATE", k.SK)

	parsed, err := ParseBucketKey(k.PK)
	require.NoError(t, err)
	assert.Equal(t, ParsedBucketKey{Namespace: "ns1", EntityID: "proj-42", Resource: "tpm", Shard: 3}, parsed)
}

func TestBucketPrefix_IsPrefixOfEveryShard(t *testing.T) {
	prefix := BucketPrefix("ns1", "proj-42", "tpm")
	for shard := 0; shard < 8; shard++ {
		k := BucketShard("ns1", "proj-42", "tpm", shard)
		assert.Contains(t, k.PK, prefix)
	}
}

func TestEntityResourceConfig_DefaultVsResourceScoped(t *testing.T) {
	def := EntityResourceConfig("ns1", "child", "")
	scoped := EntityResourceConfig("ns1", "child", "rpm")
	assert.Equal(t, "#CONFIG#_default_", def.SK)
	assert.Equal(t, "#CONFIG#rpm", scoped.SK)
	assert.Equal(t, def.PK, scoped.PK)
}

func TestSystemAndResourceConfigKeys(t *testing.T) {
	assert.Equal(t, Key{PK: "ns1/SYSTEM#", SK: "#CONFIG"}, SystemConfig("ns1"))
	assert.Equal(t, Key{PK: "ns1/RESOURCE#llm", SK: "#CONFIG"}, ResourceConfig("ns1", "llm"))
}

func TestNamespaceRegistryKeysShareReservedPartition(t *testing.T) {
	fwd := NamespaceForward("acme")
	rev := NamespaceReverse("ns-01abc02def0")
	assert.Equal(t, fwd.PK, rev.PK)
	assert.Equal(t, "#NAMESPACE#acme", fwd.SK)
	assert.Equal(t, "#NSID#ns-01abc02def0", rev.SK)
}

func TestParseBucketKey_RejectsMalformedInput(t *testing.T) {
	_, err := ParseBucketKey("not-namespaced")
	assert.Error(t, err)

	_, err = ParseBucketKey("ns1/ENTITY#foo")
	assert.Error(t, err)

	_, err = ParseBucketKey("ns1/BUCKET#only-two#parts")
	assert.Error(t, err)

	_, err = ParseBucketKey("ns1/BUCKET#e#r#notanumber")
	assert.Error(t, err)
}

func TestAttributeNameBuilders(t *testing.T) {
	assert.Equal(t, "b_rpm_tk", BucketAttr("rpm", "tk"))
	assert.Equal(t, "l_tpm_cp", ConfigAttr("tpm", "cp"))
	assert.Equal(t, "rf", RefillAttr)
	assert.Equal(t, "wcu", WCULimitName)
}

func TestEntityPrefix_MatchesEntityMetaPartition(t *testing.T) {
	meta := EntityMeta("ns1", "child")
	assert.Equal(t, EntityPrefix("ns1", "child"), meta.PK)
}
