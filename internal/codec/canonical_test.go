package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysByUTF16(t *testing.T) {
	obj := map[string]any{
		"b": int64(2),
		"a": int64(1),
		"c": int64(3),
	}

	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(out))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical("<a>&</a>")
	require.NoError(t, err)
	assert.Equal(t, `"<a>&</a>"`, string(out))
}

func TestMarshalCanonical_RejectsRawFloats(t *testing.T) {
	_, err := MarshalCanonical(float64(1.5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats")
}

func TestMarshalCanonical_NumberLiteralsPassThrough(t *testing.T) {
	out, err := MarshalCanonical(json.Number("1.5"))
	require.NoError(t, err)
	assert.Equal(t, "1.5", string(out))
}

func TestCanonicalizeJSON_StableAcrossKeyOrder(t *testing.T) {
	a := []byte(`{"tool": "fib", "n": 30}`)
	b := []byte(`{"n":30,"tool":"fib"}`)

	ca, err := CanonicalizeJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalizeJSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"n":30,"tool":"fib"}`, string(ca))
}

func TestCanonicalizeJSON_PreservesFloatLiterals(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"x": 0.1, "y": 1e9}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":0.1,"y":1e9}`, string(out))
}

func TestCanonicalizeJSON_RejectsTrailingData(t *testing.T) {
	_, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestCanonicalizeJSON_NestedStructures(t *testing.T) {
	out, err := CanonicalizeJSON([]byte(`{"z":[3,2,{"b":true,"a":null}],"a":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","z":[3,2,{"a":null,"b":true}]}`, string(out))
}

func TestSortedKeys_UTF16OrderDiffersFromUTF8(t *testing.T) {
	// In UTF-8 byte order U+FF61 (EF BD A1) sorts before U+10000 (F0 90 80 80).
	// In UTF-16 code units the order flips: U+10000 encodes to surrogate pair
	// D800 DC00, and D800 < FF61. RFC 8785 requires the UTF-16 order.
	obj := map[string]any{
		"\U00010000": int64(1), // UTF-16: D800 DC00
		"｡":     int64(2), // UTF-16: FF61
	}

	keys := SortedKeys(obj)
	require.Len(t, keys, 2)
	assert.Equal(t, "\U00010000", keys[0])
	assert.Equal(t, "｡", keys[1])
}

func TestHashWithDomain_DomainSeparation(t *testing.T) {
	data := []byte("same data")
	h1 := HashWithDomain(DomainEvent, data)
	h2 := HashWithDomain(DomainRequest, data)
	assert.NotEqual(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestRequestKey_IdenticalParamsCollide(t *testing.T) {
	k1, err := RequestKey("graph.shortest_path", []byte(`{"from":"a","to":"b"}`))
	require.NoError(t, err)
	k2, err := RequestKey("graph.shortest_path", []byte(`{ "to": "b", "from": "a" }`))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestRequestKey_DifferentToolsDiffer(t *testing.T) {
	params := []byte(`{"n":10}`)
	k1 := MustRequestKey("fib", params)
	k2 := MustRequestKey("fact", params)
	assert.NotEqual(t, k1, k2)
}

func TestEventHash_SensitiveToEveryColumn(t *testing.T) {
	base, err := EventHash("id-1", "order-1", "created", []byte(`{"total":100}`), 1, 42)
	require.NoError(t, err)

	mutPayload, err := EventHash("id-1", "order-1", "created", []byte(`{"total":999}`), 1, 42)
	require.NoError(t, err)
	assert.NotEqual(t, base, mutPayload)

	mutVersion, err := EventHash("id-1", "order-1", "created", []byte(`{"total":100}`), 2, 42)
	require.NoError(t, err)
	assert.NotEqual(t, base, mutVersion)

	mutEntity, err := EventHash("id-1", "order-2", "created", []byte(`{"total":100}`), 1, 42)
	require.NoError(t, err)
	assert.NotEqual(t, base, mutEntity)
}

func TestEventID_ExcludesTimestamp(t *testing.T) {
	id1, err := EventID("order-1", "created", []byte(`{"total":100}`), 1)
	require.NoError(t, err)
	id2, err := EventID("order-1", "created", []byte(`{"total":100}`), 1)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestBlockHash_ChainsOnPrevious(t *testing.T) {
	h1 := BlockHash("root", "prev-a")
	h2 := BlockHash("root", "prev-b")
	assert.NotEqual(t, h1, h2)
}
