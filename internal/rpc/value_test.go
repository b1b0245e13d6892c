package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestFromJSONKindSelection(t *testing.T) {
	assert.Equal(t, KindNil, FromJSON(nil).Kind)
	assert.Equal(t, KindBool, FromJSON(true).Kind)
	assert.Equal(t, KindString, FromJSON("hi").Kind)

	whole := FromJSON(float64(3))
	assert.Equal(t, KindInt, whole.Kind)
	assert.Equal(t, int64(3), whole.Int)

	fractional := FromJSON(float64(3.5))
	assert.Equal(t, KindFloat, fractional.Kind)
	assert.Equal(t, 3.5, fractional.Float)
}

func TestFromJSONNestedStructures(t *testing.T) {
	raw := map[string]interface{}{
		"items": []interface{}{float64(1), "two", true, nil},
		"count": float64(4),
	}
	v := FromJSON(raw)
	require.Equal(t, KindMap, v.Kind)

	items := v.Map["items"]
	require.Equal(t, KindArray, items.Kind)
	require.Len(t, items.Arr, 4)
	assert.Equal(t, KindInt, items.Arr[0].Kind)
	assert.Equal(t, KindString, items.Arr[1].Kind)
	assert.Equal(t, KindBool, items.Arr[2].Kind)
	assert.Equal(t, KindNil, items.Arr[3].Kind)

	assert.Equal(t, int64(4), v.Map["count"].Int)
}

func TestValueToJSONRoundTrip(t *testing.T) {
	original := map[string]interface{}{
		"name":  "worker",
		"count": int64(7),
		"ok":    true,
		"tags":  []interface{}{"a", "b"},
	}
	v := FromJSON(original)
	back := v.ToJSON().(map[string]interface{})

	assert.Equal(t, "worker", back["name"])
	assert.Equal(t, int64(7), back["count"])
	assert.Equal(t, true, back["ok"])
	assert.Equal(t, []interface{}{"a", "b"}, back["tags"])
}

func TestValueToJSONBinaryBecomesByteArray(t *testing.T) {
	v := BinaryValue([]byte{0x01, 0x02, 0xFF})
	out := v.ToJSON().([]int)
	assert.Equal(t, []int{1, 2, 255}, out)
}

func TestValueMsgpackRoundTrip(t *testing.T) {
	v := MapValue(map[string]Value{
		"a": IntValue(42),
		"b": ArrayValue([]Value{StringValue("x"), FloatValue(1.5), BoolValue(false)}),
		"c": BinaryValue([]byte{9, 9, 9}),
		"d": NilValue(),
	})

	encoded, err := msgpack.Marshal(v)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, msgpack.Unmarshal(encoded, &decoded))

	assert.Equal(t, KindMap, decoded.Kind)
	assert.Equal(t, int64(42), decoded.Map["a"].Int)
	assert.Equal(t, KindArray, decoded.Map["b"].Kind)
	assert.Equal(t, "x", decoded.Map["b"].Arr[0].Str)
	assert.Equal(t, 1.5, decoded.Map["b"].Arr[1].Float)
	assert.Equal(t, false, decoded.Map["b"].Arr[2].Bool)
	assert.Equal(t, []byte{9, 9, 9}, decoded.Map["c"].Bin)
	assert.Equal(t, KindNil, decoded.Map["d"].Kind)
}
