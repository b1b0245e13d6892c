package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Value is the dynamic tree carried by TaskAssignment.args and
// TaskResult.result: Nil, Bool, Int, Float, String, Binary, Array, or Map.
// Map keys on the wire must be strings.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bin   []byte
	Arr   []Value
	Map   map[string]Value
}

type ValueKind int

const (
	KindNil ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBinary
	KindArray
	KindMap
)

func NilValue() Value           { return Value{Kind: KindNil} }
func BoolValue(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value    { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func BinaryValue(b []byte) Value { return Value{Kind: KindBinary, Bin: b} }
func ArrayValue(v []Value) Value { return Value{Kind: KindArray, Arr: v} }
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// EncodeMsgpack implements msgpack.CustomEncoder so Value round-trips
// through the same codec as the rest of the protocol.
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	switch v.Kind {
	case KindNil:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.Bool)
	case KindInt:
		return enc.EncodeInt(v.Int)
	case KindFloat:
		return enc.EncodeFloat64(v.Float)
	case KindString:
		return enc.EncodeString(v.Str)
	case KindBinary:
		return enc.EncodeBytes(v.Bin)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.Arr)); err != nil {
			return err
		}
		for _, e := range v.Arr {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case KindMap:
		if err := enc.EncodeMapLen(len(v.Map)); err != nil {
			return err
		}
		for k, e := range v.Map {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("rpc: unknown value kind %d", v.Kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}

	switch {
	case msgpack.IsNilCode(code):
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		*v = NilValue()
		return nil
	}

	raw, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	*v = fromInterface(raw)
	return nil
}

// fromInterface adapts msgpack's generic decode result (bool, signed and
// unsigned integers of any width, float32/float64, string, []byte,
// []interface{}, map[string]interface{}) into a Value tree.
func fromInterface(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return NilValue()
	case bool:
		return BoolValue(t)
	case int64:
		return IntValue(t)
	case uint64:
		return IntValue(int64(t))
	case int8, int16, int32, int, uint8, uint16, uint32, uint:
		return IntValue(toInt64(t))
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case string:
		return StringValue(t)
	case []byte:
		return BinaryValue(t)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = fromInterface(e)
		}
		return ArrayValue(arr)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromInterface(e)
		}
		return MapValue(m)
	default:
		return StringValue(fmt.Sprintf("%v", t))
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint:
		return int64(t)
	}
	return 0
}

// FromJSON converts a decoded JSON value (as produced by
// json.Unmarshal(..., &interface{})) into a Value; Go int and int64 leaves
// are accepted as integers too. Binary leaves never appear on this
// direction — JSON has no byte-string type.
func FromJSON(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return NilValue()
	case bool:
		return BoolValue(t)
	case int64:
		return IntValue(t)
	case int:
		return IntValue(int64(t))
	case float64:
		if t == float64(int64(t)) {
			return IntValue(int64(t))
		}
		return FloatValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		f, _ := t.Float64()
		return FloatValue(f)
	case string:
		return StringValue(t)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = FromJSON(e)
		}
		return ArrayValue(arr)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromJSON(e)
		}
		return MapValue(m)
	default:
		return NilValue()
	}
}

// ToJSON converts a Value back into a JSON-marshalable interface{}. Binary
// leaves decode to arrays of byte-valued integers, since JSON has no byte
// string type.
func (v Value) ToJSON() interface{} {
	switch v.Kind {
	case KindNil:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBinary:
		out := make([]int, len(v.Bin))
		for i, b := range v.Bin {
			out[i] = int(b)
		}
		return out
	case KindArray:
		out := make([]interface{}, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = e.ToJSON()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.ToJSON()
		}
		return out
	default:
		return nil
	}
}
