package persist

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"venator/internal/value"
)

// wireValue is the on-disk shape for a Value, used only for the recursive
// array/object cases - scalars are stored directly as (type, payload)
// columns, following the teacher's attrType* string-column scheme in
// formatAttributeValue/parseAttributeValue.
type wireValue struct {
	Type    string               `json:"t"`
	Payload string               `json:"v,omitempty"`
	Array   []wireValue          `json:"a,omitempty"`
	Object  map[string]wireValue `json:"o,omitempty"`
}

// EncodeValue turns a Value into the (type, payload) pair persisted in an
// attribute table row.
func EncodeValue(v value.Value) (typ string, payload string, err error) {
	typ = v.Kind().String()
	switch v.Kind() {
	case value.KindNull:
		return typ, "", nil
	case value.KindBool:
		b, _ := v.AsBool()
		return typ, strconv.FormatBool(b), nil
	case value.KindInt64:
		i, _ := v.AsInt64()
		return typ, strconv.FormatInt(i, 10), nil
	case value.KindUInt64:
		u, _ := v.AsUInt64()
		return typ, strconv.FormatUint(u, 10), nil
	case value.KindDouble:
		d, _ := v.AsDouble()
		return typ, strconv.FormatFloat(d, 'g', -1, 64), nil
	case value.KindString:
		s, _ := v.AsString()
		return typ, s, nil
	case value.KindBytes:
		b, _ := v.AsBytes()
		return typ, hex.EncodeToString(b), nil
	case value.KindArray, value.KindObject:
		buf, err := json.Marshal(toWire(v))
		if err != nil {
			return "", "", fmt.Errorf("encode %s attribute: %w", typ, err)
		}
		return typ, string(buf), nil
	default:
		return "", "", fmt.Errorf("encode attribute: unknown kind %v", v.Kind())
	}
}

// DecodeValue is the inverse of EncodeValue, used during startup replay.
func DecodeValue(typ, payload string) (value.Value, error) {
	switch typ {
	case "null":
		return value.Null(), nil
	case "bool":
		b, err := strconv.ParseBool(payload)
		if err != nil {
			return value.Value{}, fmt.Errorf("decode bool attribute %q: %w", payload, err)
		}
		return value.Bool(b), nil
	case "int64":
		i, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("decode int64 attribute %q: %w", payload, err)
		}
		return value.Int64(i), nil
	case "uint64":
		u, err := strconv.ParseUint(payload, 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("decode uint64 attribute %q: %w", payload, err)
		}
		return value.UInt64(u), nil
	case "double":
		d, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("decode double attribute %q: %w", payload, err)
		}
		return value.Double(d), nil
	case "string":
		return value.String(payload), nil
	case "bytes":
		b, err := hex.DecodeString(payload)
		if err != nil {
			return value.Value{}, fmt.Errorf("decode bytes attribute %q: %w", payload, err)
		}
		return value.Bytes(b), nil
	case "array", "object":
		var w wireValue
		if err := json.Unmarshal([]byte(payload), &w); err != nil {
			return value.Value{}, fmt.Errorf("decode %s attribute: %w", typ, err)
		}
		return fromWire(w)
	default:
		return value.Value{}, fmt.Errorf("decode attribute: unknown type %q", typ)
	}
}

func toWire(v value.Value) wireValue {
	switch v.Kind() {
	case value.KindArray:
		items, _ := v.AsArray()
		w := wireValue{Type: "array", Array: make([]wireValue, len(items))}
		for i, item := range items {
			w.Array[i] = toWire(item)
		}
		return w
	case value.KindObject:
		obj, _ := v.AsObject()
		w := wireValue{Type: "object", Object: make(map[string]wireValue, len(obj))}
		for k, item := range obj {
			w.Object[k] = toWire(item)
		}
		return w
	default:
		typ, payload, _ := EncodeValue(v)
		return wireValue{Type: typ, Payload: payload}
	}
}

func fromWire(w wireValue) (value.Value, error) {
	switch w.Type {
	case "array":
		out := make([]value.Value, len(w.Array))
		for i, item := range w.Array {
			v, err := fromWire(item)
			if err != nil {
				return value.Value{}, err
			}
			out[i] = v
		}
		return value.Array(out), nil
	case "object":
		out := make(map[string]value.Value, len(w.Object))
		for k, item := range w.Object {
			v, err := fromWire(item)
			if err != nil {
				return value.Value{}, err
			}
			out[k] = v
		}
		return value.Object(out), nil
	default:
		return DecodeValue(w.Type, w.Payload)
	}
}
