// Package canon converts arbitrary device-event values into JSON-safe trees
// built only from maps with string keys, slices, strings, and primitive
// scalars. Canonicalize is total: it never fails, falling back to the string
// representation of anything it cannot represent.
package canon

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// hexBytesFields are protobuf byte fields rendered as hex rather than text,
// matching how the device firmware presents identifiers.
var hexBytesFields = map[string]bool{
	"macaddr":    true,
	"id":         true,
	"channel_id": true,
}

// Canonicalize converts v into a JSON-safe tree. Byte sequences decode as
// UTF-8 when valid and are base64-tagged otherwise; protobuf messages recurse
// with enums resolved to their symbolic names; unrepresentable values become
// their string representation.
func Canonicalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x
	case []byte:
		return Bytes(x)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = Canonicalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = Canonicalize(val)
		}
		return out
	case proto.Message:
		return message(x.ProtoReflect())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Canonicalize(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = Canonicalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Canonicalize(rv.Index(i).Interface())
		}
		return out
	}

	// Enum-like values resolve to their symbolic name.
	if named, ok := v.(interface{ Name() string }); ok {
		return named.Name()
	}

	// Anything JSON already understands passes through untouched.
	if _, err := json.Marshal(v); err == nil {
		return v
	}

	return fmt.Sprint(v)
}

// Bytes canonicalizes a raw byte payload: valid UTF-8 decodes to a string,
// anything else becomes a tagged base64 string.
func Bytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(b)
}

// message walks a protobuf message via reflection, producing a map keyed by
// the fields' JSON names.
func message(m protoreflect.Message) map[string]interface{} {
	out := make(map[string]interface{})
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		out[fd.JSONName()] = fieldValue(fd, v)
		return true
	})
	return out
}

func fieldValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) interface{} {
	switch {
	case fd.IsList():
		list := v.List()
		out := make([]interface{}, list.Len())
		for i := 0; i < list.Len(); i++ {
			out[i] = scalarValue(fd, list.Get(i))
		}
		return out
	case fd.IsMap():
		out := make(map[string]interface{})
		v.Map().Range(func(k protoreflect.MapKey, mv protoreflect.Value) bool {
			out[k.String()] = scalarValue(fd.MapValue(), mv)
			return true
		})
		return out
	default:
		return scalarValue(fd, v)
	}
}

func scalarValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) interface{} {
	switch fd.Kind() {
	case protoreflect.EnumKind:
		if desc := fd.Enum().Values().ByNumber(v.Enum()); desc != nil {
			return string(desc.Name())
		}
		return int32(v.Enum())
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return message(v.Message())
	case protoreflect.BytesKind:
		b := v.Bytes()
		if hexBytesFields[string(fd.Name())] {
			return hex.EncodeToString(b)
		}
		if string(fd.Name()) == "psk" {
			return fmt.Sprintf("bytes_len:%d", len(b))
		}
		return Bytes(b)
	default:
		return Canonicalize(v.Interface())
	}
}
