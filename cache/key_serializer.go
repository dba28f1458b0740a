package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// MaxKeyLength is the length above which the argument segment of a key is
// replaced by its hash. Memcache style stores reject longer keys.
const MaxKeyLength = 250

// KeySerializer builds a cache key from a call identity and its arguments.
// Keys must be stable across calls with equal arguments.
type KeySerializer interface {
	SerializeKey(identity string, args ...any) string
}

// defaultKeySerializer walks arguments with reflection. Maps are emitted with
// sorted keys and structs with their exported fields, so equal values always
// produce equal keys, across processes as well (function values excepted).
type defaultKeySerializer struct {
	maxLen int
}

// NewDefaultKeySerializer creates the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{maxLen: MaxKeyLength}
}

// NewKeySerializer creates a default serializer with a custom length limit.
// A limit of zero or less disables hashing.
func NewKeySerializer(maxLen int) KeySerializer {
	return &defaultKeySerializer{maxLen: maxLen}
}

// SerializeKey joins identity and the serialized args. When the result is too
// long the argument segment is replaced by "h:<xxhash>" so the identity prefix
// stays readable.
func (s *defaultKeySerializer) SerializeKey(identity string, args ...any) string {
	if len(args) == 0 {
		return identity
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = s.serialize(reflect.ValueOf(arg))
	}
	tail := strings.Join(parts, KeySeparator)
	key := identity + KeySeparator + tail

	if s.maxLen > 0 && len(key) > s.maxLen {
		return identity + KeySeparator + "h:" + strconv.FormatUint(xxhash.Sum64String(tail), 16)
	}
	return key
}

func (s *defaultKeySerializer) serialize(v reflect.Value) string {
	if !v.IsValid() {
		return "nil"
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			return x.String()
		case []byte:
			if x == nil {
				return "bytes:nil"
			}
			return "bytes:" + strconv.FormatUint(xxhash.Sum64(x), 16)
		case fmt.Stringer:
			if v.Kind() == reflect.Pointer && v.IsNil() {
				return "nil"
			}
			return x.String()
		}
	}

	switch v.Kind() {
	case reflect.Func:
		if v.IsNil() {
			return "func:nil"
		}
		return fmt.Sprintf("func:%#x", v.Pointer())
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return "nil"
		}
		return s.serialize(v.Elem())
	case reflect.Slice:
		if v.IsNil() {
			return "slice:nil"
		}
		return "slice" + s.serializeElems(v)
	case reflect.Array:
		return "array" + s.serializeElems(v)
	case reflect.Map:
		if v.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(v)
	case reflect.Struct:
		return s.serializeStruct(v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%#x", v.Pointer())
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.String:
		return v.String()
	}

	return s.jsonFallback(v)
}

// serializeElems renders slices and arrays as [n]:{a,b,c}
func (s *defaultKeySerializer) serializeElems(v reflect.Value) string {
	n := v.Len()
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = s.serialize(v.Index(i))
	}
	return fmt.Sprintf("[%d]:{%s}", n, strings.Join(parts, ","))
}

func (s *defaultKeySerializer) serializeMap(v reflect.Value) string {
	pairs := make([]string, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.serialize(iter.Key())+"="+s.serialize(iter.Value()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

// serializeStruct emits exported fields as Name:value, unexported fields are skipped
func (s *defaultKeySerializer) serializeStruct(v reflect.Value) string {
	t := v.Type()
	parts := make([]string, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+s.serialize(v.Field(i)))
	}
	return "struct:{" + strings.Join(parts, ",") + "}"
}

func (s *defaultKeySerializer) jsonFallback(v reflect.Value) string {
	if !v.CanInterface() {
		return "fallback:" + v.Type().String()
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return "fallback:" + v.Type().String()
	}
	return "json:" + string(data)
}
