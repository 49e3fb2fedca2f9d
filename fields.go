package leaseguard

import (
	"strconv"
	"time"
)

// Fields is the body of a document. Values written by this package are
// strings, time.Time, nested Fields and JSON-compatible scalars; after a round
// trip through a JSON-backed store, times come back as RFC 3339 strings and
// numbers as float64. The accessors below accept both shapes and fall back to
// zero values for anything missing or malformed.
type Fields map[string]any

// String returns the string value of name, or "".
func (f Fields) String(name string) string {
	var value, ok = f[name].(string)
	if !ok {
		return ""
	}
	return value
}

// Time returns the timestamp stored under name, or the zero time.
func (f Fields) Time(name string) time.Time {
	switch value := f[name].(type) {
	case time.Time:
		return value.UTC()
	case *time.Time:
		if value == nil {
			return time.Time{}
		}
		return value.UTC()
	case string:
		var parsed, err = time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}
		}
		return parsed.UTC()
	default:
		return time.Time{}
	}
}

// Uint returns the unsigned integer stored under name. Decimal strings are
// accepted so that large ids survive JSON without float rounding.
func (f Fields) Uint(name string) (uint64, bool) {
	switch value := f[name].(type) {
	case uint64:
		return value, true
	case int:
		if value < 0 {
			return 0, false
		}
		return uint64(value), true
	case int64:
		if value < 0 {
			return 0, false
		}
		return uint64(value), true
	case float64:
		if value < 0 {
			return 0, false
		}
		return uint64(value), true
	case string:
		var parsed, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Map returns the nested object stored under name, or nil.
func (f Fields) Map(name string) Fields {
	switch value := f[name].(type) {
	case Fields:
		return value
	case map[string]any:
		return Fields(value)
	default:
		return nil
	}
}

// Clone returns a deep copy of f. Nested maps and slices are copied so that
// snapshots handed to transactions cannot alias stored state.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}

	var out = make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// merge copies every entry of update into f, replacing existing keys.
func (f Fields) merge(update Fields) {
	for k, v := range update {
		f[k] = cloneValue(v)
	}
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case Fields:
		return value.Clone()
	case map[string]any:
		return map[string]any(Fields(value).Clone())
	case []any:
		var out = make([]any, len(value))
		for i := range value {
			out[i] = cloneValue(value[i])
		}
		return out
	default:
		return value
	}
}
