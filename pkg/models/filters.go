package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// FilterSet maps field names to required values. An empty value means the
// filter is inactive for that field.
type FilterSet map[string]string

// Normalized returns a copy with empty values removed.
func (f FilterSet) Normalized() FilterSet {
	out := make(FilterSet, len(f))
	for k, v := range f {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Key creates the canonical cache/topic key for the filter set. Keys are
// sorted alphabetically before serialization so two logically identical
// filter sets produce the same key regardless of input order.
//
// Example:
//
//	FilterSet{"status": "200", "method": "GET"}.Key()
//	// Returns hash of: "method=GET,status=200"
func (f FilterSet) Key() string {
	active := f.Normalized()
	if len(active) == 0 {
		return "all"
	}

	keys := make([]string, 0, len(active))
	for k := range active {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for i, key := range keys {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(active[key])
	}

	hash := sha256.Sum256([]byte(builder.String()))
	return hex.EncodeToString(hash[:])
}

// Matches reports whether the entry satisfies every active filter. Values
// compare as strings; a field absent on the entry never matches a non-empty
// filter. An empty filter set matches every entry.
func (f FilterSet) Matches(e *Entry) bool {
	for name, want := range f {
		if want == "" {
			continue
		}
		got, ok := e.FieldValue(name)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Stringify renders a decoded JSON value the way filters compare it:
// numbers without a trailing ".0" when integral, booleans as true/false.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
