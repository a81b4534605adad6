package payment

import "strconv"

// Lookup walks a decoded JSON value (maps, slices and scalars as produced by
// encoding/json) along path. Map segments are keys; slice segments are decimal
// indexes. It never panics: any missing key, out-of-range index or scalar in
// the middle of the path reports false.
func Lookup(v any, path ...string) (any, bool) {
	cur := v
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// LookupMap returns the mapping at path, or false if it is missing or not a mapping.
func LookupMap(v any, path ...string) (map[string]any, bool) {
	found, ok := Lookup(v, path...)
	if !ok {
		return nil, false
	}
	m, ok := found.(map[string]any)
	return m, ok
}

// LookupString returns the string at path, or false if it is missing or not a string.
func LookupString(v any, path ...string) (string, bool) {
	found, ok := Lookup(v, path...)
	if !ok {
		return "", false
	}
	s, ok := found.(string)
	return s, ok
}

// isEmptyValue reports whether v is falsy as a decoded JSON value: null,
// false, zero, an empty string, an empty mapping or an empty list.
func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	default:
		return false
	}
}
