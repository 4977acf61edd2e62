package mesh

import (
	"strconv"
	"strings"
)

// Fields wraps a decoded JSON object and extracts typed values by dotted
// path. Device firmware versions disagree on where and how fields appear
// (camelCase vs. the occasional upper-case key, numbers as strings), so each
// accessor takes a list of candidate paths and returns the first usable hit.
type Fields map[string]any

// get walks the object using a dotted path: "decoded.position.latitude".
func (f Fields) get(dotted string) (any, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(dotted, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := node[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Map returns the nested object at the first matching path.
func (f Fields) Map(paths ...string) (Fields, bool) {
	for _, p := range paths {
		if v, ok := f.get(p); ok {
			if m, ok := v.(map[string]any); ok {
				return Fields(m), true
			}
		}
	}
	return nil, false
}

// Str returns the first non-empty string value. Numeric and boolean values
// are formatted, since some firmware builds emit identifiers as numbers.
func (f Fields) Str(paths ...string) string {
	for _, p := range paths {
		v, ok := f.get(p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t
			}
		case float64:
			if t == float64(int64(t)) {
				return strconv.FormatInt(int64(t), 10)
			}
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

// Float returns a pointer to the first numeric value found, or nil. The
// pointer form keeps "absent" distinguishable from zero all the way to the
// store.
func (f Fields) Float(paths ...string) *float64 {
	for _, p := range paths {
		v, ok := f.get(p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			val := t
			return &val
		case string:
			if x, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return &x
			}
		}
	}
	return nil
}

// Int returns a pointer to the first integer value found, or nil.
func (f Fields) Int(paths ...string) *int64 {
	for _, p := range paths {
		v, ok := f.get(p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			val := int64(t)
			return &val
		case string:
			if x, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return &x
			}
		}
	}
	return nil
}

// Bool returns a pointer to the first boolean value found, or nil.
func (f Fields) Bool(paths ...string) *bool {
	for _, p := range paths {
		if v, ok := f.get(p); ok {
			if t, ok := v.(bool); ok {
				val := t
				return &val
			}
		}
	}
	return nil
}

// Has reports whether any of the paths resolves to a value.
func (f Fields) Has(paths ...string) bool {
	for _, p := range paths {
		if _, ok := f.get(p); ok {
			return true
		}
	}
	return false
}
