package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gorm.io/datatypes"
)

// Document is a decoded detail payload. Numbers stay json.Number so large
// integer ids survive untouched.
type Document map[string]any

// DecodeDetail parses a detail blob. Empty or null detail is an empty
// document; anything other than a JSON object is an error.
func DecodeDetail(raw datatypes.JSON) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Document{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode detail: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("detail is %T, want object", v)
	}
	return Document(obj), nil
}

// Lookup walks a dotted path through nested objects.
func (d Document) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if d == nil || path == "" {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// FirstString returns the first non-empty scalar found along paths.
// Non-scalar values are skipped.
func (d Document) FirstString(paths []string) string {
	for _, p := range paths {
		v, ok := d.Lookup(p)
		if !ok {
			continue
		}
		if s, err := scalarString(v); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// scalarString renders an identifier-like value. Strings and integral
// numbers are accepted; everything else is malformed.
func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) {
			return "", fmt.Errorf("non-integral number %s", t.String())
		}
		return strconv.FormatFloat(f, 'f', 0, 64), nil
	case float64:
		if t != math.Trunc(t) {
			return "", fmt.Errorf("non-integral number %v", t)
		}
		return strconv.FormatFloat(t, 'f', 0, 64), nil
	default:
		return "", fmt.Errorf("unsupported %T", v)
	}
}
