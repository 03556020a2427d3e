package tools

import (
	"encoding/json"
	"fmt"
)

// Args is the typed property bag for tool arguments. The LLM's JSON argument
// string is parsed once at the dispatch boundary; tools read values through
// the typed accessors and never receive raw JSON.
type Args map[string]any

// ParseArgs parses an LLM-produced JSON argument string. An empty string
// yields empty Args.
func ParseArgs(raw string) (Args, error) {
	if raw == "" {
		return Args{}, nil
	}
	var out Args
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	if out == nil {
		out = Args{}
	}
	return out, nil
}

// String returns the string value for key, or empty.
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, or def. JSON numbers arrive as
// float64 and are truncated.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// Float returns the numeric value for key and whether it was present.
func (a Args) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Bool returns the boolean value for key, or def.
func (a Args) Bool(key string, def bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return def
}

// Value returns the raw value for key and whether it was present.
func (a Args) Value(key string) (any, bool) {
	v, ok := a[key]
	return v, ok
}

// Has reports whether key was supplied.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}
