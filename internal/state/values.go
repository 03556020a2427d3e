package state

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// encodeValue serializes a state value for storage. Values round-trip through
// JSON so arrays and objects are first-class.
func encodeValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(raw)
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// inferType classifies a value into the engine's type vocabulary.
func inferType(v any) string {
	switch t := v.(type) {
	case nil:
		return "string"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int64:
		return "integer"
	case float64:
		if t == math.Trunc(t) {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "string"
	}
}

// asFloat coerces numeric representations to float64.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// valuesEqual compares state values loosely: numerics compare by magnitude,
// everything else by canonical JSON.
func valuesEqual(a, b any) bool {
	if fa, okA := asNumber(a); okA {
		if fb, okB := asNumber(b); okB {
			return fa == fb
		}
		return false
	}
	return encodeValue(a) == encodeValue(b)
}

// asNumber is asFloat without the string coercion: "3" stays a string here so
// option lists distinguish the two.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// formatValue renders a value for a human-facing message.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		return encodeValue(v)
	}
}

func formatValues(list []any) string {
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ", ")
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
