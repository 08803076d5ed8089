package utils

import (
	"math"
	"strconv"
	"strings"
)

// DefaultMaxToolIterations is the tool budget applied when a spec does not
// set maxToolIterations.
const DefaultMaxToolIterations = 10

// NormalizeFlag coerces loosely-typed flag values. Strings like "yes",
// "true", "1", "on" are truthy and "no", "false", "0", "off" falsy;
// unrecognized strings and unsupported types fall back to def. Numbers follow
// the usual zero/non-zero convention.
func NormalizeFlag(value any, def bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "1", "on":
			return true
		case "no", "false", "0", "off":
			return false
		}
		return def
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case float32:
		return v != 0
	}
	return def
}

// ParseMaxToolIterations coerces a maxToolIterations setting into a
// non-negative integer, accepting numeric strings. Non-finite or
// unparseable values yield DefaultMaxToolIterations; negatives clamp to 0.
func ParseMaxToolIterations(value any) int {
	var n float64
	switch v := value.(type) {
	case nil:
		return DefaultMaxToolIterations
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case float64:
		n = v
	case float32:
		n = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return DefaultMaxToolIterations
		}
		n = parsed
	default:
		return DefaultMaxToolIterations
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return DefaultMaxToolIterations
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

// ParseChars coerces a toolResultMaxChars setting; 0 means unlimited.
func ParseChars(value any) int {
	switch v := value.(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
