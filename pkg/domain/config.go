package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Config is the free-form configuration of a node or signature fragment.
// Values follow JSON/YAML decoding conventions: numbers, strings, bools,
// []any and map[string]any.
type Config map[string]any

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices found in decoded configuration values.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Config(t).Clone())
	case Config:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Float reads a numeric value.
func (c Config) Float(key string, fallback float64) float64 {
	if v, ok := ToFloat(c[key]); ok {
		return v
	}
	return fallback
}

// Int reads an integer value.
func (c Config) Int(key string, fallback int) int {
	if v, ok := ToFloat(c[key]); ok && v <= math.MaxInt32 && v >= math.MinInt32 {
		return int(v)
	}
	return fallback
}

// Bool reads a boolean value.
func (c Config) Bool(key string, fallback bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

// String reads a string value.
func (c Config) String(key, fallback string) string {
	if v, ok := c[key].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// Strings reads a list of strings; scalar strings become single-element lists.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Map reads a nested object.
func (c Config) Map(key string) Config {
	switch v := c[key].(type) {
	case map[string]any:
		return Config(v)
	case Config:
		return v
	}
	return nil
}

// List reads a raw list.
func (c Config) List(key string) []any {
	switch v := c[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}

// Millis reads a duration expressed in milliseconds.
func (c Config) Millis(key string, fallback time.Duration) time.Duration {
	if v, ok := ToFloat(c[key]); ok && v > 0 {
		return time.Duration(v * float64(time.Millisecond))
	}
	return fallback
}

// Seconds reads a duration expressed in seconds.
func (c Config) Seconds(key string, fallback time.Duration) time.Duration {
	if v, ok := ToFloat(c[key]); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return fallback
}

// ToFloat converts decoded numeric values to float64.
func ToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
