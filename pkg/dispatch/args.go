package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Args are the module arguments of a task. Values come from YAML or CUE
// decoding, so numbers may arrive as int, int64, float64 or strings.
type Args map[string]interface{}

// String returns the string value of key.
func (a Args) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// StringDefault returns the string value of key or def.
func (a Args) StringDefault(key, def string) string {
	if s, ok := a.String(key); ok {
		return s
	}
	return def
}

// Require returns the string value of key or an error naming it.
func (a Args) Require(key string) (string, error) {
	s, ok := a.String(key)
	if !ok || s == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return s, nil
}

// Int returns the integer value of key.
func (a Args) Int(key string) (int, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		return int(n), true, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, true, fmt.Errorf("argument %q: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("argument %q: expected a number, got %T", key, v)
	}
}

// Bool returns the boolean value of key, false when unset.
func (a Args) Bool(key string) bool {
	switch b := a[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	default:
		return false
	}
}

// Duration reads key as a Go duration string or a number of seconds.
func (a Args) Duration(key string) (time.Duration, bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch d := v.(type) {
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed, true, nil
		}
		secs, err := strconv.ParseFloat(d, 64)
		if err != nil {
			return 0, true, fmt.Errorf("argument %q: invalid duration %q", key, d)
		}
		return time.Duration(secs * float64(time.Second)), true, nil
	case int:
		return time.Duration(d) * time.Second, true, nil
	case int64:
		return time.Duration(d) * time.Second, true, nil
	case float64:
		return time.Duration(d * float64(time.Second)), true, nil
	default:
		return 0, true, fmt.Errorf("argument %q: expected a duration, got %T", key, v)
	}
}

// Strings returns the list value of key.
func (a Args) Strings(key string) ([]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch l := v.(type) {
	case []string:
		return l, nil
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q: expected a list, got %T", key, v)
	}
}

// Map returns the mapping value of key.
func (a Args) Map(key string) (map[string]interface{}, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("argument %q: expected a mapping, got %T", key, v)
	}
	return m, nil
}

// Mode reads key as an octal file mode such as "0644".
func (a Args) Mode(key string) (os.FileMode, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch m := v.(type) {
	case string:
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("argument %q: invalid mode %q", key, m)
		}
		return os.FileMode(parsed), nil
	case int:
		// YAML reads 0644 as an octal integer already
		return os.FileMode(m), nil
	default:
		return 0, fmt.Errorf("argument %q: expected a mode, got %T", key, v)
	}
}
