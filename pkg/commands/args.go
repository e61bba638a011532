package commands

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/benome/benomedb/pkg/graph"
)

// Arguments arrive either from Go callers (native ints) or decoded JSON
// (float64 or json.Number), so every accessor accepts all of them.

func invalid(name, format string, a ...any) error {
	return fmt.Errorf("%w: %s: %s", graph.ErrInvalidArgument, name, fmt.Sprintf(format, a...))
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not a number", n)
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// optInt returns (0, false, nil) when name is absent, null or "".
func optInt(args map[string]any, name string) (int64, bool, error) {
	v, ok := args[name]
	if !ok || v == nil || v == "" {
		return 0, false, nil
	}
	i, err := toInt(v)
	if err != nil {
		return 0, false, invalid(name, "%v", err)
	}
	return i, true, nil
}

func reqInt(args map[string]any, name string) (int64, error) {
	i, ok, err := optInt(args, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, invalid(name, "required")
	}
	return i, nil
}

func optString(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(name, "want string, got %T", v)
	}
	return s, nil
}

func reqString(args map[string]any, name string) (string, error) {
	s, err := optString(args, name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", invalid(name, "required")
	}
	return s, nil
}

func optBool(args map[string]any, name string) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		p, err := strconv.ParseBool(b)
		if err != nil {
			return false, invalid(name, "%q is not a boolean", b)
		}
		return p, nil
	default:
		return false, invalid(name, "want bool, got %T", v)
	}
}

func optMap(args map[string]any, name string) (map[string]any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid(name, "want object, got %T", v)
	}
	// Handlers edit the map; the caller's copy stays intact.
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// optIDs accepts a list of numbers or a single number.
func optIDs(args map[string]any, name string) ([]int64, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	var items []any
	switch l := v.(type) {
	case []any:
		items = l
	case []int64:
		return append([]int64(nil), l...), nil
	case []int:
		out := make([]int64, len(l))
		for i, n := range l {
			out[i] = int64(n)
		}
		return out, nil
	default:
		items = []any{v}
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		i, err := toInt(item)
		if err != nil {
			return nil, invalid(name, "%v", err)
		}
		out = append(out, i)
	}
	return out, nil
}
