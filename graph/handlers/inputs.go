package handlers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// stringInput returns the first non-empty string among keys. Non-string
// values are formatted.
func stringInput(in map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := in[k].(type) {
		case nil:
		case string:
			if v != "" {
				return v
			}
		default:
			data, err := json.Marshal(v)
			if err == nil {
				return string(data)
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// intInput reads an integer from a number or numeric string.
func intInput(in map[string]any, key string, def int) (int, error) {
	switch v := in[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

// mapInput reads an object input. JSON strings are decoded, and lists of
// {key, value} rows as produced by table editors are folded into a map.
func mapInput(in map[string]any, key string) (map[string]any, error) {
	switch v := in[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("%s: invalid JSON object: %w", key, err)
		}
		return m, nil
	case []any:
		m := make(map[string]any, len(v))
		for _, row := range v {
			r, ok := row.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: rows must be objects", key)
			}
			k, _ := r["key"].(string)
			if k == "" {
				continue
			}
			m[k] = r["value"]
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}

// namesInput reads a list of names. Entries may be strings or objects with a
// "name" or "type" field.
func namesInput(in map[string]any, key string) []string {
	var names []string
	switch v := in[key].(type) {
	case string:
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	case []string:
		names = append(names, v...)
	case []any:
		for _, item := range v {
			switch t := item.(type) {
			case string:
				names = append(names, t)
			case map[string]any:
				if n, ok := t["name"].(string); ok && n != "" {
					names = append(names, n)
				} else if n, ok := t["type"].(string); ok && n != "" {
					names = append(names, n)
				}
			}
		}
	}
	return names
}
