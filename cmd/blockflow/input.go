package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// inputFlags collects the run input from the command line.
type inputFlags struct {
	inline string
	file   string
	set    []string
}

// parse merges the input sources: the file first, then the inline JSON,
// then each key=value pair. Without any source the input is an empty object.
func (f inputFlags) parse() (any, error) {
	var input any = map[string]any{}

	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		v, err := decodeDocument(data, filepath.Ext(f.file))
		if err != nil {
			return nil, fmt.Errorf("parse input file %s: %w", f.file, err)
		}
		input = v
	}

	if f.inline != "" {
		var v any
		if err := json.Unmarshal([]byte(f.inline), &v); err != nil {
			return nil, fmt.Errorf("parse --input: %w", err)
		}
		input = mergeInput(input, v)
	}

	if len(f.set) > 0 {
		obj, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("--set requires an object input, got %T", input)
		}
		for _, kv := range f.set {
			key, raw, found := strings.Cut(kv, "=")
			if !found || key == "" {
				return nil, fmt.Errorf("invalid --set %q, want key=value", kv)
			}
			obj[key] = scalar(raw)
		}
	}
	return input, nil
}

// mergeInput overlays next on base when both are objects; otherwise next
// replaces base.
func mergeInput(base, next any) any {
	b, ok1 := base.(map[string]any)
	n, ok2 := next.(map[string]any)
	if !ok1 || !ok2 {
		return next
	}
	for k, v := range n {
		b[k] = v
	}
	return b
}

// scalar decodes raw as JSON when it is valid JSON and keeps it as a string
// otherwise, so --set n=3 is a number and --set name=ada a string.
func scalar(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func decodeDocument(data []byte, ext string) (any, error) {
	var v any
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return jsonRoundTrip(v)
}

// jsonRoundTrip normalizes YAML-decoded values into the shapes JSON
// decoding produces.
func jsonRoundTrip(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// envFlags parses repeated KEY=VALUE flags.
func envFlags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		env[key] = value
	}
	return env, nil
}
