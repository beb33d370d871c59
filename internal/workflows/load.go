// Package workflows loads workflow definitions from YAML or JSON files and
// tracks which of them are deployed.
package workflows

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/dshills/blockflow/graph"
)

// Extensions lists the file extensions recognized as workflow definitions,
// in lookup order.
var Extensions = []string{".yaml", ".yml", ".json"}

var (
	// ErrUnsupportedFormat is returned for files with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported workflow file format")

	// ErrMalformed is returned for definitions that fail to decode.
	ErrMalformed = errors.New("malformed workflow definition")
)

// Load reads and decodes the workflow file at path. A workflow without an id
// takes the file name without its extension.
func Load(path string) (*graph.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	wf, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return wf, nil
}

// Decode parses a workflow definition. ext selects the format; JSON is a
// subset of YAML, so an empty ext decodes either.
func Decode(data []byte, ext string) (*graph.Workflow, error) {
	var wf graph.Workflow
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.UnmarshalWithOptions(data, &wf, yaml.UseJSONUnmarshaler()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	normalize(&wf)
	return &wf, nil
}

// normalize rewrites YAML-decoded block inputs into the shapes JSON decoding
// produces: string-keyed maps, []any and float64 numbers.
func normalize(wf *graph.Workflow) {
	for i := range wf.Blocks {
		for k, v := range wf.Blocks[i].Inputs {
			wf.Blocks[i].Inputs[k] = normalizeValue(v)
		}
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeValue(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	case uint64:
		return float64(val)
	case int64:
		return float64(val)
	case int:
		return float64(val)
	default:
		return v
	}
}
