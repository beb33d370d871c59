package workflows

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dshills/blockflow/graph"
)

const greetYAML = `
name: Greeting
blocks:
  - id: start
    type: starter
  - id: reply
    type: response
    inputs:
      data:
        greeting: "hello <start.input.name>"
        retries: 3
        tags: [a, b]
connections:
  - source: start
    target: reply
loops:
  each:
    id: each
    nodes: []
    loopType: forEach
    forEachItems:
      b: 2
      a: 1
`

func writeWorkflow(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeWorkflow(t, t.TempDir(), "greet.yaml", greetYAML)
	wf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if wf.ID != "greet" || wf.Name != "Greeting" {
		t.Errorf("id, name = %q, %q", wf.ID, wf.Name)
	}
	if len(wf.Blocks) != 2 || len(wf.Connections) != 1 {
		t.Fatalf("blocks = %d, connections = %d", len(wf.Blocks), len(wf.Connections))
	}

	want := map[string]any{
		"greeting": "hello <start.input.name>",
		"retries":  float64(3),
		"tags":     []any{"a", "b"},
	}
	if got := wf.Blocks[1].Inputs["data"]; !reflect.DeepEqual(got, want) {
		t.Errorf("data input = %#v, want %#v", got, want)
	}

	items := wf.Loops["each"].ForEachItems
	if items.Kind != graph.DistributionMapping || len(items.Pairs) != 2 {
		t.Errorf("forEachItems = %+v, want two-entry mapping", items)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeWorkflow(t, t.TempDir(), "ignored.json", `{
		"id": "wf-json",
		"blocks": [{"id": "start", "type": "starter"}],
		"connections": []
	}`)
	wf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if wf.ID != "wf-json" {
		t.Errorf("ID = %q, want declared id kept", wf.ID)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(dir, "nope.yaml"), os.ErrNotExist},
		{"extension", writeWorkflow(t, dir, "wf.toml", "id = 1"), ErrUnsupportedFormat},
		{"malformed json", writeWorkflow(t, dir, "bad.json", "{"), ErrMalformed},
		{"malformed yaml", writeWorkflow(t, dir, "bad.yaml", "blocks: [\n"), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
