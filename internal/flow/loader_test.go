package flow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/dragonflow"
)

const webFlow = `
id: web
inputs:
  url: {type: string}
  words: {type: int, default: 20}
outputs:
  summary: {reference: "${summarize.output}"}
nodes:
  - name: summarize
    source: {type: package, ref: builtin.summarize}
    inputs:
      text: "${fetch.output}"
      max_words: "${inputs.words}"
  - name: fetch
    source: {type: package, ref: builtin.fetch}
    inputs: {url: "${inputs.url}"}
    enable_cache: true
  - name: classify
    source: {type: script, path: scripts/classify.py}
    inputs: {text: "${fetch.output}"}
    activate: {when: "${fetch.output}", is: ""}
  - name: report
    aggregation: true
    source: {ref: builtin.count_statuses}
    inputs: {line_statuses: "${summarize.output}"}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "web.yaml", webFlow)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	order := f.Order()
	if order[0] != "fetch" {
		t.Fatalf("expected fetch first, got %v", order)
	}
	n, _ := f.Node("summarize")
	if n.Inputs["text"].Kind != dragonflow.BindingNodeOutput || n.Inputs["text"].Ref != "fetch" {
		t.Fatalf("unexpected binding %+v", n.Inputs["text"])
	}
	if n.Inputs["max_words"].Kind != dragonflow.BindingFlowInput {
		t.Fatalf("unexpected binding %+v", n.Inputs["max_words"])
	}
	c, _ := f.Node("classify")
	if c.Source.Ref != filepath.Join(filepath.Dir(path), "scripts/classify.py") {
		t.Fatalf("script path not resolved: %s", c.Source.Ref)
	}
	if c.Activate == nil || c.Activate.When.Ref != "fetch" {
		t.Fatalf("activate not parsed: %+v", c.Activate)
	}
	if !f.Inputs["words"].HasDefault || f.Inputs["url"].HasDefault {
		t.Fatalf("unexpected input defaults %+v", f.Inputs)
	}
	if len(f.AggregationNodes()) != 1 {
		t.Fatal("expected one aggregation node")
	}
}

func TestLoad_JSON(t *testing.T) {
	body := `{"nodes":[{"name":"a","source":{"type":"inline","expression":"x + 1"},"inputs":{"x":1}}]}`
	f, err := Load(writeFile(t, "calc.json", body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.ID != "calc" {
		t.Fatalf("expected id from file name, got %q", f.ID)
	}
}

func TestLoad_Tools(t *testing.T) {
	body := webFlow + `
tools:
  - name: lookup
    description: Fetch a page
    source: {type: package, ref: builtin.fetch}
  - name: tag
    source: {type: script, path: scripts/tag.py}
`
	path := writeFile(t, "web.yaml", body)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %+v", f.Tools)
	}
	if f.Tools[0].Name != "lookup" || f.Tools[0].Description != "Fetch a page" || f.Tools[0].Source.Kind != dragonflow.ToolKindPackage {
		t.Fatalf("unexpected tool %+v", f.Tools[0])
	}
	if f.Tools[1].Source.Ref != filepath.Join(filepath.Dir(path), "scripts/tag.py") {
		t.Fatalf("tool script path not resolved: %s", f.Tools[1].Source.Ref)
	}
	if _, ok := f.Node("lookup"); ok {
		t.Fatal("flow tools must not become nodes")
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"cycle", `
id: c
nodes:
  - {name: a, source: {ref: x}, inputs: {v: "${b.output}"}}
  - {name: b, source: {ref: x}, inputs: {v: "${a.output}"}}
`},
		{"missing node", `
id: m
nodes:
  - {name: a, source: {ref: x}, inputs: {v: "${ghost.output}"}}
`},
		{"duplicate", `
id: d
nodes:
  - {name: a, source: {ref: x}}
  - {name: a, source: {ref: x}}
`},
		{"unknown field", `
id: u
nodes:
  - {name: a, source: {ref: x}, retries: 3}
`},
		{"undeclared input", `
id: i
inputs: {a: {type: string}}
nodes:
  - {name: a, source: {ref: x}, inputs: {v: "${inputs.b}"}}
`},
		{"bad output", `
id: o
outputs: {x: {reference: "literal"}}
nodes:
  - {name: a, source: {ref: x}}
`},
		{"literal activate", `
id: l
nodes:
  - {name: a, source: {ref: x}, activate: {when: true, is: true}}
`},
		{"unnamed tool", `
id: t
nodes:
  - {name: a, source: {ref: x}}
tools:
  - {source: {ref: x}}
`},
		{"duplicate tool", `
id: t
nodes:
  - {name: a, source: {ref: x}}
tools:
  - {name: t, source: {ref: x}}
  - {name: t, source: {ref: y}}
`},
		{"step consumes aggregation", `
id: s
nodes:
  - {name: agg, aggregation: true, source: {ref: x}}
  - {name: a, source: {ref: x}, inputs: {v: "${agg.output}"}}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "flow.yaml", tt.body))
			if !dragonflow.HasCode(err, dragonflow.ErrCodeFlowValidation) {
				t.Fatalf("expected flow validation error, got %v", err)
			}
		})
	}
}
