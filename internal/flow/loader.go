// Package flow loads flow definitions from YAML or JSON files.
package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/dragonflow"
)

// File is the on-disk shape of a flow.
//
//	id: web-classification
//	inputs:
//	  url: {type: string}
//	outputs:
//	  summary: {reference: "${summarize.output}"}
//	nodes:
//	  - name: fetch
//	    source: {type: package, ref: builtin.fetch}
//	    inputs: {url: "${inputs.url}"}
//	    enable_cache: true
//	tools:
//	  - name: lookup
//	    description: Look a term up
//	    source: {type: package, ref: builtin.fetch}
type File struct {
	ID          string                `yaml:"id" json:"id"`
	Name        string                `yaml:"name" json:"name"`
	Description string                `yaml:"description" json:"description"`
	Inputs      map[string]InputDecl  `yaml:"inputs" json:"inputs"`
	Outputs     map[string]OutputDecl `yaml:"outputs" json:"outputs"`
	Nodes       []NodeDecl            `yaml:"nodes" json:"nodes"`
	Tools       []ToolDecl            `yaml:"tools" json:"tools"`
}

// InputDecl declares a flow input.
type InputDecl struct {
	Type    string `yaml:"type" json:"type"`
	Default any    `yaml:"default" json:"default"`
}

// OutputDecl maps a flow output to a node output.
type OutputDecl struct {
	Type      string `yaml:"type" json:"type"`
	Reference string `yaml:"reference" json:"reference"`
}

// SourceDecl declares where a node's tool comes from.
type SourceDecl struct {
	Type       string      `yaml:"type" json:"type"`
	Ref        string      `yaml:"ref" json:"ref"`
	Path       string      `yaml:"path" json:"path"`
	Expression string      `yaml:"expression" json:"expression"`
	Params     []ParamDecl `yaml:"params" json:"params"`
}

// ParamDecl overrides or declares a tool parameter.
type ParamDecl struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Default     any    `yaml:"default" json:"default"`
	Description string `yaml:"description" json:"description"`
}

// ActivateDecl gates a node on an upstream value.
type ActivateDecl struct {
	When any `yaml:"when" json:"when"`
	Is   any `yaml:"is" json:"is"`
}

// NodeDecl is one node of a flow file.
type NodeDecl struct {
	Name        string         `yaml:"name" json:"name"`
	Source      SourceDecl     `yaml:"source" json:"source"`
	Inputs      map[string]any `yaml:"inputs" json:"inputs"`
	Activate    *ActivateDecl  `yaml:"activate" json:"activate"`
	Aggregation bool           `yaml:"aggregation" json:"aggregation"`
	EnableCache bool           `yaml:"enable_cache" json:"enable_cache"`
}

// ToolDecl declares a tool callable by name instead of by the graph.
type ToolDecl struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Source      SourceDecl `yaml:"source" json:"source"`
}

// Loader decodes a flow file in one format.
type Loader interface {
	Decode(data []byte) (*File, error)
	Format() string
}

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
)

// RegisterLoader registers a loader for the file extensions matching its format.
func RegisterLoader(l Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	loaders[l.Format()] = l
}

// GetLoader returns the loader for a format name such as "yaml".
func GetLoader(format string) (Loader, bool) {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	l, ok := loaders[format]
	return l, ok
}

// YAMLLoader decodes YAML flow files.
type YAMLLoader struct{}

func (YAMLLoader) Decode(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse flow YAML: %w", err)
	}
	return &f, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader decodes JSON flow files.
type JSONLoader struct{}

func (JSONLoader) Decode(data []byte) (*File, error) {
	var f File
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse flow JSON: %w", err)
	}
	return &f, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterLoader(YAMLLoader{})
	RegisterLoader(JSONLoader{})
}

// FormatOf maps a file extension to a loader format.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// LoadFile reads and decodes a flow file without validating it.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dragonflow.NewFlowValidationError(fmt.Sprintf("failed to open flow file %s", path), err)
	}
	format := FormatOf(path)
	l, ok := GetLoader(format)
	if !ok {
		return nil, dragonflow.NewFlowValidationError(fmt.Sprintf("no %s flow loader registered", format), nil)
	}
	f, err := l.Decode(data)
	if err != nil {
		return nil, dragonflow.NewFlowValidationError(fmt.Sprintf("cannot decode %s", path), err)
	}
	if f.ID == "" {
		f.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return f, nil
}

// Load reads, validates and builds the flow at path. Relative script paths in
// the file are resolved against the file's directory.
func Load(path string) (*dragonflow.Flow, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return f.Build(filepath.Dir(path))
}

// Build converts the file into a validated flow.
func (f *File) Build(baseDir string) (*dragonflow.Flow, error) {
	inputs := make(map[string]dragonflow.FlowInput, len(f.Inputs))
	for name, in := range f.Inputs {
		if !dragonflow.KnownType(in.Type) {
			return nil, dragonflow.NewFlowValidationError(fmt.Sprintf("flow input '%s' has unknown type '%s'", name, in.Type), nil)
		}
		inputs[name] = dragonflow.FlowInput{Type: in.Type, Default: in.Default, HasDefault: in.Default != nil}
	}
	outputs := make(map[string]dragonflow.FlowOutput, len(f.Outputs))
	for name, out := range f.Outputs {
		b := dragonflow.ParseBinding(out.Reference)
		if b.Kind != dragonflow.BindingNodeOutput {
			return nil, dragonflow.NewFlowValidationError(fmt.Sprintf("flow output '%s' must reference a node output, got %q", name, out.Reference), nil)
		}
		outputs[name] = dragonflow.FlowOutput{Reference: b}
	}
	nodes := make([]dragonflow.Node, 0, len(f.Nodes))
	for _, decl := range f.Nodes {
		n, err := decl.node(baseDir)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(f.Inputs) == 0 {
		inputs = nil
	}
	defs, err := f.tools(baseDir)
	if err != nil {
		return nil, err
	}
	built, err := dragonflow.NewFlow(f.ID, f.Name, inputs, outputs, nodes)
	if err != nil {
		return nil, err
	}
	built.Tools = defs
	return built, nil
}

func (f *File) tools(baseDir string) ([]dragonflow.ToolDefinition, error) {
	var defs []dragonflow.ToolDefinition
	seen := make(map[string]bool, len(f.Tools))
	for _, decl := range f.Tools {
		if decl.Name == "" {
			return nil, dragonflow.NewFlowValidationError("flow tool has no name", nil)
		}
		if seen[decl.Name] {
			return nil, dragonflow.NewFlowValidationError(fmt.Sprintf("duplicate flow tool '%s'", decl.Name), nil)
		}
		seen[decl.Name] = true
		src, err := decl.Source.source(decl.Name, baseDir)
		if err != nil {
			return nil, err
		}
		defs = append(defs, dragonflow.ToolDefinition{Name: decl.Name, Description: decl.Description, Source: src})
	}
	return defs, nil
}

func (d NodeDecl) node(baseDir string) (dragonflow.Node, error) {
	n := dragonflow.Node{
		Name:        d.Name,
		Type:        dragonflow.NodeTypeStep,
		Inputs:      make(map[string]dragonflow.InputBinding, len(d.Inputs)),
		EnableCache: d.EnableCache,
	}
	if d.Aggregation {
		n.Type = dragonflow.NodeTypeAggregation
	}
	src, err := d.Source.source(d.Name, baseDir)
	if err != nil {
		return n, err
	}
	n.Source = src
	names := make([]string, 0, len(d.Inputs))
	for k := range d.Inputs {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		n.Inputs[k] = dragonflow.ParseBinding(d.Inputs[k])
	}
	if d.Activate != nil {
		when := dragonflow.ParseBinding(d.Activate.When)
		if when.Kind == dragonflow.BindingLiteral {
			return n, dragonflow.NewFlowValidationError(fmt.Sprintf("node '%s' activate.when must be a reference", d.Name), nil)
		}
		n.Activate = &dragonflow.ActivateConfig{When: when, Is: d.Activate.Is}
	}
	return n, nil
}

func (s SourceDecl) source(node, baseDir string) (dragonflow.ToolSource, error) {
	src := dragonflow.ToolSource{
		Kind:       dragonflow.ToolKind(s.Type),
		Ref:        s.Ref,
		Expression: s.Expression,
	}
	switch src.Kind {
	case "", dragonflow.ToolKindPackage:
		src.Kind = dragonflow.ToolKindPackage
	case dragonflow.ToolKindScript:
		if src.Ref == "" {
			src.Ref = s.Path
		}
		if src.Ref != "" && !filepath.IsAbs(src.Ref) && baseDir != "" {
			src.Ref = filepath.Join(baseDir, src.Ref)
		}
	case dragonflow.ToolKindInline, dragonflow.ToolKindPrompt:
	default:
		return src, dragonflow.NewFlowValidationError(fmt.Sprintf("node '%s' has unknown source type '%s'", node, s.Type), nil)
	}
	for _, p := range s.Params {
		if !dragonflow.KnownType(p.Type) {
			return src, dragonflow.NewFlowValidationError(fmt.Sprintf("node '%s' param '%s' has unknown type '%s'", node, p.Name, p.Type), nil)
		}
		src.Params = append(src.Params, dragonflow.ParamSpec{
			Name:        p.Name,
			Type:        p.Type,
			Default:     p.Default,
			HasDefault:  p.Default != nil,
			Description: p.Description,
		})
	}
	return src, nil
}
