package dragonflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flow is an immutable, validated graph of nodes. The topological order is
// computed once by NewFlow and shared by every line executed against it.
type Flow struct {
	ID      string                `json:"id"`
	Name    string                `json:"name,omitempty"`
	Inputs  map[string]FlowInput  `json:"inputs,omitempty"`
	Outputs map[string]FlowOutput `json:"outputs,omitempty"`
	Nodes   []Node                `json:"nodes"`

	// Tools are not part of the graph; they are registered with the engine's
	// invoker.
	Tools []ToolDefinition `json:"tools,omitempty"`

	index      map[string]int
	order      []string
	levels     [][]string
	dependents map[string][]string
}

// NewFlow validates the node set and caches its topological order. Duplicate
// names, unknown references, steps depending on aggregation nodes and cycles
// are rejected here, before any line runs.
func NewFlow(id, name string, inputs map[string]FlowInput, outputs map[string]FlowOutput, nodes []Node) (*Flow, error) {
	f := &Flow{
		ID:      id,
		Name:    name,
		Inputs:  inputs,
		Outputs: outputs,
		Nodes:   nodes,
	}
	if err := f.build(); err != nil {
		return nil, err
	}
	return f, nil
}

// DecodeFlow rebuilds a Flow from its JSON snapshot.
func DecodeFlow(data []byte) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, NewFlowValidationError("cannot decode flow snapshot", err)
	}
	if err := f.build(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Flow) build() error {
	if f.ID == "" {
		return NewFlowValidationError("flow id is required", nil)
	}
	if len(f.Nodes) == 0 {
		return NewFlowValidationError(fmt.Sprintf("flow '%s' has no nodes", f.ID), nil)
	}
	f.index = make(map[string]int, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.Name == "" {
			return NewFlowValidationError(fmt.Sprintf("node %d has no name", i), nil)
		}
		if _, exists := f.index[n.Name]; exists {
			return NewFlowValidationError(fmt.Sprintf("duplicate node name found: %s", n.Name), nil)
		}
		if n.Type == "" {
			n.Type = NodeTypeStep
		}
		f.index[n.Name] = i
	}

	inDegree := make(map[string]int, len(f.Nodes))
	f.dependents = make(map[string][]string, len(f.Nodes))
	for i := range f.Nodes {
		n := &f.Nodes[i]
		inDegree[n.Name] += 0
		for _, b := range n.Inputs {
			if b.Kind == BindingFlowInput && f.Inputs != nil {
				if _, ok := f.Inputs[b.Ref]; !ok {
					return NewFlowValidationError(fmt.Sprintf("node '%s' references undeclared flow input '%s'", n.Name, b.Ref), nil)
				}
			}
		}
		for _, dep := range n.Dependencies() {
			di, ok := f.index[dep]
			if !ok {
				return NewFlowValidationError(fmt.Sprintf("node '%s' depends on missing node '%s'", n.Name, dep), nil)
			}
			if !n.IsAggregation() && f.Nodes[di].IsAggregation() {
				return NewFlowValidationError(fmt.Sprintf("step node '%s' cannot consume aggregation node '%s'", n.Name, dep), nil)
			}
			inDegree[n.Name]++
			f.dependents[dep] = append(f.dependents[dep], n.Name)
		}
	}
	for _, name := range sortedKeys(f.Outputs) {
		ref := f.Outputs[name].Reference
		if ref.Kind != BindingNodeOutput {
			return NewFlowValidationError(fmt.Sprintf("flow output '%s' must reference a node output, got %s", name, ref), nil)
		}
		if _, ok := f.index[ref.Ref]; !ok {
			return NewFlowValidationError(fmt.Sprintf("flow output '%s' references missing node '%s'", name, ref.Ref), nil)
		}
	}

	// Kahn's algorithm; nodes keep declaration order inside a level.
	var queue []string
	for i := range f.Nodes {
		if inDegree[f.Nodes[i].Name] == 0 {
			queue = append(queue, f.Nodes[i].Name)
		}
	}
	f.order = f.order[:0]
	f.levels = nil
	for len(queue) > 0 {
		f.levels = append(f.levels, queue)
		f.order = append(f.order, queue...)
		var next []string
		for _, name := range queue {
			for _, dep := range f.dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.SliceStable(next, func(a, b int) bool { return f.index[next[a]] < f.index[next[b]] })
		queue = next
	}
	if len(f.order) != len(f.Nodes) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return NewFlowValidationError(fmt.Sprintf("cycle detected in flow '%s' among nodes %v", f.ID, stuck), nil)
	}
	return nil
}

// Node returns the node with the given name.
func (f *Flow) Node(name string) (*Node, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return &f.Nodes[i], true
}

// Order returns the cached topological order of every node.
func (f *Flow) Order() []string { return f.order }

// Levels groups nodes so that every node only depends on earlier levels.
func (f *Flow) Levels() [][]string { return f.levels }

// Dependents returns the nodes that consume name's output directly.
func (f *Flow) Dependents(name string) []string { return f.dependents[name] }

// StepNodes returns the per-line nodes in topological order.
func (f *Flow) StepNodes() []*Node { return f.filter(false) }

// AggregationNodes returns the batch-wide nodes in topological order.
func (f *Flow) AggregationNodes() []*Node { return f.filter(true) }

func (f *Flow) filter(aggregation bool) []*Node {
	var out []*Node
	for _, name := range f.order {
		n := &f.Nodes[f.index[name]]
		if n.IsAggregation() == aggregation {
			out = append(out, n)
		}
	}
	return out
}

// TransitiveDependents returns every node reachable from name.
func (f *Flow) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(string)
	walk = func(n string) {
		for _, d := range f.dependents[n] {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				walk(d)
			}
		}
	}
	walk(name)
	return out
}

// ExtractField walks a dotted path through maps and slices.
func ExtractField(v any, path string) (any, error) {
	if path == "" || path == "*" {
		return v, nil
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[part]
			if !ok {
				return nil, fmt.Errorf("field '%s' not found", part)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("invalid array index '%s' (array length: %d)", part, len(t))
			}
			cur = t[idx]
		default:
			return nil, fmt.Errorf("cannot extract field '%s' from %T", part, cur)
		}
	}
	return cur, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
