package dragonflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a node run or a line.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBypassed   Status = "bypassed"
	StatusCanceled   Status = "canceled"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBypassed, StatusCanceled:
		return true
	}
	return false
}

// NodeType separates per-line steps from batch-wide aggregation steps.
type NodeType string

const (
	NodeTypeStep        NodeType = "step"
	NodeTypeAggregation NodeType = "aggregation"
)

// BindingKind identifies where an input value comes from.
type BindingKind string

const (
	BindingLiteral    BindingKind = "literal"
	BindingFlowInput  BindingKind = "flow_input"
	BindingNodeOutput BindingKind = "node_output"
)

// InputBinding describes how one node input is produced.
type InputBinding struct {
	Kind  BindingKind `json:"kind" yaml:"kind"`
	Value any         `json:"value,omitempty" yaml:"value,omitempty"`
	Ref   string      `json:"ref,omitempty" yaml:"ref,omitempty"`     // flow input name or node name
	Field string      `json:"field,omitempty" yaml:"field,omitempty"` // optional field of a node output
}

// Literal returns a literal binding.
func Literal(v any) InputBinding { return InputBinding{Kind: BindingLiteral, Value: v} }

// FlowInputRef returns a binding to a flow input.
func FlowInputRef(name string) InputBinding { return InputBinding{Kind: BindingFlowInput, Ref: name} }

// NodeOutputRef returns a binding to a node output, optionally narrowed to a field.
func NodeOutputRef(node, field string) InputBinding {
	return InputBinding{Kind: BindingNodeOutput, Ref: node, Field: field}
}

var bindingRe = regexp.MustCompile(`^\$\{\s*([A-Za-z_][A-Za-z0-9_\-]*)\.([A-Za-z_][A-Za-z0-9_\-]*)((?:\.[A-Za-z0-9_\-]+)*)\s*\}$`)

// ParseBinding turns a textual flow value into a binding:
//
//	${data.<field>} / ${inputs.<field>}   flow input
//	${<node>.output[.<field>]}            node output
//
// Anything else is a literal.
func ParseBinding(v any) InputBinding {
	s, ok := v.(string)
	if !ok {
		return Literal(v)
	}
	m := bindingRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Literal(v)
	}
	head, second, rest := m[1], m[2], strings.TrimPrefix(m[3], ".")
	if head == "data" || head == "inputs" {
		return InputBinding{Kind: BindingFlowInput, Ref: second, Field: rest}
	}
	if second == "output" {
		return NodeOutputRef(head, rest)
	}
	return Literal(v)
}

// String renders the binding in its textual flow form.
func (b InputBinding) String() string {
	switch b.Kind {
	case BindingFlowInput:
		if b.Field != "" {
			return fmt.Sprintf("${data.%s.%s}", b.Ref, b.Field)
		}
		return fmt.Sprintf("${data.%s}", b.Ref)
	case BindingNodeOutput:
		if b.Field != "" {
			return fmt.Sprintf("${%s.output.%s}", b.Ref, b.Field)
		}
		return fmt.Sprintf("${%s.output}", b.Ref)
	default:
		return fmt.Sprintf("%v", b.Value)
	}
}

// ToolKind is the source category of a node's tool.
type ToolKind string

const (
	ToolKindPackage ToolKind = "package"
	ToolKindScript  ToolKind = "script"
	ToolKindInline  ToolKind = "inline"
	ToolKindPrompt  ToolKind = "prompt"
)

// ParamSpec declares one tool parameter.
type ParamSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // string, int, number, bool, array, object, any
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	HasDefault  bool   `json:"has_default,omitempty" yaml:"has_default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolSource is the declared origin of a node's tool.
type ToolSource struct {
	Kind       ToolKind    `json:"kind" yaml:"kind"`
	Ref        string      `json:"ref,omitempty" yaml:"ref,omitempty"` // qualified package name, script path or prompt name
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Params     []ParamSpec `json:"params,omitempty" yaml:"params,omitempty"`
}

// ToolDefinition declares a tool callable by name outside the node graph,
// typically by a model.
type ToolDefinition struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Source      ToolSource `json:"source" yaml:"source"`
}

// ActivateConfig gates a node: it runs only when When resolves to Is.
type ActivateConfig struct {
	When InputBinding `json:"when" yaml:"when"`
	Is   any          `json:"is" yaml:"is"`
}

// Node is one step of a flow.
type Node struct {
	Name        string                  `json:"name"`
	Type        NodeType                `json:"type,omitempty"`
	Source      ToolSource              `json:"source"`
	Inputs      map[string]InputBinding `json:"inputs,omitempty"`
	Activate    *ActivateConfig         `json:"activate,omitempty"`
	EnableCache bool                    `json:"enable_cache,omitempty"`
}

// IsAggregation reports whether the node runs once per batch.
func (n *Node) IsAggregation() bool { return n.Type == NodeTypeAggregation }

// Dependencies returns the names of nodes whose outputs n consumes.
func (n *Node) Dependencies() []string {
	seen := map[string]struct{}{}
	var deps []string
	add := func(b InputBinding) {
		if b.Kind != BindingNodeOutput {
			return
		}
		if _, ok := seen[b.Ref]; ok {
			return
		}
		seen[b.Ref] = struct{}{}
		deps = append(deps, b.Ref)
	}
	for _, name := range sortedKeys(n.Inputs) {
		add(n.Inputs[name])
	}
	if n.Activate != nil {
		add(n.Activate.When)
	}
	return deps
}

// FlowInput declares a flow-level input.
type FlowInput struct {
	Type       string `json:"type,omitempty"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"has_default,omitempty"`
}

// FlowOutput maps a flow output name to a node output.
type FlowOutput struct {
	Reference InputBinding `json:"reference"`
}

// NodeRunInfo records one node's execution for one line.
type NodeRunInfo struct {
	RunID           string         `json:"run_id"`
	Node            string         `json:"node"`
	FlowRunID       string         `json:"flow_run_id"`
	ParentRunID     string         `json:"parent_run_id,omitempty"`
	Index           int            `json:"index"`
	Status          Status         `json:"status"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Output          any            `json:"output,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           *ErrorDetail   `json:"error,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	CachedRunID     string         `json:"cached_run_id,omitempty"`
	CachedFlowRunID string         `json:"cached_flow_run_id,omitempty"`
}

// Duration returns the node's wall time.
func (r *NodeRunInfo) Duration() time.Duration {
	if r.StartTime.IsZero() || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// NodeRunID builds the id of a node run within a line.
func NodeRunID(flowRunID, node string, index int) string {
	return fmt.Sprintf("%s_%s_%d", flowRunID, node, index)
}

// AggregationRunID builds the id of an aggregation node run.
func AggregationRunID(flowRunID, node string) string {
	return fmt.Sprintf("%s_%s_reduce", flowRunID, node)
}

// LineResult is the outcome of one row.
type LineResult struct {
	RunID             string                  `json:"run_id"`
	Index             int                     `json:"index"`
	Status            Status                  `json:"status"`
	Output            map[string]any          `json:"output"`
	AggregationInputs map[string]any          `json:"aggregation_inputs,omitempty"`
	NodeRunInfos      map[string]*NodeRunInfo `json:"node_run_infos,omitempty"`
	Error             *ErrorDetail            `json:"error,omitempty"`
	StartTime         time.Time               `json:"start_time"`
	EndTime           time.Time               `json:"end_time"`
}

// FailedLineResult builds the result of a row that never produced node runs.
func FailedLineResult(runID string, index int, status Status, err error) *LineResult {
	now := time.Now()
	return &LineResult{
		RunID:     runID,
		Index:     index,
		Status:    status,
		Output:    map[string]any{},
		Error:     FromError(err),
		StartTime: now,
		EndTime:   now,
	}
}

// AggregationResult is the outcome of the aggregation nodes of a batch.
type AggregationResult struct {
	Output       map[string]any          `json:"output"`
	Metrics      map[string]any          `json:"metrics,omitempty"`
	NodeRunInfos map[string]*NodeRunInfo `json:"node_run_infos"`
}

// CacheRecord is a persisted result of a cache-enabled node run.
type CacheRecord struct {
	HashID      string    `json:"hash_id"`
	CacheString string    `json:"cache_string"`
	RunID       string    `json:"run_id"`
	FlowRunID   string    `json:"flow_run_id"`
	FlowID      string    `json:"flow_id"`
	Output      any       `json:"output"`
	ProducedAt  time.Time `json:"produced_at"`
}

// ExecutionContext carries cross-process metadata for a work item.
type ExecutionContext struct {
	TraceID string `json:"trace_id,omitempty"`
	// TraceParent is the W3C traceparent header of the submitting span.
	TraceParent   string            `json:"traceparent,omitempty"`
	TraceState    string            `json:"tracestate,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Deadline      time.Time         `json:"deadline,omitempty"`
}

// WorkItem is one row sent to a worker.
type WorkItem struct {
	RunID   string           `json:"run_id"`
	Index   int              `json:"index"`
	Inputs  map[string]any   `json:"inputs"`
	Context ExecutionContext `json:"context"`
}

// ResultEnvelope is a worker's answer to a WorkItem.
type ResultEnvelope struct {
	RunID  string       `json:"run_id"`
	Index  int          `json:"index"`
	Result *LineResult  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}
