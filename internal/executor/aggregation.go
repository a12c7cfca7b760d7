package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// LineStatusesInput is the reserved aggregation input holding the status of
// every line, ordered by line index. It is passed to aggregation tools that
// declare it and do not bind it explicitly.
const LineStatusesInput = "line_statuses"

// ExecuteAggregation runs the aggregation nodes once over the collected line
// results. Every step output an aggregation node consumes is presented as a
// list ordered by line index, with nil for lines that did not produce it.
func (e *Executor) ExecuteAggregation(ctx context.Context, flowRunID string, lines []*dragonflow.LineResult) *dragonflow.AggregationResult {
	result := &dragonflow.AggregationResult{
		Output:       map[string]any{},
		NodeRunInfos: map[string]*dragonflow.NodeRunInfo{},
	}
	nodes := e.flow.AggregationNodes()
	if len(nodes) == 0 {
		return result
	}
	ctx, span := e.tracer.Start(ctx, "dragonflow.aggregation", trace.WithAttributes(
		attribute.String("flow.id", e.flow.ID),
		attribute.String("run.id", flowRunID),
		attribute.Int("lines", len(lines)),
	))
	defer span.End()
	log := e.log.WithFields(logging.Fields(logging.FieldFlowID, e.flow.ID, logging.FieldRunID, flowRunID))
	start := time.Now()

	st := newState(flowRunID, "", 0, nil)
	st.aggregation = true
	st.columns = columns(lines)
	e.schedule(ctx, st, nodes, log)

	result.NodeRunInfos = st.runs
	for _, n := range nodes {
		if run, ok := st.runs[n.Name]; ok && run.Status == dragonflow.StatusCompleted {
			result.Output[n.Name] = run.Output
		} else {
			result.Output[n.Name] = nil
		}
	}
	result.Metrics = nodeCounts(st.runs)
	result.Metrics["lines"] = len(lines)

	if e.runs != nil {
		e.persist(ctx, "persist_aggregation", func(ctx context.Context) error {
			return e.runs.PersistAggregation(ctx, flowRunID, result)
		})
	}
	e.publish(ctx, eventbus.EventAggregationCompleted, result, map[string]interface{}{"run_id": flowRunID})
	log.Debug("Aggregation finished", logging.Fields(logging.FieldDuration, time.Since(start).Milliseconds()))
	return result
}

// columns pivots per-line aggregation inputs into index-ordered lists.
func columns(lines []*dragonflow.LineResult) map[string][]any {
	sorted := make([]*dragonflow.LineResult, 0, len(lines))
	for _, l := range lines {
		if l != nil {
			sorted = append(sorted, l)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	keys := map[string]struct{}{}
	for _, l := range sorted {
		for k := range l.AggregationInputs {
			keys[k] = struct{}{}
		}
	}
	cols := make(map[string][]any, len(keys)+1)
	for k := range keys {
		col := make([]any, len(sorted))
		for i, l := range sorted {
			col[i] = l.AggregationInputs[k]
		}
		cols[k] = col
	}
	statuses := make([]any, len(sorted))
	for i, l := range sorted {
		statuses[i] = string(l.Status)
	}
	cols[LineStatusesInput] = statuses
	return cols
}

// NodeRequest runs a single node outside of a line. Upstream supplies the
// outputs of the nodes it depends on.
type NodeRequest struct {
	RunID    string
	Node     string
	Inputs   map[string]any
	Upstream map[string]any
}

// ExecuteNode runs one step node. Missing flow inputs fall back to their
// declared defaults; missing upstream outputs fail the node.
func (e *Executor) ExecuteNode(ctx context.Context, req NodeRequest) (*dragonflow.NodeRunInfo, error) {
	node, ok := e.flow.Node(req.Node)
	if !ok {
		return nil, dragonflow.NewValidationError("execute", fmt.Sprintf("flow '%s' has no node '%s'", e.flow.ID, req.Node), nil)
	}
	if node.IsAggregation() {
		return nil, dragonflow.NewValidationError("execute", fmt.Sprintf("node '%s' is an aggregation node", req.Node), nil)
	}
	inputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	for name, decl := range e.flow.Inputs {
		if _, ok := inputs[name]; !ok && decl.HasDefault {
			inputs[name] = decl.Default
		}
	}
	st := newState(req.RunID, "", 0, inputs)
	now := time.Now()
	for name, out := range req.Upstream {
		st.runs[name] = &dragonflow.NodeRunInfo{
			RunID:     dragonflow.NodeRunID(req.RunID, name, 0),
			Node:      name,
			FlowRunID: req.RunID,
			Status:    dragonflow.StatusCompleted,
			Output:    out,
			StartTime: now,
			EndTime:   now,
		}
	}
	for _, dep := range node.Dependencies() {
		if _, ok := st.runs[dep]; !ok {
			return nil, dragonflow.NewArgResolutionError("execute", node.Name, dep, fmt.Errorf("upstream output of '%s' not supplied", dep))
		}
	}
	log := e.log.WithFields(logging.Fields(logging.FieldFlowID, e.flow.ID, logging.FieldRunID, req.RunID))
	e.runNode(ctx, st, node, log)
	return st.runs[node.Name], nil
}
