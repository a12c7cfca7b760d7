package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// state is the mutable record of one line (or one aggregation pass).
type state struct {
	flowRunID   string
	parentRunID string
	index       int
	inputs      map[string]any

	// aggregation passes read step values from columns instead of runs.
	aggregation bool
	columns     map[string][]any

	mu         sync.Mutex
	runs       map[string]*dragonflow.NodeRunInfo
	failBypass map[string]bool
}

func newState(flowRunID, parentRunID string, index int, inputs map[string]any) *state {
	return &state{
		flowRunID:   flowRunID,
		parentRunID: parentRunID,
		index:       index,
		inputs:      inputs,
		runs:        map[string]*dragonflow.NodeRunInfo{},
		failBypass:  map[string]bool{},
	}
}

func (s *state) run(name string) (*dragonflow.NodeRunInfo, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[name]
	return r, s.failBypass[name], ok
}

func (s *state) record(run *dragonflow.NodeRunInfo, failBypass bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.Node] = run
	if failBypass {
		s.failBypass[run.Node] = true
	}
}

// rootCause walks failure bypasses back to the failed node.
func (s *state) rootCause(flow *dragonflow.Flow, name string) *dragonflow.ErrorDetail {
	seen := map[string]bool{}
	for !seen[name] {
		seen[name] = true
		run, ok := s.runs[name]
		if !ok {
			break
		}
		if run.Status == dragonflow.StatusFailed {
			return run.Error
		}
		node, ok := flow.Node(name)
		if !ok {
			break
		}
		next := ""
		for _, dep := range node.Dependencies() {
			if s.failBypass[dep] || (s.runs[dep] != nil && s.runs[dep].Status == dragonflow.StatusFailed) {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		name = next
	}
	if run, ok := s.runs[name]; ok {
		return run.Error
	}
	return nil
}

func (s *state) runID(node string) string {
	if s.aggregation {
		return dragonflow.AggregationRunID(s.flowRunID, node)
	}
	return dragonflow.NodeRunID(s.flowRunID, node, s.index)
}

// errUpstreamCanceled marks a node whose dependency was canceled.
var errUpstreamCanceled = errors.New("upstream node canceled")

// upstream checks the node's dependencies. It returns a non-nil run when the
// node must not execute.
func (e *Executor) upstream(st *state, node *dragonflow.Node, run *dragonflow.NodeRunInfo) (*dragonflow.NodeRunInfo, bool) {
	for _, dep := range node.Dependencies() {
		depRun, depFail, ok := st.run(dep)
		if !ok {
			continue
		}
		switch depRun.Status {
		case dragonflow.StatusFailed:
			return bypass(run, dep, true), true
		case dragonflow.StatusBypassed:
			if depFail {
				return bypass(run, dep, true), true
			}
		case dragonflow.StatusCanceled:
			run.Status = dragonflow.StatusCanceled
			run.Error = dragonflow.FromError(dragonflow.NewCancelledError("execute", fmt.Errorf("%w: %s", errUpstreamCanceled, dep)))
			return run, false
		}
	}
	return nil, false
}

func bypass(run *dragonflow.NodeRunInfo, dep string, failure bool) *dragonflow.NodeRunInfo {
	run.Status = dragonflow.StatusBypassed
	if failure {
		run.Error = dragonflow.FromError(dragonflow.NewError(dragonflow.ErrCodeUpstreamBypassed, "execute",
			fmt.Sprintf("dependency '%s' did not complete", dep), nil))
	}
	return run
}

// runNode executes one node and records its NodeRunInfo on st.
func (e *Executor) runNode(ctx context.Context, st *state, node *dragonflow.Node, log *logging.Logger) {
	tool := e.tools[node.Name]
	run := &dragonflow.NodeRunInfo{
		RunID:       st.runID(node.Name),
		Node:        node.Name,
		FlowRunID:   st.flowRunID,
		ParentRunID: st.parentRunID,
		Index:       st.index,
		Status:      dragonflow.StatusNotStarted,
		Metadata:    map[string]any{"tool": tool.QualifiedName},
		StartTime:   time.Now(),
	}
	log = log.WithFields(logging.Fields(logging.FieldNode, node.Name, logging.FieldTool, tool.QualifiedName))

	failBypass, cached := false, false
	finish := func() {
		if run.EndTime.IsZero() {
			run.EndTime = time.Now()
		}
		st.record(run, failBypass)
		e.afterNode(ctx, run, cached, log)
	}

	if ctx.Err() != nil {
		run.Status = dragonflow.StatusCanceled
		run.Error = dragonflow.FromError(dragonflow.NewCancelledError("execute", ctx.Err()))
		finish()
		return
	}
	if skipped, failed := e.upstream(st, node, run); skipped != nil {
		failBypass = failed
		finish()
		return
	}
	if node.Activate != nil {
		active, depFailed, err := e.activated(st, node)
		switch {
		case err != nil:
			run.Status = dragonflow.StatusFailed
			run.Error = dragonflow.FromError(dragonflow.NewArgResolutionError("activate", node.Name, "activate.when", err))
			finish()
			return
		case !active:
			failBypass = depFailed
			bypass(run, node.Activate.When.Ref, depFailed)
			run.Metadata["bypass_reason"] = "activate condition not met"
			finish()
			return
		}
	}

	inputs, err := e.resolveInputs(st, node, tool, log)
	if err != nil {
		run.Status = dragonflow.StatusFailed
		run.Error = dragonflow.FromError(err)
		finish()
		return
	}
	args, err := tool.BindArgs(inputs)
	if err != nil {
		run.Inputs = inputs
		run.Status = dragonflow.StatusFailed
		run.Error = dragonflow.FromError(err)
		finish()
		return
	}
	run.Inputs = args

	if node.EnableCache && e.cache != nil {
		if key, ok := e.cache.ComputeKey(e.flow.ID, tool, args); ok {
			rec, hit := e.cache.Lookup(ctx, key)
			e.recorder.ObserveCache(hit)
			if hit {
				cached = true
				run.Status = dragonflow.StatusCompleted
				run.Output = rec.Output
				run.CachedRunID = rec.RunID
				run.CachedFlowRunID = rec.FlowRunID
				run.Metadata["cache_hit"] = true
				finish()
				return
			}
			defer func() { e.cache.Store(ctx, key, run) }()
		}
	}

	e.invoke(ctx, st, node, tool, run, log)
	finish()
}

func (e *Executor) invoke(ctx context.Context, st *state, node *dragonflow.Node, tool *dragonflow.ResolvedTool, run *dragonflow.NodeRunInfo, log *logging.Logger) {
	ctx, span := e.tracer.Start(ctx, "dragonflow.node", trace.WithAttributes(
		attribute.String("node.name", node.Name),
		attribute.String("tool.name", tool.QualifiedName),
		attribute.String("run.id", run.RunID),
	))
	defer span.End()

	run.Status = dragonflow.StatusRunning
	run.StartTime = time.Now()
	e.publish(ctx, eventbus.EventNodeStarted, run, map[string]interface{}{"node": node.Name})
	stop := e.watchSlow(ctx, run, log)
	out, err := e.bridge.Call(ctx, tool, run.Inputs)
	stop()
	run.EndTime = time.Now()

	switch {
	case err == nil:
		run.Status = dragonflow.StatusCompleted
		run.Output = out
	case ctx.Err() != nil:
		run.Status = dragonflow.StatusCanceled
		run.Error = dragonflow.FromError(dragonflow.NewCancelledError("execute", ctx.Err()))
		span.SetStatus(codes.Error, "canceled")
	default:
		if !dragonflow.IsEngineError(err) {
			err = dragonflow.NewToolExecutionError("execute", tool.QualifiedName, err)
		}
		run.Status = dragonflow.StatusFailed
		run.Error = dragonflow.FromError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// watchSlow logs a warning every slowAfter while the node is still running.
func (e *Executor) watchSlow(ctx context.Context, run *dragonflow.NodeRunInfo, log *logging.Logger) func() {
	if e.slowAfter <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once
	started := run.StartTime
	go func() {
		ticker := time.NewTicker(e.slowAfter)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				elapsed := now.Sub(started)
				log.Warn("Node is still running", logging.Fields(logging.FieldDuration, elapsed.Milliseconds()))
				e.publish(ctx, eventbus.EventNodeSlow, nil, map[string]interface{}{"node": run.Node, "elapsed_ms": elapsed.Milliseconds()})
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (e *Executor) afterNode(ctx context.Context, run *dragonflow.NodeRunInfo, cached bool, log *logging.Logger) {
	e.metrics.observe(run, cached)
	e.recorder.ObserveNode(e.flow.ID, string(run.Status), run.Duration())
	if e.runs != nil {
		e.persist(ctx, "persist_node_run", func(ctx context.Context) error {
			return e.runs.PersistNodeRun(ctx, run)
		})
	}

	var evt eventbus.EventType
	switch {
	case cached:
		evt = eventbus.EventNodeCacheHit
	case run.Status == dragonflow.StatusCompleted:
		evt = eventbus.EventNodeCompleted
	case run.Status == dragonflow.StatusFailed:
		evt = eventbus.EventNodeFailed
		log.Warn("Node failed", logging.Fields(logging.FieldError, run.Error))
	case run.Status == dragonflow.StatusBypassed:
		evt = eventbus.EventNodeBypassed
	default:
		evt = eventbus.EventNodeCanceled
	}
	e.publish(ctx, evt, run, map[string]interface{}{"node": run.Node, "status": string(run.Status)})
	log.Debug("Node finished", logging.Fields(
		logging.FieldStatus, string(run.Status),
		logging.FieldDuration, run.Duration().Milliseconds(),
	))
}

// activated evaluates the node's activate condition. depFailed reports that
// the condition could not be evaluated because its source was bypassed by a
// failure.
func (e *Executor) activated(st *state, node *dragonflow.Node) (active, depFailed bool, err error) {
	when := node.Activate.When
	if when.Kind == dragonflow.BindingNodeOutput {
		if run, fail, ok := st.run(when.Ref); ok && run.Status != dragonflow.StatusCompleted {
			return false, fail, nil
		}
	}
	v, err := e.bindingValue(st, when)
	if err != nil {
		return false, false, err
	}
	return valuesEqual(v, node.Activate.Is), false, nil
}

// resolveInputs produces concrete values for the node's bindings. A value
// from a node bypassed by its activate condition becomes the parameter's
// default, or nil.
func (e *Executor) resolveInputs(st *state, node *dragonflow.Node, tool *dragonflow.ResolvedTool, log *logging.Logger) (map[string]any, error) {
	inputs := make(map[string]any, len(node.Inputs)+1)
	for _, name := range sortedKeys(node.Inputs) {
		b := node.Inputs[name]
		if b.Kind == dragonflow.BindingNodeOutput {
			if run, _, ok := st.run(b.Ref); ok && run.Status == dragonflow.StatusBypassed {
				if p, ok := tool.Param(name); ok && p.HasDefault {
					inputs[name] = p.Default
				} else {
					log.Warn("Input bound to a bypassed node resolves to nil", logging.Fields("input", name, "source", b.Ref))
					inputs[name] = nil
				}
				continue
			}
		}
		v, err := e.bindingValue(st, b)
		if err != nil {
			return nil, dragonflow.NewArgResolutionError("resolve", node.Name, name, err)
		}
		inputs[name] = v
	}
	if st.aggregation {
		if _, bound := node.Inputs[LineStatusesInput]; !bound {
			if _, declared := tool.Param(LineStatusesInput); declared {
				inputs[LineStatusesInput] = st.columns[LineStatusesInput]
			}
		}
	}
	return inputs, nil
}

func (e *Executor) bindingValue(st *state, b dragonflow.InputBinding) (any, error) {
	switch b.Kind {
	case dragonflow.BindingLiteral:
		return b.Value, nil
	case dragonflow.BindingFlowInput:
		if st.aggregation {
			return extractColumn(st.columns[flowInputKey(b.Ref)], b.Field), nil
		}
		v, ok := st.inputs[b.Ref]
		if !ok {
			return nil, fmt.Errorf("flow input '%s' not provided", b.Ref)
		}
		return dragonflow.ExtractField(v, b.Field)
	case dragonflow.BindingNodeOutput:
		if run, _, ok := st.run(b.Ref); ok {
			if run.Status != dragonflow.StatusCompleted {
				return nil, fmt.Errorf("node '%s' has no output (status %s)", b.Ref, run.Status)
			}
			return dragonflow.ExtractField(run.Output, b.Field)
		}
		if st.aggregation {
			if col, ok := st.columns[b.Ref]; ok {
				return extractColumn(col, b.Field), nil
			}
		}
		return nil, fmt.Errorf("node '%s' has not run", b.Ref)
	}
	return nil, fmt.Errorf("unknown binding kind '%s'", b.Kind)
}

func extractColumn(col []any, field string) []any {
	out := make([]any, len(col))
	for i, v := range col {
		if v == nil {
			continue
		}
		if x, err := dragonflow.ExtractField(v, field); err == nil {
			out[i] = x
		}
	}
	return out
}

// valuesEqual compares an activate value, treating every numeric type alike.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
