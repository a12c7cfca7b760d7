// Package executor runs the nodes of one flow for a single line, for a set
// of lines' aggregation nodes, or for one node in isolation.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/bridge"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

const tracerName = "github.com/ZanzyTHEbar/dragonflow/internal/executor"

// Executor executes one flow with its resolved tools. It is safe for
// concurrent use by many lines.
type Executor struct {
	flow  *dragonflow.Flow
	tools map[string]*dragonflow.ResolvedTool

	bridge      *bridge.Bridge
	ownsBridge  bool
	cache       *cache.Manager
	runs        dragonflow.RunStorage
	events      eventbus.Publisher
	recorder    Recorder
	storePolicy retry.Policy
	maxWorkers  int
	slowAfter   time.Duration
	log         *logging.Logger
	tracer      trace.Tracer

	metrics ExecutorMetrics
}

// ExecutorOption represents an option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithBridge shares a bridge between executors.
func WithBridge(b *bridge.Bridge) ExecutorOption {
	return func(e *Executor) { e.bridge = b }
}

// WithCache enables caching for nodes with enable_cache.
func WithCache(m *cache.Manager) ExecutorOption {
	return func(e *Executor) { e.cache = m }
}

// WithRunStorage sets the sink node runs and line results are persisted to.
func WithRunStorage(s dragonflow.RunStorage) ExecutorOption {
	return func(e *Executor) { e.runs = s }
}

// WithEvents sets the publisher for lifecycle events.
func WithEvents(p eventbus.Publisher) ExecutorOption {
	return func(e *Executor) { e.events = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithStoragePolicy sets the retry policy around run storage calls.
func WithStoragePolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) { e.storePolicy = p }
}

// WithMaxWorkers bounds how many nodes of one line run at once.
func WithMaxWorkers(n int) ExecutorOption {
	return func(e *Executor) { e.maxWorkers = n }
}

// WithLongRunningInterval sets how often a still-running node logs a warning.
// Zero disables the warning.
func WithLongRunningInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.slowAfter = d }
}

// WithLogger sets the executor logger.
func WithLogger(log *logging.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log.WithComponent("executor") }
}

// New creates an executor for flow. tools must hold a resolved tool for
// every node, as returned by Resolver.ResolveFlow.
func New(flow *dragonflow.Flow, tools map[string]*dragonflow.ResolvedTool, options ...ExecutorOption) (*Executor, error) {
	if flow == nil {
		return nil, dragonflow.NewConfigurationError("executor requires a flow", nil)
	}
	for _, name := range flow.Order() {
		if tools[name] == nil {
			return nil, dragonflow.NewToolResolutionError(name, "no resolved tool supplied", nil)
		}
	}
	e := &Executor{
		flow:        flow,
		tools:       tools,
		events:      eventbus.Nop{},
		recorder:    nopRecorder{},
		storePolicy: retry.Policy{Tries: 3, Delay: 100 * time.Millisecond, Backoff: 2},
		maxWorkers:  8,
		slowAfter:   60 * time.Second,
		log:         logging.Nop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, option := range options {
		option(e)
	}
	if e.bridge == nil {
		e.bridge = bridge.New(bridge.DefaultBlockingSlots, bridge.WithLogger(e.log))
		e.ownsBridge = true
	}
	if e.maxWorkers <= 0 {
		e.maxWorkers = 1
	}
	return e, nil
}

// Flow returns the flow the executor runs.
func (e *Executor) Flow() *dragonflow.Flow { return e.flow }

// Metrics returns a snapshot of the node counters.
func (e *Executor) Metrics() ExecutorMetrics { return e.metrics.Copy() }

// Close waits for outstanding tool calls when the executor owns its bridge.
func (e *Executor) Close() {
	if e.ownsBridge {
		e.bridge.Close()
	}
}

// LineRequest is one row to execute.
type LineRequest struct {
	RunID       string
	Index       int
	Inputs      map[string]any
	ParentRunID string
}

// ExecuteLine runs every step node of the flow for one row. Node failures
// stay in the result; the returned LineResult is never nil.
func (e *Executor) ExecuteLine(ctx context.Context, req LineRequest) *dragonflow.LineResult {
	ctx, span := e.tracer.Start(ctx, "dragonflow.line", trace.WithAttributes(
		attribute.String("flow.id", e.flow.ID),
		attribute.String("run.id", req.RunID),
		attribute.Int("line.index", req.Index),
	))
	defer span.End()

	log := e.log.WithFields(logging.Fields(logging.FieldFlowID, e.flow.ID, logging.FieldRunID, req.RunID, logging.FieldLine, req.Index))
	result := &dragonflow.LineResult{
		RunID:        req.RunID,
		Index:        req.Index,
		Status:       dragonflow.StatusRunning,
		Output:       map[string]any{},
		NodeRunInfos: map[string]*dragonflow.NodeRunInfo{},
		StartTime:    time.Now(),
	}
	e.publish(ctx, eventbus.EventLineStarted, result, nil)

	inputs, err := e.flowInputs(req.Inputs)
	if err != nil {
		result = dragonflow.FailedLineResult(req.RunID, req.Index, dragonflow.StatusFailed, err)
		e.finishLine(ctx, span, log, result)
		return result
	}

	st := newState(req.RunID, req.ParentRunID, req.Index, inputs)
	e.schedule(ctx, st, e.flow.StepNodes(), log)

	result.NodeRunInfos = st.runs
	result.Status, result.Error = e.lineStatus(ctx, st)
	result.Output = e.lineOutputs(st)
	result.AggregationInputs = e.aggregationInputs(st)
	result.EndTime = time.Now()
	e.finishLine(ctx, span, log, result)
	return result
}

func (e *Executor) finishLine(ctx context.Context, span trace.Span, log *logging.Logger, result *dragonflow.LineResult) {
	if result.EndTime.IsZero() {
		result.EndTime = time.Now()
	}
	span.SetAttributes(attribute.String("line.status", string(result.Status)))
	if result.Status != dragonflow.StatusCompleted {
		span.SetStatus(codes.Error, string(result.Status))
	}
	if e.runs != nil {
		e.persist(ctx, "persist_line", func(ctx context.Context) error {
			return e.runs.PersistLineResult(ctx, result)
		})
	}
	evt := eventbus.EventLineCompleted
	if result.Status != dragonflow.StatusCompleted {
		evt = eventbus.EventLineFailed
	}
	e.publish(ctx, evt, result, map[string]interface{}{"run_id": result.RunID, "status": string(result.Status)})
	log.Debug("Line finished", logging.Fields(
		logging.FieldStatus, string(result.Status),
		logging.FieldDuration, result.EndTime.Sub(result.StartTime).Milliseconds(),
	))
}

// flowInputs applies declared defaults and rejects missing required inputs.
func (e *Executor) flowInputs(given map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(given))
	for k, v := range given {
		inputs[k] = v
	}
	for name, decl := range e.flow.Inputs {
		v, ok := inputs[name]
		if !ok {
			if decl.HasDefault {
				inputs[name] = decl.Default
				continue
			}
			return nil, dragonflow.NewValidationError("inputs", fmt.Sprintf("flow input '%s' is required", name), nil)
		}
		if err := dragonflow.CheckType(decl.Type, v); err != nil {
			return nil, dragonflow.NewValidationError("inputs", fmt.Sprintf("flow input '%s'", name), err)
		}
	}
	return inputs, nil
}

// schedule runs nodes as soon as their in-set dependencies have finished.
func (e *Executor) schedule(ctx context.Context, st *state, nodes []*dragonflow.Node, log *logging.Logger) {
	if len(nodes) == 0 {
		return
	}
	inSet := make(map[string]*dragonflow.Node, len(nodes))
	for _, n := range nodes {
		inSet[n.Name] = n
	}
	remaining := make(map[string]int, len(nodes))
	var ready []*dragonflow.Node
	for _, n := range nodes {
		for _, dep := range n.Dependencies() {
			if _, ok := inSet[dep]; ok {
				remaining[n.Name]++
			}
		}
		if remaining[n.Name] == 0 {
			ready = append(ready, n)
		}
	}

	p := pool.New().WithMaxGoroutines(e.maxWorkers)
	done := make(chan string, len(nodes))
	inflight := 0
	for len(ready) > 0 || inflight > 0 {
		for _, n := range ready {
			node := n
			inflight++
			p.Go(func() {
				e.runNode(ctx, st, node, log)
				done <- node.Name
			})
		}
		ready = ready[:0]
		name := <-done
		inflight--
		for _, dep := range e.flow.Dependents(name) {
			n, ok := inSet[dep]
			if !ok {
				continue
			}
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, n)
			}
		}
	}
	p.Wait()
}

// lineStatus fails the line when a node feeding a flow output failed or was
// bypassed because of a failure. Without declared outputs any node failure
// fails the line.
func (e *Executor) lineStatus(ctx context.Context, st *state) (dragonflow.Status, *dragonflow.ErrorDetail) {
	var producers []string
	if len(e.flow.Outputs) > 0 {
		seen := map[string]bool{}
		for _, name := range sortedKeys(e.flow.Outputs) {
			ref := e.flow.Outputs[name].Reference.Ref
			if !seen[ref] {
				seen[ref] = true
				producers = append(producers, ref)
			}
		}
	} else {
		for _, n := range e.flow.StepNodes() {
			producers = append(producers, n.Name)
		}
	}
	canceled := false
	for _, name := range producers {
		run, ok := st.runs[name]
		if !ok {
			continue
		}
		switch {
		case run.Status == dragonflow.StatusFailed:
			return dragonflow.StatusFailed, run.Error
		case run.Status == dragonflow.StatusBypassed && st.failBypass[name]:
			return dragonflow.StatusFailed, st.rootCause(e.flow, name)
		case run.Status == dragonflow.StatusCanceled:
			canceled = true
		}
	}
	if canceled || ctx.Err() != nil {
		return dragonflow.StatusCanceled, dragonflow.FromError(dragonflow.NewCancelledError("line", ctx.Err()))
	}
	return dragonflow.StatusCompleted, nil
}

func (e *Executor) lineOutputs(st *state) map[string]any {
	out := make(map[string]any, len(e.flow.Outputs))
	for name, o := range e.flow.Outputs {
		run, ok := st.runs[o.Reference.Ref]
		if !ok || run.Status != dragonflow.StatusCompleted {
			out[name] = nil
			continue
		}
		v, err := dragonflow.ExtractField(run.Output, o.Reference.Field)
		if err != nil {
			out[name] = nil
			continue
		}
		out[name] = v
	}
	return out
}

// aggregationInputs keeps the step outputs and flow inputs that aggregation
// nodes consume, so the lines can be reduced after crossing a process boundary.
func (e *Executor) aggregationInputs(st *state) map[string]any {
	aggs := e.flow.AggregationNodes()
	if len(aggs) == 0 {
		return nil
	}
	out := map[string]any{}
	for _, n := range aggs {
		for _, b := range n.Inputs {
			switch b.Kind {
			case dragonflow.BindingFlowInput:
				out[flowInputKey(b.Ref)] = st.inputs[b.Ref]
			case dragonflow.BindingNodeOutput:
				if run, ok := st.runs[b.Ref]; ok && run.Status == dragonflow.StatusCompleted {
					out[b.Ref] = run.Output
				} else if ok {
					out[b.Ref] = nil
				}
			}
		}
	}
	return out
}

func flowInputKey(name string) string { return "inputs." + name }

func (e *Executor) publish(ctx context.Context, typ eventbus.EventType, payload interface{}, meta map[string]interface{}) {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["flow_id"] = e.flow.ID
	if err := e.events.Publish(ctx, eventbus.NewEvent(typ, payload, "executor", meta)); err != nil && ctx.Err() == nil {
		e.log.Debug("Event not published", logging.Fields("event_type", string(typ), logging.FieldError, err))
	}
}

// persist writes to run storage detached from ctx cancellation so canceled
// lines are still recorded. Failures are logged.
func (e *Executor) persist(ctx context.Context, op string, fn func(ctx context.Context) error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := retry.DoErr(pctx, e.storePolicy, fn); err != nil {
		e.log.Warn("Run storage write failed", logging.Fields(logging.FieldError, dragonflow.NewStorageError(op, err)))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
