package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

type collector struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *collector) Publish(_ context.Context, evt eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) count(typ eventbus.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type() == typ {
			n++
		}
	}
	return n
}

func step(name, tool string, inputs map[string]dragonflow.InputBinding) dragonflow.Node {
	return dragonflow.Node{
		Name:   name,
		Source: dragonflow.ToolSource{Kind: dragonflow.ToolKindPackage, Ref: tool},
		Inputs: inputs,
	}
}

func mustFlow(t *testing.T, inputs map[string]dragonflow.FlowInput, outputs map[string]dragonflow.FlowOutput, nodes ...dragonflow.Node) *dragonflow.Flow {
	t.Helper()
	f, err := dragonflow.NewFlow("test-flow", "", inputs, outputs, nodes)
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f
}

func output(node string) dragonflow.FlowOutput {
	return dragonflow.FlowOutput{Reference: dragonflow.NodeOutputRef(node, "")}
}

// bind resolves every node to the FuncTool named by its source ref.
func bind(t *testing.T, f *dragonflow.Flow, fns ...*tools.FuncTool) map[string]*dragonflow.ResolvedTool {
	t.Helper()
	byName := map[string]*dragonflow.ResolvedTool{}
	for _, fn := range fns {
		byName[fn.Name()] = fn.Resolve()
	}
	out := map[string]*dragonflow.ResolvedTool{}
	for _, n := range f.Nodes {
		tool, ok := byName[n.Source.Ref]
		if !ok {
			t.Fatalf("no tool %q for node %q", n.Source.Ref, n.Name)
		}
		out[n.Name] = tool
	}
	return out
}

func newExecutor(t *testing.T, f *dragonflow.Flow, fns []*tools.FuncTool, opts ...ExecutorOption) *Executor {
	t.Helper()
	e, err := New(f, bind(t, f, fns...), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func num(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func doubler() *tools.FuncTool {
	return tools.NewFuncTool("test.double", func(_ context.Context, args map[string]any) (any, error) {
		return num(args["n"]) * 2, nil
	}, tools.WithParams(tools.Param("n", "number")))
}

func TestNew_MissingTool(t *testing.T) {
	f := mustFlow(t, nil, nil, step("a", "test.double", nil))
	_, err := New(f, map[string]*dragonflow.ResolvedTool{})
	if !dragonflow.HasCode(err, dragonflow.ErrCodeToolResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestExecuteLine_DependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := tools.NewFuncTool("test.record", func(_ context.Context, args map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, args["name"].(string))
		return fmt.Sprintf("%v>%s", args["prev"], args["name"]), nil
	})
	f := mustFlow(t, nil, map[string]dragonflow.FlowOutput{"result": output("c")},
		step("c", "test.record", map[string]dragonflow.InputBinding{"name": dragonflow.Literal("c"), "prev": dragonflow.NodeOutputRef("b", "")}),
		step("a", "test.record", map[string]dragonflow.InputBinding{"name": dragonflow.Literal("a"), "prev": dragonflow.Literal("")}),
		step("b", "test.record", map[string]dragonflow.InputBinding{"name": dragonflow.Literal("b"), "prev": dragonflow.NodeOutputRef("a", "")}),
	)
	e := newExecutor(t, f, []*tools.FuncTool{record})

	res := e.ExecuteLine(context.Background(), LineRequest{RunID: "run-1", Index: 0})
	if res.Status != dragonflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", res.Status, res.Error)
	}
	if got := fmt.Sprint(order); got != "[a b c]" {
		t.Fatalf("unexpected order %s", got)
	}
	if res.Output["result"] != ">a>b>c" {
		t.Fatalf("unexpected output %v", res.Output["result"])
	}
	if id := res.NodeRunInfos["b"].RunID; id != "run-1_b_0" {
		t.Fatalf("unexpected run id %s", id)
	}
}

func TestExecuteLine_PartialFailure(t *testing.T) {
	fail := tools.NewFuncTool("test.fail", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend unavailable")
	})
	f := mustFlow(t,
		map[string]dragonflow.FlowInput{"n": {Type: "number"}},
		map[string]dragonflow.FlowOutput{"b_out": output("b"), "d_out": output("d")},
		step("a", "test.fail", nil),
		step("b", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.NodeOutputRef("a", "")}),
		step("c", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.FlowInputRef("n")}),
		step("d", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.NodeOutputRef("c", "")}),
	)
	e := newExecutor(t, f, []*tools.FuncTool{fail, doubler()})

	res := e.ExecuteLine(context.Background(), LineRequest{RunID: "run-1", Inputs: map[string]any{"n": 2}})
	want := map[string]dragonflow.Status{
		"a": dragonflow.StatusFailed,
		"b": dragonflow.StatusBypassed,
		"c": dragonflow.StatusCompleted,
		"d": dragonflow.StatusCompleted,
	}
	for node, status := range want {
		if got := res.NodeRunInfos[node].Status; got != status {
			t.Errorf("node %s: expected %s, got %s", node, status, got)
		}
	}
	if res.Status != dragonflow.StatusFailed {
		t.Fatalf("expected failed line, got %s", res.Status)
	}
	if res.Error == nil || res.Error.Code != dragonflow.ErrCodeToolExecution {
		t.Fatalf("expected root cause from a, got %+v", res.Error)
	}
	if res.NodeRunInfos["b"].Error.Code != dragonflow.ErrCodeUpstreamBypassed {
		t.Fatalf("unexpected bypass detail %+v", res.NodeRunInfos["b"].Error)
	}
	if res.Output["d_out"] != 8.0 || res.Output["b_out"] != nil {
		t.Fatalf("unexpected outputs %v", res.Output)
	}
	m := e.Metrics()
	if m.NodesFailed != 1 || m.NodesBypassed != 1 || m.NodesCompleted != 2 {
		t.Fatalf("unexpected metrics %+v", &m)
	}
}

func TestExecuteLine_ActivateBypass(t *testing.T) {
	gate := tools.NewFuncTool("test.gate", func(_ context.Context, args map[string]any) (any, error) {
		return args["mode"], nil
	}, tools.WithParams(tools.Param("mode", "string")))
	var ran atomic.Int32
	loud := tools.NewFuncTool("test.loud", func(context.Context, map[string]any) (any, error) {
		ran.Add(1)
		return "LOUD", nil
	})
	show := tools.NewFuncTool("test.show", func(_ context.Context, args map[string]any) (any, error) {
		return args["value"], nil
	}, tools.WithParams(tools.OptionalParam("value", "string", "fallback")))

	loudNode := step("loud", "test.loud", map[string]dragonflow.InputBinding{"g": dragonflow.NodeOutputRef("gate", "")})
	loudNode.Activate = &dragonflow.ActivateConfig{When: dragonflow.NodeOutputRef("gate", ""), Is: "yes"}
	f := mustFlow(t, nil, map[string]dragonflow.FlowOutput{"shown": output("show")},
		step("gate", "test.gate", map[string]dragonflow.InputBinding{"mode": dragonflow.FlowInputRef("mode")}),
		loudNode,
		step("show", "test.show", map[string]dragonflow.InputBinding{"value": dragonflow.NodeOutputRef("loud", "")}),
	)
	e := newExecutor(t, f, []*tools.FuncTool{gate, loud, show})

	tests := []struct {
		mode  string
		want  string
		calls int32
	}{
		{mode: "no", want: "fallback", calls: 0},
		{mode: "yes", want: "LOUD", calls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			ran.Store(0)
			res := e.ExecuteLine(context.Background(), LineRequest{RunID: "run-" + tt.mode, Inputs: map[string]any{"mode": tt.mode}})
			if res.Status != dragonflow.StatusCompleted {
				t.Fatalf("expected completed, got %s (%v)", res.Status, res.Error)
			}
			if res.Output["shown"] != tt.want {
				t.Fatalf("expected %q, got %v", tt.want, res.Output["shown"])
			}
			if ran.Load() != tt.calls {
				t.Fatalf("expected %d calls, got %d", tt.calls, ran.Load())
			}
		})
	}
}

func TestExecuteLine_Cache(t *testing.T) {
	var calls atomic.Int32
	cached := tools.NewFuncTool("test.cached", func(_ context.Context, args map[string]any) (any, error) {
		calls.Add(1)
		return num(args["n"]) + 1, nil
	}, tools.WithParams(tools.Param("n", "number")), tools.WithCacheArgs("n"))
	node := step("inc", "test.cached", map[string]dragonflow.InputBinding{"n": dragonflow.FlowInputRef("n")})
	node.EnableCache = true
	f := mustFlow(t, nil, map[string]dragonflow.FlowOutput{"out": output("inc")}, node)

	storage := cache.NewMemoryStorage(0)
	mgr := cache.NewManager(storage)
	events := &collector{}
	e := newExecutor(t, f, []*tools.FuncTool{cached}, WithCache(mgr), WithEvents(events))
	ctx := context.Background()

	first := e.ExecuteLine(ctx, LineRequest{RunID: "run-1", Inputs: map[string]any{"n": 3}})
	second := e.ExecuteLine(ctx, LineRequest{RunID: "run-2", Inputs: map[string]any{"n": 3}})
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
	if first.Output["out"] != 4.0 || second.Output["out"] != 4.0 {
		t.Fatalf("unexpected outputs %v %v", first.Output, second.Output)
	}
	hit := second.NodeRunInfos["inc"]
	if hit.CachedRunID != "run-1_inc_0" || hit.CachedFlowRunID != "run-1" {
		t.Fatalf("unexpected cache provenance %+v", hit)
	}
	if events.count(eventbus.EventNodeCacheHit) != 1 {
		t.Fatalf("expected one cache hit event")
	}

	e.ExecuteLine(ctx, LineRequest{RunID: "run-3", Inputs: map[string]any{"n": 4}})
	if calls.Load() != 2 {
		t.Fatalf("different args must miss, got %d calls", calls.Load())
	}

	key, ok := mgr.ComputeKey(f.ID, e.tools["inc"], map[string]any{"n": 3})
	if !ok {
		t.Fatal("expected a cache key")
	}
	if err := storage.Delete(ctx, key.HashID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	e.ExecuteLine(ctx, LineRequest{RunID: "run-4", Inputs: map[string]any{"n": 3}})
	if calls.Load() != 3 {
		t.Fatalf("deleted record must miss, got %d calls", calls.Load())
	}
	if m := e.Metrics(); m.CacheHits != 1 {
		t.Fatalf("expected 1 cache hit, got %d", m.CacheHits)
	}
}

func TestExecuteLine_Cancellation(t *testing.T) {
	block := tools.NewFuncTool("test.block", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := mustFlow(t, nil, nil,
		step("wait", "test.block", nil),
		step("after", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.NodeOutputRef("wait", "")}),
	)
	e := newExecutor(t, f, []*tools.FuncTool{block, doubler()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := e.ExecuteLine(ctx, LineRequest{RunID: "run-1"})
	if res.Status != dragonflow.StatusCanceled {
		t.Fatalf("expected canceled, got %s", res.Status)
	}
	for _, node := range []string{"wait", "after"} {
		if got := res.NodeRunInfos[node].Status; got != dragonflow.StatusCanceled {
			t.Errorf("node %s: expected canceled, got %s", node, got)
		}
	}
}

func TestExecuteLine_FlowInputs(t *testing.T) {
	f := mustFlow(t,
		map[string]dragonflow.FlowInput{
			"n":     {Type: "number"},
			"scale": {Type: "number", Default: 10, HasDefault: true},
		},
		map[string]dragonflow.FlowOutput{"out": output("a")},
		step("a", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.FlowInputRef("scale")}),
	)
	e := newExecutor(t, f, []*tools.FuncTool{doubler()})

	tests := []struct {
		name   string
		inputs map[string]any
		status dragonflow.Status
		code   string
	}{
		{name: "defaults applied", inputs: map[string]any{"n": 1}, status: dragonflow.StatusCompleted},
		{name: "missing required", inputs: map[string]any{}, status: dragonflow.StatusFailed, code: dragonflow.ErrCodeValidation},
		{name: "wrong type", inputs: map[string]any{"n": "one"}, status: dragonflow.StatusFailed, code: dragonflow.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.ExecuteLine(context.Background(), LineRequest{RunID: "run", Index: 7, Inputs: tt.inputs})
			if res.Status != tt.status {
				t.Fatalf("expected %s, got %s", tt.status, res.Status)
			}
			if res.Index != 7 {
				t.Fatalf("index not kept: %d", res.Index)
			}
			if tt.code == "" {
				if res.Output["out"] != 20.0 {
					t.Fatalf("unexpected output %v", res.Output)
				}
				return
			}
			if res.Error == nil || res.Error.Code != tt.code {
				t.Fatalf("expected %s, got %+v", tt.code, res.Error)
			}
			if len(res.NodeRunInfos) != 0 {
				t.Fatalf("no node should run, got %d", len(res.NodeRunInfos))
			}
		})
	}
}

func TestExecuteLine_SlowNodeWarning(t *testing.T) {
	slow := tools.NewFuncTool("test.slow", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(60 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	f := mustFlow(t, nil, nil, step("slow", "test.slow", nil))
	events := &collector{}
	e := newExecutor(t, f, []*tools.FuncTool{slow}, WithEvents(events), WithLongRunningInterval(15*time.Millisecond))

	res := e.ExecuteLine(context.Background(), LineRequest{RunID: "run-1"})
	if res.Status != dragonflow.StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if events.count(eventbus.EventNodeSlow) == 0 {
		t.Fatal("expected a slow node event")
	}
}

func TestExecuteAggregation(t *testing.T) {
	square := tools.NewFuncTool("test.square", func(_ context.Context, args map[string]any) (any, error) {
		n := num(args["n"])
		if n < 0 {
			return nil, errors.New("negative input")
		}
		return n * n, nil
	}, tools.WithParams(tools.Param("n", "number")))
	collect := tools.NewFuncTool("test.collect", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"values": args["values"], "statuses": args[LineStatusesInput]}, nil
	}, tools.WithParams(tools.Param("values", "array"), tools.Param(LineStatusesInput, "array")))

	total := step("total", "test.collect", map[string]dragonflow.InputBinding{"values": dragonflow.NodeOutputRef("square", "")})
	total.Type = dragonflow.NodeTypeAggregation
	f := mustFlow(t, map[string]dragonflow.FlowInput{"n": {Type: "number"}}, nil,
		step("square", "test.square", map[string]dragonflow.InputBinding{"n": dragonflow.FlowInputRef("n")}),
		total,
	)
	e := newExecutor(t, f, []*tools.FuncTool{square, collect})
	ctx := context.Background()

	var lines []*dragonflow.LineResult
	for i, n := range []int{-1, 2, 1} {
		idx := 2 - i
		lines = append(lines, e.ExecuteLine(ctx, LineRequest{RunID: "run-1", Index: idx, Inputs: map[string]any{"n": n}}))
	}
	if lines[0].Status != dragonflow.StatusFailed {
		t.Fatalf("expected failed line, got %s", lines[0].Status)
	}

	agg := e.ExecuteAggregation(ctx, "run-1", lines)
	out, ok := agg.Output["total"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected output %v (%+v)", agg.Output, agg.NodeRunInfos["total"].Error)
	}
	if got := fmt.Sprint(out["values"]); got != "[1 4 <nil>]" {
		t.Fatalf("unexpected values %s", got)
	}
	if got := fmt.Sprint(out["statuses"]); got != "[completed completed failed]" {
		t.Fatalf("unexpected statuses %s", got)
	}
	if id := agg.NodeRunInfos["total"].RunID; id != "run-1_total_reduce" {
		t.Fatalf("unexpected run id %s", id)
	}
	if agg.Metrics["lines"] != 3 {
		t.Fatalf("unexpected metrics %v", agg.Metrics)
	}
}

func TestExecuteNode(t *testing.T) {
	f := mustFlow(t, nil, nil,
		step("a", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.Literal(1)}),
		step("b", "test.double", map[string]dragonflow.InputBinding{"n": dragonflow.NodeOutputRef("a", "")}),
	)
	e := newExecutor(t, f, []*tools.FuncTool{doubler()})
	ctx := context.Background()

	run, err := e.ExecuteNode(ctx, NodeRequest{RunID: "run-1", Node: "b", Upstream: map[string]any{"a": 5.0}})
	if err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if run.Status != dragonflow.StatusCompleted || run.Output != 10.0 {
		t.Fatalf("unexpected run %+v", run)
	}

	if _, err := e.ExecuteNode(ctx, NodeRequest{RunID: "run-1", Node: "b"}); !dragonflow.HasCode(err, dragonflow.ErrCodeArgResolution) {
		t.Fatalf("expected argument resolution error, got %v", err)
	}
	if _, err := e.ExecuteNode(ctx, NodeRequest{RunID: "run-1", Node: "zzz"}); !dragonflow.HasCode(err, dragonflow.ErrCodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
