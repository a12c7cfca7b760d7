package dragonflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/bridge"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg, err := DefaultRegistry(config.Default())
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	reg.MustRegister(
		tools.NewFuncTool("test.square", func(_ context.Context, args map[string]any) (any, error) {
			n, _ := args["n"].(float64)
			if n < 0 {
				return nil, errors.New("negative input")
			}
			return n * n, nil
		}, tools.WithParams(tools.Param("n", "number"))),
		tools.NewFuncTool("test.wait", func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		}, tools.Awaitable()),
		tools.NewFuncTool("test.in_bridge", func(ctx context.Context, _ map[string]any) (any, error) {
			return bridge.InScope(ctx), nil
		}),
	)
	return reg
}

func pkgNode(name, ref string, inputs map[string]core.InputBinding) core.Node {
	return core.Node{Name: name, Source: core.ToolSource{Kind: core.ToolKindPackage, Ref: ref}, Inputs: inputs}
}

func squareFlow(t *testing.T) *core.Flow {
	t.Helper()
	f, err := core.NewFlow("square", "", map[string]core.FlowInput{"n": {Type: "number"}},
		map[string]core.FlowOutput{"result": {Reference: core.NodeOutputRef("square", "")}},
		[]core.Node{
			pkgNode("square", "test.square", map[string]core.InputBinding{"n": core.FlowInputRef("n")}),
			{Name: "report", Type: core.NodeTypeAggregation, Source: core.ToolSource{Kind: core.ToolKindPackage, Ref: "builtin.count_statuses"}},
		})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f
}

func waitFlow(t *testing.T) *core.Flow {
	t.Helper()
	f, err := core.NewFlow("wait", "", nil, nil, []core.Node{pkgNode("wait", "test.wait", nil)})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	return f
}

func newEngine(t *testing.T, f *core.Flow) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.Workers = 2
	e, err := New(context.Background(), f, WithConfig(cfg), WithRegistry(testRegistry(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNew_UnresolvableTool(t *testing.T) {
	f, err := core.NewFlow("bad", "", nil, nil, []core.Node{pkgNode("a", "test.missing", nil)})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}
	_, err = New(context.Background(), f, WithRegistry(testRegistry(t)))
	if !core.HasCode(err, core.ErrCodeToolResolution) {
		t.Fatalf("error = %v, want %s", err, core.ErrCodeToolResolution)
	}
}

func TestEngine_Run(t *testing.T) {
	e := newEngine(t, squareFlow(t))
	res := e.Run(context.Background(), map[string]any{"n": 3.0})
	if res.Status != core.StatusCompleted {
		t.Fatalf("status = %s (%+v)", res.Status, res.Error)
	}
	if res.Output["result"] != 9.0 {
		t.Errorf("result = %v", res.Output["result"])
	}
	if lines := e.Records().Lines(res.RunID); len(lines) != 1 {
		t.Errorf("memory sink holds %d lines, want 1", len(lines))
	}
}

func TestEngine_RunBatch(t *testing.T) {
	e := newEngine(t, squareFlow(t))
	rows := []map[string]any{{"n": 1.0}, {"n": -2.0}, {"n": 4.0}}
	res, err := e.RunBatch(context.Background(), "", rows)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(res.Lines) != 3 {
		t.Fatalf("got %d lines", len(res.Lines))
	}
	want := []core.Status{core.StatusCompleted, core.StatusFailed, core.StatusCompleted}
	for i, l := range res.Lines {
		if l.Index != i || l.Status != want[i] {
			t.Errorf("line %d: index %d status %s, want %s", i, l.Index, l.Status, want[i])
		}
	}
	if res.Lines[2].Output["result"] != 16.0 {
		t.Errorf("line 2 result = %v", res.Lines[2].Output["result"])
	}
	if res.Aggregation == nil {
		t.Fatal("expected an aggregation result")
	}
	report, _ := res.Aggregation.Output["report"].(map[string]any)
	if report["total"] != 3.0 || report["failed"] != 1.0 || report["completed"] != 2.0 {
		t.Errorf("report = %v", report)
	}
}

func TestEngine_ExecuteNode(t *testing.T) {
	e := newEngine(t, squareFlow(t))
	run, err := e.ExecuteNode(context.Background(), executor.NodeRequest{Node: "square", Inputs: map[string]any{"n": 5.0}})
	if err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if run.Status != core.StatusCompleted || run.Output != 25.0 {
		t.Errorf("run = %s %v", run.Status, run.Output)
	}
}

func TestEngine_CancelLine(t *testing.T) {
	e := newEngine(t, waitFlow(t))
	done := make(chan *core.LineResult, 1)
	go func() { done <- e.RunLine(context.Background(), "run-x", 0, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for !e.Cancel("run-x") {
		if time.Now().After(deadline) {
			t.Fatal("line never became cancelable")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case res := <-done:
		if res.Status != core.StatusCanceled {
			t.Errorf("status = %s", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled line did not return")
	}
	if e.Cancel("run-x") {
		t.Error("nothing should be left to cancel")
	}
}

func TestEngine_Async(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		e := newEngine(t, squareFlow(t))
		id, err := e.SubmitAsync(context.Background(), []map[string]any{{"n": 2.0}, {"n": 3.0}})
		if err != nil {
			t.Fatalf("SubmitAsync: %v", err)
		}
		res := waitResult(t, e, id)
		if c := res.Counts(); c[core.StatusCompleted] != 2 {
			t.Errorf("counts = %v", c)
		}
		st, err := e.Status(id)
		if err != nil || st.State != AsyncCompleted || !st.IsComplete {
			t.Errorf("status = %+v, %v", st, err)
		}
		if ok, err := e.CancelAsync(id); ok || err != nil {
			t.Errorf("CancelAsync on finished run = %v, %v", ok, err)
		}
		if n := e.CleanupCompleted(0); n != 1 {
			t.Errorf("CleanupCompleted removed %d", n)
		}
		if _, err := e.Status(id); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("Status after cleanup = %v", err)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		e := newEngine(t, waitFlow(t))
		id, err := e.SubmitAsync(context.Background(), []map[string]any{{}, {}})
		if err != nil {
			t.Fatalf("SubmitAsync: %v", err)
		}
		if _, err := e.Result(id); err == nil {
			t.Error("Result must fail while the run is in progress")
		}
		if ok, err := e.CancelAsync(id); !ok || err != nil {
			t.Fatalf("CancelAsync = %v, %v", ok, err)
		}
		res := waitResult(t, e, id)
		for _, l := range res.Lines {
			if l.Status != core.StatusCanceled {
				t.Errorf("line %d status = %s", l.Index, l.Status)
			}
		}
		if e.ListAsync()[id] != AsyncCanceled {
			t.Errorf("state = %s", e.ListAsync()[id])
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		e := newEngine(t, squareFlow(t))
		if _, err := e.CancelAsync("nope"); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("error = %v", err)
		}
	})
}

func waitResult(t *testing.T, e *Engine, id string) *BatchResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := e.Result(id)
		if err == nil {
			return res
		}
		if time.Now().After(deadline) {
			t.Fatalf("async run %s did not finish: %v", id, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_InvokeTool(t *testing.T) {
	f := squareFlow(t)
	f.Tools = []core.ToolDefinition{
		{Name: "square", Description: "Squares n", Source: core.ToolSource{Kind: core.ToolKindPackage, Ref: "test.square"}},
		{Name: "in_bridge", Source: core.ToolSource{Kind: core.ToolKindPackage, Ref: "test.in_bridge"}},
	}
	e := newEngine(t, f)

	schemas := e.Tools()
	if len(schemas) != 2 || schemas[0].Name != "in_bridge" || schemas[1].Description != "Squares n" {
		t.Fatalf("schemas = %+v", schemas)
	}

	tests := []struct {
		name string
		tool string
		args string
		want any
		code string
	}{
		{"package tool", "square", `{"n": 3}`, 9.0, ""},
		{"runs on the bridge", "in_bridge", ``, true, ""},
		{"unknown tool", "cube", `{}`, nil, core.ErrCodeToolNotFound},
		{"tool error", "square", `{"n": -1}`, nil, core.ErrCodeToolExecution},
		{"not an object", "square", `[3]`, nil, core.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.InvokeTool(context.Background(), tt.tool, json.RawMessage(tt.args))
			if tt.code != "" {
				if !core.HasCode(err, tt.code) {
					t.Fatalf("error = %v, want %s", err, tt.code)
				}
				return
			}
			if err != nil || out != tt.want {
				t.Fatalf("InvokeTool = %v (%v), want %v", out, err, tt.want)
			}
		})
	}

	// Flow tools stay out of the graph.
	res := e.Run(context.Background(), map[string]any{"n": 2.0})
	if _, ran := res.NodeRunInfos["in_bridge"]; res.Status != core.StatusCompleted || ran {
		t.Fatalf("run = %+v", res)
	}

	_ = e.Close()
	if _, err := e.InvokeTool(context.Background(), "square", json.RawMessage(`{"n": 1}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("InvokeTool after Close = %v", err)
	}
}

func TestNew_UnresolvableFlowTool(t *testing.T) {
	f := squareFlow(t)
	f.Tools = []core.ToolDefinition{{Name: "ghost", Source: core.ToolSource{Kind: core.ToolKindPackage, Ref: "test.missing"}}}
	_, err := New(context.Background(), f, WithRegistry(testRegistry(t)))
	if !core.HasCode(err, core.ErrCodeToolResolution) {
		t.Fatalf("error = %v, want %s", err, core.ErrCodeToolResolution)
	}
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []EventType
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, event.Type())
	return nil
}

func TestEngine_Events(t *testing.T) {
	e := newEngine(t, squareFlow(t))
	got := make(chan Event, 4)
	id, err := e.Subscribe(func(_ context.Context, event Event) error {
		got <- event
		return nil
	}, EventLineCompleted)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	res := e.Run(context.Background(), map[string]any{"n": 2.0})
	select {
	case event := <-got:
		if event.Metadata()["run_id"] != res.RunID || event.Metadata()["flow_id"] != "square" {
			t.Errorf("metadata = %v", event.Metadata())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("line_completed not delivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(scrapeMetrics(t, e), `dragonflow_events_total{type="line_completed"} 1`) {
		if time.Now().After(deadline) {
			t.Fatal("events_total not updated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := e.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	_ = e.Close()
	if _, err := e.Subscribe(func(context.Context, Event) error { return nil }); err == nil {
		t.Error("Subscribe on a closed bus succeeded")
	}
}

func TestEngine_EventsWithoutOwnBus(t *testing.T) {
	pub := &recordingPublisher{}
	disabled := config.Default()
	disabled.Events.Enabled = false
	tests := []struct {
		name string
		opts []Option
	}{
		{"external publisher", []Option{WithEventBus(pub)}},
		{"disabled", []Option{WithConfig(disabled)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithRegistry(testRegistry(t))}, tt.opts...)
			e, err := New(context.Background(), squareFlow(t), opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer e.Close()
			if _, err := e.Subscribe(func(context.Context, Event) error { return nil }); !errors.Is(err, ErrNoEventBus) {
				t.Fatalf("Subscribe = %v, want ErrNoEventBus", err)
			}
			e.Run(context.Background(), map[string]any{"n": 1.0})
		})
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if !slices.Contains(pub.types, EventLineCompleted) {
		t.Errorf("external publisher saw %v", pub.types)
	}
}

func scrapeMetrics(t *testing.T, e *Engine) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestEngine_Close(t *testing.T) {
	e := newEngine(t, squareFlow(t))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if res := e.Run(context.Background(), map[string]any{"n": 1.0}); res.Status != core.StatusCanceled {
		t.Errorf("Run after Close status = %s", res.Status)
	}
	if _, err := e.RunBatch(context.Background(), "", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("RunBatch after Close = %v", err)
	}
}
