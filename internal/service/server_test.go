package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/metrics"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

type fakeEngine struct {
	mu           sync.Mutex
	lines        []string
	dispatched   []string
	correlations []string
	canceled     []string
	active       bool
	nodeErr      error
	invoked      []string
}

func (f *fakeEngine) Flow() *dragonflow.Flow { return &dragonflow.Flow{ID: "fake-flow"} }

func (f *fakeEngine) RunLine(_ context.Context, runID string, index int, inputs map[string]any) *dragonflow.LineResult {
	f.mu.Lock()
	f.lines = append(f.lines, runID)
	f.mu.Unlock()
	return &dragonflow.LineResult{RunID: runID, Index: index, Status: dragonflow.StatusCompleted, Output: map[string]any{"echo": inputs["x"]}}
}

func (f *fakeEngine) Dispatch(ctx context.Context, runID string, index int, _ map[string]any) (*dragonflow.LineResult, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, runID)
	f.correlations = append(f.correlations, dragonflow.CorrelationIDFrom(ctx))
	f.mu.Unlock()
	return &dragonflow.LineResult{RunID: runID, Index: index, Status: dragonflow.StatusCompleted, Output: map[string]any{}}, nil
}

func (f *fakeEngine) ExecuteNode(_ context.Context, req executor.NodeRequest) (*dragonflow.NodeRunInfo, error) {
	if f.nodeErr != nil {
		return nil, f.nodeErr
	}
	return &dragonflow.NodeRunInfo{RunID: req.RunID, Node: req.Node, Status: dragonflow.StatusCompleted, Output: req.Upstream["a"]}, nil
}

func (f *fakeEngine) Cancel(runID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, runID)
	return f.active
}

func (f *fakeEngine) Tools() []tools.FunctionSchema {
	return []tools.FunctionSchema{{Name: "add", Description: "adds", Parameters: tools.ParamsSchema([]dragonflow.ParamSpec{{Name: "a", Type: "int"}})}}
}

func (f *fakeEngine) InvokeTool(_ context.Context, name string, args json.RawMessage) (any, error) {
	if name != "add" {
		return nil, dragonflow.NewToolNotFoundError("invoke", name)
	}
	f.mu.Lock()
	f.invoked = append(f.invoked, string(args))
	f.mu.Unlock()
	return 3, nil
}

func newTestServer(t *testing.T, eng Engine, useWorkers bool) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default().Service
	cfg.UseWorkers = useWorkers
	return New(cfg, eng, metrics.New().Handler(), nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, false)
	rr := do(t, h, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "healthy" || body["flow_id"] != "fake-flow" {
		t.Errorf("body = %v", body)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestMetrics(t *testing.T) {
	h := newTestServer(t, &fakeEngine{}, false)
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "dragonflow_") {
		t.Errorf("metrics output lacks the dragonflow namespace")
	}
}

func TestExecuteFlow(t *testing.T) {
	tests := []struct {
		name       string
		useWorkers bool
		body       string
		wantCode   int
	}{
		{"in process", false, `{"run_id":"r1","inputs":{"x":1}}`, http.StatusOK},
		{"through workers", true, `{"run_id":"r2","index":3}`, http.StatusOK},
		{"negative index", false, `{"index":-1}`, http.StatusBadRequest},
		{"malformed body", false, `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			rr := do(t, newTestServer(t, eng, tt.useWorkers), http.MethodPost, "/execution/flow", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				resp := decode[ErrorResponse](t, rr)
				if resp.Error == nil || resp.Error.Code != dragonflow.ErrCodeValidation {
					t.Errorf("error = %+v", resp.Error)
				}
				return
			}
			res := decode[dragonflow.LineResult](t, rr)
			if res.Status != dragonflow.StatusCompleted {
				t.Errorf("status = %s", res.Status)
			}
			if tt.useWorkers && len(eng.dispatched) != 1 {
				t.Errorf("dispatched = %v", eng.dispatched)
			}
			if tt.useWorkers && len(eng.correlations) == 1 && eng.correlations[0] != rr.Header().Get(requestIDHeader) {
				t.Errorf("correlation id %q, request id %q", eng.correlations[0], rr.Header().Get(requestIDHeader))
			}
			if !tt.useWorkers && len(eng.lines) != 1 {
				t.Errorf("lines = %v", eng.lines)
			}
		})
	}
}

func TestExecuteFlow_GeneratesRunID(t *testing.T) {
	eng := &fakeEngine{}
	rr := do(t, newTestServer(t, eng, false), http.MethodPost, "/execution/flow", `{"inputs":{}}`)
	res := decode[dragonflow.LineResult](t, rr)
	if res.RunID == "" {
		t.Fatal("expected a generated run id")
	}
}

func TestExecuteNode(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rr := do(t, newTestServer(t, &fakeEngine{}, false), http.MethodPost, "/execution/node",
			`{"run_id":"r1","node":"b","upstream":{"a":42}}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
		run := decode[dragonflow.NodeRunInfo](t, rr)
		if run.Node != "b" || run.Output != 42.0 {
			t.Errorf("run = %+v", run)
		}
	})
	t.Run("missing node", func(t *testing.T) {
		rr := do(t, newTestServer(t, &fakeEngine{}, false), http.MethodPost, "/execution/node", `{"run_id":"r1"}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
	})
	t.Run("argument error", func(t *testing.T) {
		eng := &fakeEngine{nodeErr: dragonflow.NewArgResolutionError("execute", "b", "a", nil)}
		rr := do(t, newTestServer(t, eng, false), http.MethodPost, "/execution/node", `{"node":"b"}`)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rr.Code)
		}
		if resp := decode[ErrorResponse](t, rr); resp.Error.Code != dragonflow.ErrCodeArgResolution {
			t.Errorf("code = %s", resp.Error.Code)
		}
	})
}

func TestCancel(t *testing.T) {
	eng := &fakeEngine{active: true}
	h := newTestServer(t, eng, false)
	rr := do(t, h, http.MethodPost, "/execution/cancel", `{"run_id":"r9"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "canceled" || body["active"] != true {
		t.Errorf("body = %v", body)
	}
	if len(eng.canceled) != 1 || eng.canceled[0] != "r9" {
		t.Errorf("canceled = %v", eng.canceled)
	}

	if rr := do(t, h, http.MethodPost, "/execution/cancel", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing run id status = %d", rr.Code)
	}
}

func TestTools(t *testing.T) {
	eng := &fakeEngine{}
	h := newTestServer(t, eng, false)

	rr := do(t, h, http.MethodGet, "/tools", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	list := decode[struct {
		Tools []tools.FunctionSchema `json:"tools"`
	}](t, rr)
	if len(list.Tools) != 1 || list.Tools[0].Name != "add" || list.Tools[0].Parameters == nil {
		t.Fatalf("tools = %+v", list.Tools)
	}

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"ok", "/tools/add/invoke", `{"arguments":{"a":1}}`, http.StatusOK},
		{"unknown tool", "/tools/sub/invoke", `{"arguments":{}}`, http.StatusNotFound},
		{"malformed body", "/tools/add/invoke", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(t, h, http.MethodPost, tt.path, tt.body); rr.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
	if len(eng.invoked) != 1 || eng.invoked[0] != `{"a":1}` {
		t.Errorf("invoked = %v", eng.invoked)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{dragonflow.NewValidationError("x", "bad", nil), http.StatusBadRequest},
		{dragonflow.NewToolNotFoundError("x", "t"), http.StatusNotFound},
		{dragonflow.NewCancelledError("x", nil), http.StatusConflict},
		{dragonflow.NewLineTimeoutError(1, nil), http.StatusGatewayTimeout},
		{dragonflow.NewInternalError("x", "boom", nil), http.StatusInternalServerError},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
