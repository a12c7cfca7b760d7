package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/flow"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

const summarizeFlow = `
id: summarize-pages
inputs:
  url: {type: string}
  words: {type: int, default: 3}
outputs:
  summary: {reference: "${summarize.output}"}
nodes:
  - name: fetch
    source: {type: package, ref: builtin.fetch}
    inputs: {url: "${inputs.url}"}
    enable_cache: true
  - name: summarize
    source: {type: package, ref: builtin.summarize}
    inputs:
      text: "${fetch.output}"
      max_words: "${inputs.words}"
  - name: report
    aggregation: true
    source: {type: package, ref: builtin.count_statuses}
`

func loadExecutor(t *testing.T, body string, opts ...ExecutorOption) *Executor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := flow.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, &http.Client{Timeout: 5 * time.Second}, retry.Policy{Tries: 1}); err != nil {
		t.Fatal(err)
	}
	resolved, err := tools.NewResolver(reg).ResolveFlow(f)
	if err != nil {
		t.Fatalf("ResolveFlow: %v", err)
	}
	e, err := New(f, resolved, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEndToEnd_FetchAndSummarize(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "the quick brown fox jumps over the lazy dog")
	}))
	defer srv.Close()

	e := loadExecutor(t, summarizeFlow, WithCache(cache.NewManager(cache.NewMemoryStorage(0))))
	ctx := context.Background()

	rows := []map[string]any{{"url": srv.URL}, {"url": "bad"}, {"url": srv.URL, "words": 5}}
	var lines []*dragonflow.LineResult
	for i, row := range rows {
		lines = append(lines, e.ExecuteLine(ctx, LineRequest{RunID: "batch-1", Index: i, Inputs: row}))
	}

	if got := lines[0].Output["summary"]; got != "the quick brown..." {
		t.Fatalf("line 0: unexpected summary %v", got)
	}
	if got := lines[2].Output["summary"]; got != "the quick brown fox jumps..." {
		t.Fatalf("line 2: unexpected summary %v", got)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected the cached fetch to hit the server once, got %d", hits.Load())
	}
	if lines[2].NodeRunInfos["fetch"].CachedRunID != "batch-1_fetch_0" {
		t.Fatalf("expected cache hit from line 0, got %+v", lines[2].NodeRunInfos["fetch"])
	}

	bad := lines[1]
	if bad.Status != dragonflow.StatusFailed {
		t.Fatalf("line 1: expected failed, got %s", bad.Status)
	}
	if bad.NodeRunInfos["fetch"].Status != dragonflow.StatusFailed || bad.NodeRunInfos["summarize"].Status != dragonflow.StatusBypassed {
		t.Fatalf("line 1: unexpected node statuses fetch=%s summarize=%s",
			bad.NodeRunInfos["fetch"].Status, bad.NodeRunInfos["summarize"].Status)
	}
	if bad.Output["summary"] != nil {
		t.Fatalf("line 1: expected nil summary, got %v", bad.Output["summary"])
	}

	agg := e.ExecuteAggregation(ctx, "batch-1", lines)
	report, ok := agg.Output["report"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected aggregation output %v", agg.Output)
	}
	if report["total"] != 3.0 || report["completed"] != 2.0 || report["failed"] != 1.0 {
		t.Fatalf("unexpected report %v", report)
	}
}

func TestEndToEnd_UnknownTool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	body := `
id: broken
nodes:
  - name: a
    source: {type: package, ref: builtin.missing}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := flow.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = tools.NewResolver(tools.NewRegistry()).ResolveFlow(f)
	if !dragonflow.HasCode(err, dragonflow.ErrCodeToolResolution) {
		t.Fatalf("expected resolution failure, got %v", err)
	}
}
