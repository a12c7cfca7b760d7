package batch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

func processLauncher(t *testing.T, ref string) *ProcessLauncher {
	t.Helper()
	l, err := NewProcessLauncher(testFlow(t, ref),
		WithCommand(os.Args[0], "-test.run=^$"),
		WithEnv(append(os.Environ(), helperEnv+"=1")),
		WithKillGrace(200*time.Millisecond),
		WithStartTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestProcessWorker_RoundTrip(t *testing.T) {
	w, err := processLauncher(t, "test.work").Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer w.Close()
	if w.PID() == os.Getpid() {
		t.Fatal("worker must run in a child process")
	}

	env, err := w.Execute(context.Background(), dragonflow.WorkItem{RunID: "run-1", Index: 3, Inputs: map[string]any{"n": 4}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.Result.Status != dragonflow.StatusCompleted || env.Result.Output["square"] != 16.0 {
		t.Fatalf("unexpected result %+v", env.Result)
	}
	if env.Result.NodeRunInfos["work"].RunID != "run-1_work_3" {
		t.Fatalf("unexpected node run id %s", env.Result.NodeRunInfos["work"].RunID)
	}
}

func TestProcessLauncher_InitFailure(t *testing.T) {
	_, err := processLauncher(t, "test.missing").Launch(context.Background())
	if err == nil {
		t.Fatal("expected a worker that cannot resolve its tools to fail to start")
	}
}

func TestProcessCoordinator_CrashIsolation(t *testing.T) {
	rec := &countingRecorder{}
	c := startCoordinator(t, Config{Workers: 2}, processLauncher(t, "test.work"), WithRecorder(rec))

	results := c.RunBatch(context.Background(), "run-1", []map[string]any{
		{"n": 1},
		{"n": 2, "mode": "crash"},
		{"n": 3},
		{"n": 4, "mode": "fail"},
		{"n": 5},
	})
	want := []dragonflow.Status{
		dragonflow.StatusCompleted, dragonflow.StatusFailed, dragonflow.StatusCompleted,
		dragonflow.StatusFailed, dragonflow.StatusCompleted,
	}
	for i, res := range results {
		if res.Status != want[i] {
			t.Errorf("row %d: expected %s, got %s", i, want[i], res.Status)
		}
	}
	if results[1].Error == nil || results[1].Error.Code != dragonflow.ErrCodeWorkerCrashed {
		t.Fatalf("expected worker crash, got %+v", results[1].Error)
	}
	if results[3].Error == nil || results[3].Error.Code != dragonflow.ErrCodeToolExecution {
		t.Fatalf("expected tool error to cross the process boundary, got %+v", results[3].Error)
	}
	if rec.crashes.Load() != 1 {
		t.Fatalf("expected 1 crash, got %d", rec.crashes.Load())
	}
	if c.Workers() != 2 {
		t.Fatalf("crashed worker not replaced, %d alive", c.Workers())
	}
}

func TestProcessCoordinator_TimeoutKillsWorker(t *testing.T) {
	c := startCoordinator(t, Config{Workers: 2, LineTimeout: 300 * time.Millisecond}, processLauncher(t, "test.work"))

	start := time.Now()
	results := c.RunBatch(context.Background(), "run-1", []map[string]any{
		{"n": 1, "mode": "hang", "sleep_ms": 30000},
		{"n": 2, "sleep_ms": 50},
	})
	if time.Since(start) > 10*time.Second {
		t.Fatal("hung worker was not killed")
	}
	if results[0].Error == nil || results[0].Error.Code != dragonflow.ErrCodeLineTimeout {
		t.Fatalf("expected line timeout, got %+v", results[0].Error)
	}
	if results[1].Status != dragonflow.StatusCompleted {
		t.Fatalf("sibling row must complete, got %s", results[1].Status)
	}
}

func TestProcessCoordinator_Cancel(t *testing.T) {
	c := startCoordinator(t, Config{Workers: 2}, processLauncher(t, "test.work"))
	ctx := context.Background()

	victim := c.Submit(ctx, "run-a", 0, map[string]any{"n": 1, "mode": "hang", "sleep_ms": 30000})
	bystander := c.Submit(ctx, "run-b", 0, map[string]any{"n": 2, "sleep_ms": 300})
	time.Sleep(100 * time.Millisecond)
	if !c.Cancel("run-a") {
		t.Fatal("expected run-a in flight")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a, err := victim.Wait(waitCtx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != dragonflow.StatusCanceled || a.Error.Code != dragonflow.ErrCodeCancelled {
		t.Fatalf("expected canceled, got %s %+v", a.Status, a.Error)
	}
	b, err := bystander.Wait(waitCtx)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != dragonflow.StatusCompleted {
		t.Fatalf("unrelated run affected: %s", b.Status)
	}
}

func TestProcessCoordinator_ExecutionContext(t *testing.T) {
	c := startCoordinator(t, Config{Workers: 1, Env: map[string]string{"REGION": "eu"}}, processLauncher(t, "test.context"))
	ctx, traceID := tracedContext(t)

	res, err := c.Submit(ctx, "run-ctx", 0, map[string]any{"n": 1}).Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	checkRowContext(t, res, traceID)
}
