// Package batch distributes the rows of a flow run over a pool of isolated
// workers and reassembles their results by row index.
//
// A worker executes one row at a time. Process workers are re-executions of
// the current binary that speak JSON lines over stdin/stdout, so a crash or
// a forced kill takes down only the row it was running. In-process workers
// run rows on goroutines for embedding and tests.
package batch

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
)

// DefaultWorkers caps the pool size when none is configured.
const DefaultWorkers = 4

// ErrClosed is the cause of rows submitted to a stopped coordinator.
var ErrClosed = errors.New("coordinator is not running")

// Worker executes rows one at a time.
type Worker interface {
	ID() string
	PID() int
	// Execute runs one row. A non-nil error means the worker is unusable:
	// it crashed, broke the protocol or was killed because ctx ended.
	Execute(ctx context.Context, item dragonflow.WorkItem) (*dragonflow.ResultEnvelope, error)
	// Kill forcibly stops the row in flight.
	Kill() error
	Close() error
}

// Launcher provisions workers bound to one flow.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}

// Runner executes rows inside a worker. *executor.Executor implements it.
type Runner interface {
	ExecuteLine(ctx context.Context, req executor.LineRequest) *dragonflow.LineResult
	Close()
}

// Factory builds the runner of a worker from the flow snapshot it receives.
type Factory func(flow *dragonflow.Flow) (Runner, error)

// Recorder receives batch observations, typically *metrics.Metrics.
type Recorder interface {
	ObserveLine(status string, d time.Duration)
	WorkerCrashed()
	SetActiveWorkers(n int)
	SetQueued(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLine(string, time.Duration) {}
func (nopRecorder) WorkerCrashed()                    {}
func (nopRecorder) SetActiveWorkers(int)              {}
func (nopRecorder) SetQueued(int)                     {}

// Config sizes the pool and bounds row execution.
type Config struct {
	// Workers overrides the pool size.
	Workers int `mapstructure:"workers" validate:"gte=0"`
	// RowsHint caps the default pool size for small batches.
	RowsHint  int `mapstructure:"-"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
	// LineTimeout bounds one row. Zero means no limit.
	LineTimeout time.Duration `mapstructure:"line_timeout"`
	// BatchTimeout bounds a RunBatch call; rows still running when it
	// expires fail with BATCH_TIMEOUT.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// Env is added to the environment of subprocess tools run for rows.
	Env map[string]string `mapstructure:"env"`
}

// WorkerCount returns configured when set, else min(DefaultWorkers, NumCPU)
// further capped by rows when rows is positive.
func WorkerCount(configured, rows int) int {
	if configured > 0 {
		return configured
	}
	n := min(DefaultWorkers, runtime.NumCPU())
	if rows > 0 && rows < n {
		n = rows
	}
	return max(n, 1)
}

// Future is the pending result of a submitted row.
type Future struct {
	done   chan struct{}
	result *dragonflow.LineResult
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(res *dragonflow.LineResult) {
	f.result = res
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the row finishes or ctx ends. Ending ctx does not cancel
// the row.
func (f *Future) Wait(ctx context.Context) (*dragonflow.LineResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessContext locates a mini-batch inside an externally sharded run.
type ProcessContext struct {
	RunID     string `json:"run_id"`
	RowOffset int    `json:"row_offset"`
}
