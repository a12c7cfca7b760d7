package batch

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/ZanzyTHEbar/dragonflow"
)

// InProcessLauncher runs workers as goroutines sharing the current process.
// Rows are not memory isolated and a row that ignores cancellation keeps its
// goroutine after being killed.
type InProcessLauncher struct {
	flow    *dragonflow.Flow
	factory Factory
}

// NewInProcessLauncher creates a launcher building one runner per worker.
func NewInProcessLauncher(flow *dragonflow.Flow, factory Factory) *InProcessLauncher {
	return &InProcessLauncher{flow: flow, factory: factory}
}

// Launch builds a worker.
func (l *InProcessLauncher) Launch(ctx context.Context) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runner, err := l.factory(l.flow)
	if err != nil {
		return nil, err
	}
	return &inProcessWorker{id: uuid.NewString(), runner: runner}, nil
}

type inProcessWorker struct {
	id     string
	runner Runner

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (w *inProcessWorker) ID() string { return w.id }
func (w *inProcessWorker) PID() int   { return os.Getpid() }

func (w *inProcessWorker) Execute(ctx context.Context, item dragonflow.WorkItem) (*dragonflow.ResultEnvelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	type outcome struct {
		result    *dragonflow.LineResult
		recovered *panics.Recovered
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		var pc panics.Catcher
		pc.Try(func() { out.result = runItem(ctx, w.runner, item, nopLog) })
		out.recovered = pc.Recovered()
		done <- out
	}()

	select {
	case out := <-done:
		if out.recovered != nil {
			return nil, fmt.Errorf("worker panicked: %v", out.recovered.Value)
		}
		return &dragonflow.ResultEnvelope{RunID: item.RunID, Index: item.Index, Result: out.result}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *inProcessWorker) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

func (w *inProcessWorker) Close() error {
	w.runner.Close()
	return nil
}
