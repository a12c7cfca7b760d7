package dragonflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// ErrExecutionNotFound is returned for an unknown async execution id.
var ErrExecutionNotFound = errors.New("execution not found")

// AsyncState is the lifecycle state of an async batch.
type AsyncState string

const (
	AsyncRunning   AsyncState = "running"
	AsyncCompleted AsyncState = "completed"
	AsyncFailed    AsyncState = "failed"
	AsyncCanceled  AsyncState = "canceled"
)

// IsTerminal reports whether the execution has finished.
func (s AsyncState) IsTerminal() bool { return s != AsyncRunning }

type asyncRun struct {
	id     string
	rows   int
	state  AsyncState
	start  time.Time
	end    time.Time
	result *BatchResult
	err    error
	cancel context.CancelFunc
}

// AsyncStatus represents the status information for an async execution.
type AsyncStatus struct {
	ExecutionID  string              `json:"execution_id"`
	State        AsyncState          `json:"state"`
	Rows         int                 `json:"rows"`
	StartTime    time.Time           `json:"start_time"`
	Duration     time.Duration       `json:"duration"`
	IsComplete   bool                `json:"is_complete"`
	Counts       map[core.Status]int `json:"counts,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// SubmitAsync starts rows as a background batch and returns its execution
// id, which is also the run id of every row. The batch outlives ctx; use
// CancelAsync or Cancel to stop it.
func (e *Engine) SubmitAsync(ctx context.Context, rows []map[string]any) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	id := NewRunID()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &asyncRun{id: id, rows: len(rows), state: AsyncRunning, start: time.Now(), cancel: cancel}

	e.asyncMu.Lock()
	e.async[id] = run
	e.asyncMu.Unlock()

	e.asyncWG.Go(func() {
		defer cancel()
		res, err := e.RunBatch(runCtx, id, rows)

		e.asyncMu.Lock()
		defer e.asyncMu.Unlock()
		run.end = time.Now()
		run.result = res
		run.err = err
		switch {
		case run.state == AsyncCanceled:
		case err != nil:
			run.state = AsyncFailed
		default:
			run.state = AsyncCompleted
		}
		e.log.Info("Async batch finished", logging.Fields(
			logging.FieldRunID, id,
			logging.FieldStatus, string(run.state),
			logging.FieldDuration, run.end.Sub(run.start).Milliseconds(),
		))
	})
	return id, nil
}

// Status retrieves the current status of an async execution.
func (e *Engine) Status(executionID string) (*AsyncStatus, error) {
	e.asyncMu.RLock()
	defer e.asyncMu.RUnlock()

	run, ok := e.async[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	end := run.end
	if end.IsZero() {
		end = time.Now()
	}
	status := &AsyncStatus{
		ExecutionID: executionID,
		State:       run.state,
		Rows:        run.rows,
		StartTime:   run.start,
		Duration:    end.Sub(run.start),
		IsComplete:  run.state.IsTerminal() && !run.end.IsZero(),
	}
	if run.result != nil {
		status.Counts = run.result.Counts()
	}
	if run.err != nil {
		status.ErrorMessage = run.err.Error()
	}
	return status, nil
}

// Result returns the outcome of a finished async execution. Rows of a
// canceled execution are returned with their final statuses.
func (e *Engine) Result(executionID string) (*BatchResult, error) {
	e.asyncMu.RLock()
	defer e.asyncMu.RUnlock()

	run, ok := e.async[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if run.end.IsZero() {
		return nil, fmt.Errorf("execution %s is still in progress (state: %s)", executionID, run.state)
	}
	if run.err != nil {
		return nil, fmt.Errorf("execution %s failed: %w", executionID, run.err)
	}
	return run.result, nil
}

// CancelAsync cancels a running async execution. It returns false when the
// execution has already finished.
func (e *Engine) CancelAsync(executionID string) (bool, error) {
	e.asyncMu.Lock()
	run, ok := e.async[executionID]
	if !ok {
		e.asyncMu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if run.state.IsTerminal() {
		e.asyncMu.Unlock()
		return false, nil
	}
	run.state = AsyncCanceled
	run.cancel()
	elapsed := time.Since(run.start)
	e.asyncMu.Unlock()

	evt := eventbus.NewEvent(eventbus.EventBatchCanceled, nil, "engine", map[string]interface{}{
		"run_id":      executionID,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err := e.events.Publish(context.Background(), evt); err != nil {
		e.log.Debug("Event not published", logging.Fields(logging.FieldError, err))
	}
	return true, nil
}

// ListAsync returns every async execution id with its state.
func (e *Engine) ListAsync() map[string]AsyncState {
	e.asyncMu.RLock()
	defer e.asyncMu.RUnlock()

	out := make(map[string]AsyncState, len(e.async))
	for id, run := range e.async {
		out[id] = run.state
	}
	return out
}

// CleanupCompleted forgets finished executions older than olderThan and
// returns how many were removed.
func (e *Engine) CleanupCompleted(olderThan time.Duration) int {
	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()

	now := time.Now()
	count := 0
	for id, run := range e.async {
		if !run.end.IsZero() && now.Sub(run.end) > olderThan {
			delete(e.async, id)
			count++
		}
	}
	return count
}

func (e *Engine) cancelAllAsync() {
	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()
	for _, run := range e.async {
		if !run.state.IsTerminal() {
			run.state = AsyncCanceled
			run.cancel()
		}
	}
}
