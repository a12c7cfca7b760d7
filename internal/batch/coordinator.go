package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/retry"
)

// Coordinator owns a pool of workers. It is an explicit handle: create it
// with NewCoordinator, call Start, and Close it when done.
type Coordinator struct {
	cfg      Config
	launcher Launcher
	log      *logging.Logger
	recorder Recorder
	events   eventbus.Publisher
	relaunch retry.Policy

	mu      sync.Mutex
	started bool
	closed  bool
	base    context.Context
	stop    context.CancelFunc
	runs    map[string]*runEntry
	active  map[string]map[string]Worker
	workers int

	sendMu sync.RWMutex
	queue  chan *job
	queued atomic.Int64
	loops  conc.WaitGroup
}

type runEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

type job struct {
	item     dragonflow.WorkItem
	ctx      context.Context
	run      *runEntry
	deadline time.Time
	future   *Future
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(log *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log.WithComponent("coordinator") }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

// WithEvents sets the publisher for batch and worker events.
func WithEvents(p eventbus.Publisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = p }
}

// WithRelaunchPolicy sets the retry policy for replacing a dead worker.
func WithRelaunchPolicy(p retry.Policy) CoordinatorOption {
	return func(c *Coordinator) { c.relaunch = p }
}

// NewCoordinator creates a stopped coordinator.
func NewCoordinator(cfg Config, launcher Launcher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		launcher: launcher,
		log:      logging.Nop(),
		recorder: nopRecorder{},
		events:   eventbus.Nop{},
		relaunch: retry.Policy{Tries: 3, Delay: 100 * time.Millisecond, Backoff: 2},
		runs:     map[string]*runEntry{},
		active:   map[string]map[string]Worker{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the workers. Rows can be submitted once it returns. ctx
// bounds the lifetime of the whole pool.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return dragonflow.NewInternalError("start", "coordinator already started", nil)
	}
	c.started = true
	c.base, c.stop = context.WithCancel(ctx)
	c.mu.Unlock()

	n := WorkerCount(c.cfg.Workers, c.cfg.RowsHint)
	workers := make([]Worker, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			w, err := c.launcher.Launch(gctx)
			if err != nil {
				return err
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				_ = w.Kill()
				_ = w.Close()
			}
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.stop()
		return dragonflow.NewInternalError("start", "cannot launch workers", err)
	}

	size := c.cfg.QueueSize
	if size <= 0 {
		size = n * 2
	}
	c.queue = make(chan *job, size)
	c.setWorkers(n)
	for _, w := range workers {
		worker := w
		c.loops.Go(func() { c.loop(worker) })
	}
	c.log.Info("Worker pool started", logging.Fields("workers", n))
	return nil
}

// Submit enqueues one row. The returned future always resolves; rows that
// cannot run resolve as Canceled.
func (c *Coordinator) Submit(ctx context.Context, runID string, index int, inputs map[string]any) *Future {
	return c.submit(ctx, dragonflow.WorkItem{RunID: runID, Index: index, Inputs: inputs}, time.Time{})
}

func (c *Coordinator) submit(ctx context.Context, item dragonflow.WorkItem, deadline time.Time) *Future {
	f := newFuture()
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		f.resolve(dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusCanceled, dragonflow.NewCancelledError("submit", ErrClosed)))
		return f
	}
	entry := c.acquire(item.RunID)
	c.mu.Unlock()

	j := &job{item: item, ctx: ctx, run: entry, deadline: deadline, future: f}
	c.recorder.SetQueued(int(c.queued.Add(1)))
	select {
	case c.queue <- j:
	case <-ctx.Done():
		c.recorder.SetQueued(int(c.queued.Add(-1)))
		c.complete(j, dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusCanceled, dragonflow.NewCancelledError("submit", ctx.Err())))
	}
	return f
}

func (c *Coordinator) acquire(runID string) *runEntry {
	entry, ok := c.runs[runID]
	if !ok {
		ctx, cancel := context.WithCancel(c.base)
		entry = &runEntry{ctx: ctx, cancel: cancel}
		c.runs[runID] = entry
	}
	entry.refs++
	return entry
}

func (c *Coordinator) release(runID string, entry *runEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.refs--
	if entry.refs == 0 && c.runs[runID] == entry {
		delete(c.runs, runID)
		entry.cancel()
	}
}

func (c *Coordinator) complete(j *job, res *dragonflow.LineResult) {
	c.release(j.item.RunID, j.run)
	c.recorder.ObserveLine(string(res.Status), res.EndTime.Sub(res.StartTime))
	j.future.resolve(res)
}

// Cancel stops every row of runID: queued rows resolve Canceled and workers
// executing the run are killed. Rows already finished are untouched. It
// reports whether the run had rows pending.
//
// Termination goes through the run context only. Workers kill themselves
// when the context of the row they execute ends, so a worker that finished
// its row of runID and moved on to another run is never touched.
func (c *Coordinator) Cancel(runID string) bool {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	running := len(c.active[runID])
	c.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	c.log.Info("Run canceled", logging.Fields(logging.FieldRunID, runID, "rows_running", running))
	c.publish(eventbus.EventBatchCanceled, nil, map[string]interface{}{"run_id": runID})
	return true
}

// Close stops accepting rows, drains the queue and tears the workers down.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sendMu.Lock()
	close(c.queue)
	c.sendMu.Unlock()
	c.loops.Wait()
	c.stop()
	c.log.Info("Worker pool stopped")
	return nil
}

// RunBatch executes rows as one run and returns their results ordered by
// row index.
func (c *Coordinator) RunBatch(ctx context.Context, runID string, rows []map[string]any) []*dragonflow.LineResult {
	return c.runBatch(ctx, runID, rows, 0)
}

// Process is the entry point for externally sharded batches: row indexes are
// offset by pctx.RowOffset and every result is returned serialized.
func (c *Coordinator) Process(ctx context.Context, rows []map[string]any, pctx ProcessContext) ([]json.RawMessage, error) {
	results := c.runBatch(ctx, pctx.RunID, rows, pctx.RowOffset)
	out := make([]json.RawMessage, len(results))
	for i, res := range results {
		b, err := json.Marshal(res)
		if err != nil {
			return nil, dragonflow.NewInternalError("batch", fmt.Sprintf("cannot serialize line %d", res.Index), err)
		}
		out[i] = b
	}
	return out, nil
}

func (c *Coordinator) runBatch(ctx context.Context, runID string, rows []map[string]any, offset int) []*dragonflow.LineResult {
	var deadline time.Time
	if c.cfg.BatchTimeout > 0 {
		deadline = time.Now().Add(c.cfg.BatchTimeout)
	}
	start := time.Now()
	c.publish(eventbus.EventBatchStarted, nil, map[string]interface{}{"run_id": runID, "rows": len(rows)})

	futures := make([]*Future, len(rows))
	for i, row := range rows {
		futures[i] = c.submit(ctx, dragonflow.WorkItem{RunID: runID, Index: offset + i, Inputs: row}, deadline)
	}
	results := make([]*dragonflow.LineResult, len(rows))
	counts := map[dragonflow.Status]int{}
	for i, f := range futures {
		<-f.Done()
		results[i] = f.result
		counts[f.result.Status]++
	}
	c.log.Info("Batch finished", logging.Fields(
		logging.FieldRunID, runID,
		"rows", len(rows),
		"completed", counts[dragonflow.StatusCompleted],
		"failed", counts[dragonflow.StatusFailed],
		"canceled", counts[dragonflow.StatusCanceled],
		logging.FieldDuration, time.Since(start).Milliseconds(),
	))
	c.publish(eventbus.EventBatchCompleted, results, map[string]interface{}{"run_id": runID, "rows": len(rows)})
	return results
}

// loop runs queued rows on one worker slot until the queue is closed.
func (c *Coordinator) loop(w Worker) {
	for j := range c.queue {
		c.recorder.SetQueued(int(c.queued.Add(-1)))
		var res *dragonflow.LineResult
		w, res = c.execute(w, j)
		c.complete(j, res)
	}
	if w != nil {
		if err := w.Close(); err != nil {
			c.log.Warn("Worker did not close cleanly", logging.Fields(logging.FieldWorker, w.ID(), logging.FieldError, err))
		}
		c.addWorkers(-1)
	}
}

// execute runs j on w and returns the worker to use for the next row, which
// is a fresh one whenever w died or was killed.
func (c *Coordinator) execute(w Worker, j *job) (Worker, *dragonflow.LineResult) {
	item := j.item
	canceled := func() *dragonflow.LineResult {
		cause := j.run.ctx.Err()
		if cause == nil {
			cause = j.ctx.Err()
		}
		return dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusCanceled, dragonflow.NewCancelledError("batch", cause))
	}
	if j.run.ctx.Err() != nil || j.ctx.Err() != nil {
		return w, canceled()
	}

	budget, batchBound := c.lineBudget(j.deadline)
	if batchBound && budget <= 0 {
		return w, dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusFailed,
			dragonflow.NewBatchTimeoutError(item.Index, context.DeadlineExceeded))
	}
	if w == nil {
		if w = c.replace(nil, "missing"); w == nil {
			return nil, dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusFailed,
				dragonflow.NewWorkerCrashedError(item.Index, errors.New("no worker available")))
		}
	}

	stamp(j.ctx, &item, c.cfg.Env)
	ctx, cancel := context.WithCancel(j.run.ctx)
	defer cancel()
	stop := context.AfterFunc(j.ctx, cancel)
	defer stop()
	if budget > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, budget)
		defer cancelTimeout()
		item.Context.Deadline = time.Now().Add(budget)
	}

	c.track(item.RunID, w, true)
	env, err := w.Execute(ctx, item)
	c.track(item.RunID, w, false)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) && j.run.ctx.Err() == nil && j.ctx.Err() == nil
	timeout := func() *dragonflow.LineResult {
		var terr error = dragonflow.NewLineTimeoutError(item.Index, context.DeadlineExceeded)
		if batchBound {
			terr = dragonflow.NewBatchTimeoutError(item.Index, context.DeadlineExceeded)
		}
		return dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusFailed, terr)
	}

	switch {
	case err == nil && timedOut && (env.Result == nil || env.Result.Status != dragonflow.StatusCompleted):
		return w, timeout()
	case err == nil && env.Result != nil:
		return w, env.Result
	case err == nil && env.Error != nil:
		return w, dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusFailed, env.Error.Err())
	case err == nil:
		return w, dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusFailed,
			dragonflow.NewInternalError("batch", "worker returned an empty envelope", nil))
	case j.run.ctx.Err() != nil || j.ctx.Err() != nil:
		return c.replace(w, "canceled"), canceled()
	case timedOut:
		c.log.Warn("Row timed out, worker killed", logging.Fields(logging.FieldRunID, item.RunID, logging.FieldLine, item.Index, logging.FieldWorker, w.ID()))
		return c.replace(w, "timeout"), timeout()
	default:
		c.recorder.WorkerCrashed()
		c.log.Error("Worker crashed", logging.Fields(logging.FieldRunID, item.RunID, logging.FieldLine, item.Index, logging.FieldWorker, w.ID(), logging.FieldError, err))
		c.publish(eventbus.EventWorkerCrashed, nil, map[string]interface{}{"worker": w.ID(), "run_id": item.RunID, "line": item.Index})
		return c.replace(w, "crashed"), dragonflow.FailedLineResult(item.RunID, item.Index, dragonflow.StatusFailed,
			dragonflow.NewWorkerCrashedError(item.Index, err))
	}
}

// lineBudget is min(LineTimeout, time left in the batch). batchBound
// reports that the batch deadline is the tighter limit.
func (c *Coordinator) lineBudget(deadline time.Time) (time.Duration, bool) {
	budget := c.cfg.LineTimeout
	if deadline.IsZero() {
		return budget, false
	}
	left := time.Until(deadline)
	if budget <= 0 || left < budget {
		return left, true
	}
	return budget, false
}

func (c *Coordinator) track(runID string, w Worker, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if running {
		if c.active[runID] == nil {
			c.active[runID] = map[string]Worker{}
		}
		c.active[runID][w.ID()] = w
		return
	}
	delete(c.active[runID], w.ID())
	if len(c.active[runID]) == 0 {
		delete(c.active, runID)
	}
}

// replace tears old down and launches a successor. It returns nil when no
// worker could be launched; the slot then fails its rows until a launch
// succeeds.
func (c *Coordinator) replace(old Worker, reason string) Worker {
	if old != nil {
		_ = old.Kill()
		_ = old.Close()
		c.addWorkers(-1)
	}
	w, err := retry.Do(c.base, c.relaunch, func(ctx context.Context) (Worker, error) {
		return c.launcher.Launch(ctx)
	})
	if err != nil {
		c.log.Error("Cannot replace worker", logging.Fields("reason", reason, logging.FieldError, err))
		return nil
	}
	c.addWorkers(1)
	c.log.Debug("Worker replaced", logging.Fields(logging.FieldWorker, w.ID(), "reason", reason))
	c.publish(eventbus.EventWorkerReplaced, nil, map[string]interface{}{"worker": w.ID(), "reason": reason})
	return w
}

func (c *Coordinator) setWorkers(n int) {
	c.mu.Lock()
	c.workers = n
	c.mu.Unlock()
	c.recorder.SetActiveWorkers(n)
}

func (c *Coordinator) addWorkers(delta int) {
	c.mu.Lock()
	c.workers += delta
	n := c.workers
	c.mu.Unlock()
	c.recorder.SetActiveWorkers(n)
}

// Workers reports how many workers are alive.
func (c *Coordinator) Workers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers
}

func (c *Coordinator) publish(typ eventbus.EventType, payload interface{}, meta map[string]interface{}) {
	if err := c.events.Publish(context.Background(), eventbus.NewEvent(typ, payload, "coordinator", meta)); err != nil {
		c.log.Debug("Event not published", logging.Fields("event_type", string(typ), logging.FieldError, err))
	}
}
