// Package dragonflow is the embedding API of the flow engine. An Engine is an
// explicit handle bound to one flow: create it with New or Open, run rows
// through it and Close it when done.
package dragonflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/batch"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/flow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/metrics"
	"github.com/ZanzyTHEbar/dragonflow/internal/storage"
	"github.com/ZanzyTHEbar/dragonflow/internal/tools"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("dragonflow: engine closed")

// Engine executes one flow, line by line in process or batch-wise through a
// worker pool.
type Engine struct {
	cfg     *config.Config
	log     *logging.Logger
	flow    *core.Flow
	metrics *metrics.Metrics
	events  eventbus.Publisher
	bus     *eventbus.ChannelEventBus

	externalEvents bool

	deps       *components
	extraSinks []core.RunStorage
	exec       *executor.Executor
	invoker    *tools.Invoker

	processWorkers bool
	processOpts    []batch.ProcessOption

	ctx    context.Context
	cancel context.CancelFunc

	coordMu sync.Mutex
	coord   *batch.Coordinator

	inflightMu sync.Mutex
	inflight   map[string]map[uint64]context.CancelFunc
	nextID     atomic.Uint64

	asyncMu sync.RWMutex
	async   map[string]*asyncRun
	asyncWG conc.WaitGroup

	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRegistry replaces the package tool registry. The default registry holds
// the builtin tools.
func WithRegistry(reg *tools.Registry) Option {
	return func(e *Engine) { e.deps.registry = reg }
}

// WithPrompts sets the prompt runtime used by prompt tools.
func WithPrompts(p tools.PromptRunner) Option {
	return func(e *Engine) { e.deps.prompts = p }
}

// WithMetrics shares a metrics registry between engines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRunStorage adds a sink next to the configured ones.
func WithRunStorage(s core.RunStorage) Option {
	return func(e *Engine) { e.extraSinks = append(e.extraSinks, s) }
}

// WithProcessWorkers runs batches in child processes instead of goroutines.
// The binary must serve batch.WorkerCommand, see cmd/dragonflow.
func WithProcessWorkers(opts ...batch.ProcessOption) Option {
	return func(e *Engine) {
		e.processWorkers = true
		e.processOpts = opts
	}
}

// Open loads the flow file at path and creates an engine for it.
func Open(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	f, err := flow.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, f, opts...)
}

// New creates an engine for f. Every node is resolved here; an unresolvable
// tool fails construction before any line runs.
func New(ctx context.Context, f *core.Flow, opts ...Option) (*Engine, error) {
	if f == nil {
		return nil, core.NewConfigurationError("engine requires a flow", nil)
	}
	e := &Engine{
		flow:     f,
		log:      logging.Nop(),
		events:   eventbus.Nop{},
		deps:     &components{},
		inflight: make(map[string]map[uint64]context.CancelFunc),
		async:    make(map[string]*asyncRun),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg == nil {
		e.cfg = config.Default()
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	e.log = e.log.WithFields(logging.Fields(logging.FieldFlowID, f.ID))
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if e.deps.registry == nil {
		reg, err := DefaultRegistry(e.cfg)
		if err != nil {
			return nil, err
		}
		e.deps.registry = reg
	}
	e.openEventBus()
	e.deps.cfg = e.cfg
	e.deps.log = e.log
	e.deps.events = e.events
	e.deps.recorder = e.metrics
	if err := buildComponents(ctx, e.deps, e.extraSinks); err != nil {
		return nil, err
	}
	exec, err := e.deps.newExecutor(f)
	if err != nil {
		_ = e.deps.close()
		return nil, err
	}
	e.exec = exec
	inv, err := e.deps.newInvoker(f)
	if err != nil {
		exec.Close()
		_ = e.deps.close()
		return nil, err
	}
	e.invoker = inv
	e.log.Info("Engine ready", logging.Fields(
		"nodes", len(f.Nodes),
		"tools", len(f.Tools),
		"cache", e.cfg.Cache.Backend,
	))
	return e, nil
}

// Flow returns the flow the engine runs.
func (e *Engine) Flow() *core.Flow { return e.flow }

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Metrics returns the engine's Prometheus metrics.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Executor returns the in-process executor.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// Records returns the in-memory run sink, or nil when the memory sink is not
// configured.
func (e *Engine) Records() *storage.MemorySink { return e.deps.memory }

// Tools lists the flow-level tools with their parameter schemas.
func (e *Engine) Tools() []tools.FunctionSchema { return e.invoker.Schemas() }

// InvokeTool calls a flow-level tool by name with JSON-encoded arguments, the
// way a model tool call arrives.
func (e *Engine) InvokeTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.invoker.Invoke(ctx, name, args)
}

// NewRunID returns a fresh flow run id.
func NewRunID() string { return uuid.NewString() }

// Run executes one row in process under a fresh run id.
func (e *Engine) Run(ctx context.Context, inputs map[string]any) *core.LineResult {
	return e.RunLine(ctx, NewRunID(), 0, inputs)
}

// RunLine executes one row in process. Cancel(runID) interrupts it.
func (e *Engine) RunLine(ctx context.Context, runID string, index int, inputs map[string]any) *core.LineResult {
	if e.closed.Load() {
		return core.FailedLineResult(runID, index, core.StatusCanceled, core.NewCancelledError("engine", ErrClosed))
	}
	ctx, done := e.track(ctx, runID)
	defer done()
	return e.exec.ExecuteLine(ctx, executor.LineRequest{RunID: runID, Index: index, Inputs: inputs})
}

// Dispatch executes one row on the worker pool.
func (e *Engine) Dispatch(ctx context.Context, runID string, index int, inputs map[string]any) (*core.LineResult, error) {
	coord, err := e.coordinator(0)
	if err != nil {
		return nil, err
	}
	return coord.Submit(ctx, runID, index, inputs).Wait(ctx)
}

// ExecuteNode runs a single node against supplied upstream outputs.
func (e *Engine) ExecuteNode(ctx context.Context, req executor.NodeRequest) (*core.NodeRunInfo, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	ctx, done := e.track(ctx, req.RunID)
	defer done()
	return e.exec.ExecuteNode(ctx, req)
}

// BatchResult is the outcome of RunBatch.
type BatchResult struct {
	RunID       string                  `json:"run_id"`
	Lines       []*core.LineResult      `json:"lines"`
	Aggregation *core.AggregationResult `json:"aggregation,omitempty"`
}

// Counts tallies lines by status.
func (r *BatchResult) Counts() map[core.Status]int {
	counts := map[core.Status]int{}
	for _, l := range r.Lines {
		counts[l.Status]++
	}
	return counts
}

// RunBatch executes rows on the worker pool and then the flow's aggregation
// nodes over the results. An empty runID gets a fresh one.
func (e *Engine) RunBatch(ctx context.Context, runID string, rows []map[string]any) (*BatchResult, error) {
	if runID == "" {
		runID = NewRunID()
	}
	coord, err := e.coordinator(len(rows))
	if err != nil {
		return nil, err
	}
	res := &BatchResult{RunID: runID, Lines: coord.RunBatch(ctx, runID, rows)}
	if len(e.flow.AggregationNodes()) > 0 {
		ctx, done := e.track(ctx, runID)
		defer done()
		res.Aggregation = e.exec.ExecuteAggregation(ctx, runID, res.Lines)
	}
	return res, nil
}

// Process runs an externally sharded mini-batch, see batch.Coordinator.Process.
func (e *Engine) Process(ctx context.Context, rows []map[string]any, pctx batch.ProcessContext) ([]json.RawMessage, error) {
	coord, err := e.coordinator(len(rows))
	if err != nil {
		return nil, err
	}
	return coord.Process(ctx, rows, pctx)
}

// Cancel stops every line, node and batch row of runID, wherever it runs.
// It reports whether anything was running.
func (e *Engine) Cancel(runID string) bool {
	canceled := false
	e.inflightMu.Lock()
	for _, cancel := range e.inflight[runID] {
		cancel()
		canceled = true
	}
	e.inflightMu.Unlock()

	e.coordMu.Lock()
	coord := e.coord
	e.coordMu.Unlock()
	if coord != nil && coord.Cancel(runID) {
		canceled = true
	}
	if ok, _ := e.CancelAsync(runID); ok {
		canceled = true
	}
	return canceled
}

// track registers ctx under runID for Cancel.
func (e *Engine) track(ctx context.Context, runID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	id := e.nextID.Add(1)
	e.inflightMu.Lock()
	if e.inflight[runID] == nil {
		e.inflight[runID] = make(map[uint64]context.CancelFunc)
	}
	e.inflight[runID][id] = cancel
	e.inflightMu.Unlock()
	return ctx, func() {
		e.inflightMu.Lock()
		delete(e.inflight[runID], id)
		if len(e.inflight[runID]) == 0 {
			delete(e.inflight, runID)
		}
		e.inflightMu.Unlock()
		cancel()
	}
}

// coordinator starts the worker pool on first use, sized for rows.
func (e *Engine) coordinator(rows int) (*batch.Coordinator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.coordMu.Lock()
	defer e.coordMu.Unlock()
	if e.coord != nil {
		return e.coord, nil
	}

	var launcher batch.Launcher
	if e.processWorkers {
		opts := append([]batch.ProcessOption{batch.WithProcessLogger(e.log)}, e.processOpts...)
		l, err := batch.NewProcessLauncher(e.flow, opts...)
		if err != nil {
			return nil, err
		}
		launcher = l
	} else {
		launcher = batch.NewInProcessLauncher(e.flow, e.deps.factory())
	}

	cfg := e.cfg.Batch
	cfg.RowsHint = rows
	coord := batch.NewCoordinator(cfg, launcher,
		batch.WithLogger(e.log),
		batch.WithRecorder(e.metrics),
		batch.WithEvents(e.events),
	)
	if err := coord.Start(e.ctx); err != nil {
		return nil, err
	}
	e.coord = coord
	return coord, nil
}

// Close cancels outstanding async runs, tears down the worker pool and
// releases the cache and sink connections. It is idempotent.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancelAllAsync()
	var errs []error
	e.coordMu.Lock()
	if e.coord != nil {
		errs = append(errs, e.coord.Close())
	}
	e.coordMu.Unlock()
	e.asyncWG.Wait()
	e.exec.Close()
	errs = append(errs, e.deps.close())
	e.cancel()
	e.log.Info("Engine closed")
	return errors.Join(errs...)
}
