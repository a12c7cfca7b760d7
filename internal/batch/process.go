package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// WorkerCommand is the hidden subcommand a re-executed binary serves the
// worker protocol on.
const WorkerCommand = "worker"

// ProcessLauncher starts workers as child processes of the current binary.
// Every child receives the flow as a JSON snapshot, resolves its own tools
// and runs in its own process group so a kill reaches every descendant.
type ProcessLauncher struct {
	snapshot     []byte
	path         string
	args         []string
	env          []string
	stderr       io.Writer
	killGrace    time.Duration
	startTimeout time.Duration
	log          *logging.Logger
}

// ProcessOption configures a ProcessLauncher.
type ProcessOption func(*ProcessLauncher)

// WithCommand replaces the executable and arguments. The default is the
// current executable with the worker subcommand.
func WithCommand(path string, args ...string) ProcessOption {
	return func(l *ProcessLauncher) {
		l.path = path
		l.args = args
	}
}

// WithEnv sets the environment of the children. Nil inherits ours.
func WithEnv(env []string) ProcessOption {
	return func(l *ProcessLauncher) { l.env = env }
}

// WithStderr sets where child logs are copied.
func WithStderr(w io.Writer) ProcessOption {
	return func(l *ProcessLauncher) { l.stderr = w }
}

// WithKillGrace sets how long a child gets between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) ProcessOption {
	return func(l *ProcessLauncher) { l.killGrace = d }
}

// WithStartTimeout bounds the wait for a child's ready message.
func WithStartTimeout(d time.Duration) ProcessOption {
	return func(l *ProcessLauncher) { l.startTimeout = d }
}

// WithProcessLogger sets the launcher logger.
func WithProcessLogger(log *logging.Logger) ProcessOption {
	return func(l *ProcessLauncher) { l.log = log.WithComponent("process-launcher") }
}

// NewProcessLauncher serializes flow once for every worker it will start.
func NewProcessLauncher(flow *dragonflow.Flow, opts ...ProcessOption) (*ProcessLauncher, error) {
	snapshot, err := json.Marshal(flow)
	if err != nil {
		return nil, dragonflow.NewInternalError("batch", "cannot serialize flow snapshot", err)
	}
	l := &ProcessLauncher{
		snapshot:     snapshot,
		args:         []string{WorkerCommand},
		stderr:       os.Stderr,
		killGrace:    2 * time.Second,
		startTimeout: 30 * time.Second,
		log:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.path == "" {
		if l.path, err = os.Executable(); err != nil {
			return nil, dragonflow.NewConfigurationError("cannot locate current executable", err)
		}
	}
	return l, nil
}

// Launch starts a child and waits until it reports ready.
func (l *ProcessLauncher) Launch(ctx context.Context) (Worker, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(l.path, l.args...)
	cmd.Env = l.env
	cmd.Stdout = stdoutW
	cmd.Stderr = l.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.killGrace
	stdin, err := cmd.StdinPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	stdoutW.Close()

	w := &ProcessWorker{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdoutR, 64*1024),
		pipe:   stdoutR,
		exited: make(chan struct{}),
		grace:  l.killGrace,
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()

	if err := w.send(initMessage{Flow: l.snapshot}); err != nil {
		w.abort()
		return nil, fmt.Errorf("send flow snapshot: %w", err)
	}
	startCtx, cancel := context.WithTimeout(ctx, l.startTimeout)
	defer cancel()
	var ready readyMessage
	if err := w.receive(startCtx, &ready); err != nil {
		w.abort()
		return nil, fmt.Errorf("worker did not become ready: %w", err)
	}
	if !ready.Ready {
		w.abort()
		return nil, dragonflow.NewInternalError("batch", "worker failed to initialize", ready.Error.Err())
	}
	l.log.Debug("Worker process started", logging.Fields(logging.FieldWorker, w.id, "pid", w.PID()))
	return w, nil
}

// ProcessWorker is a child process speaking the worker protocol.
type ProcessWorker struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pipe   *os.File
	grace  time.Duration

	mu      sync.Mutex
	exited  chan struct{}
	waitErr error
}

func (w *ProcessWorker) ID() string { return w.id }

func (w *ProcessWorker) PID() int { return w.cmd.Process.Pid }

// Execute sends item and waits for its envelope. When ctx ends first the
// process group is killed.
func (w *ProcessWorker) Execute(ctx context.Context, item dragonflow.WorkItem) (*dragonflow.ResultEnvelope, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.exited:
		return nil, w.exitError()
	default:
	}
	if err := w.send(item); err != nil {
		return nil, w.exitOr(err)
	}
	var env dragonflow.ResultEnvelope
	if err := w.receive(ctx, &env); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, w.exitOr(err)
	}
	if env.RunID != item.RunID || env.Index != item.Index {
		return nil, fmt.Errorf("worker answered %s/%d for %s/%d", env.RunID, env.Index, item.RunID, item.Index)
	}
	return &env, nil
}

func (w *ProcessWorker) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.stdin.Write(append(b, '\n'))
	return err
}

// receive reads one message. The read is abandoned and the process killed
// when ctx ends.
func (w *ProcessWorker) receive(ctx context.Context, v any) error {
	done := make(chan error, 1)
	go func() { done <- readMessage(w.stdout, v) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = w.Kill()
		select {
		case <-done:
		case <-time.After(w.grace):
		}
		return ctx.Err()
	}
}

// exitOr waits briefly for the process to exit so its status can explain err.
func (w *ProcessWorker) exitOr(err error) error {
	select {
	case <-w.exited:
		return w.exitError()
	case <-time.After(w.grace):
		return err
	}
}

func (w *ProcessWorker) exitError() error {
	if w.waitErr != nil {
		return fmt.Errorf("worker process %d exited: %w", w.PID(), w.waitErr)
	}
	return fmt.Errorf("worker process %d exited: %w", w.PID(), io.ErrUnexpectedEOF)
}

// Kill sends SIGTERM to the process group, then SIGKILL after the grace
// period.
func (w *ProcessWorker) Kill() error {
	select {
	case <-w.exited:
		return nil
	default:
	}
	pgid := -w.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	select {
	case <-w.exited:
		return nil
	case <-time.After(w.grace):
	}
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	<-w.exited
	return nil
}

// Close closes stdin so the worker exits, killing it if it lingers.
func (w *ProcessWorker) Close() error {
	_ = w.stdin.Close()
	var err error
	select {
	case <-w.exited:
	case <-time.After(w.grace):
		err = w.Kill()
	}
	w.pipe.Close()
	return err
}

func (w *ProcessWorker) abort() {
	_ = w.Kill()
	_ = w.stdin.Close()
	w.pipe.Close()
}
