package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// Worker protocol, one JSON document per line:
//
//	parent -> worker  initMessage      once
//	worker -> parent  readyMessage     once
//	parent -> worker  WorkItem         per row
//	worker -> parent  ResultEnvelope   per row
//
// The worker exits when its stdin closes. Logs go to stderr.

type initMessage struct {
	Flow json.RawMessage `json:"flow"`
}

type readyMessage struct {
	Ready bool                    `json:"ready"`
	PID   int                     `json:"pid,omitempty"`
	Error *dragonflow.ErrorDetail `json:"error,omitempty"`
}

const maxLine = 64 << 20

var nopLog = logging.Nop()

func readMessage(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) == 0 {
			return io.EOF
		}
		if !errors.Is(err, io.EOF) {
			return err
		}
	}
	if len(line) > maxLine {
		return fmt.Errorf("message of %d bytes exceeds limit", len(line))
	}
	return json.Unmarshal(line, v)
}

// Serve runs the worker side of the protocol until in is closed or ctx ends.
func Serve(ctx context.Context, in io.Reader, out io.Writer, factory Factory, log *logging.Logger) error {
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("worker").WithFields(logging.Fields("pid", os.Getpid()))
	reader := bufio.NewReaderSize(in, 64*1024)
	enc := json.NewEncoder(out)

	var init initMessage
	if err := readMessage(reader, &init); err != nil {
		return fmt.Errorf("read init message: %w", err)
	}
	runner, err := startRunner(init, factory)
	if err != nil {
		_ = enc.Encode(readyMessage{Error: dragonflow.FromError(err)})
		return err
	}
	defer runner.Close()
	if err := enc.Encode(readyMessage{Ready: true, PID: os.Getpid()}); err != nil {
		return err
	}
	log.Debug("Worker ready")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var item dragonflow.WorkItem
		err := readMessage(reader, &item)
		switch {
		case errors.Is(err, io.EOF):
			log.Debug("Input closed, worker exiting")
			return nil
		case err != nil:
			var syntaxErr *json.SyntaxError
			if !errors.As(err, &syntaxErr) {
				return err
			}
			if err := enc.Encode(dragonflow.ResultEnvelope{Error: dragonflow.FromError(dragonflow.NewValidationError("worker", "malformed work item", err))}); err != nil {
				return err
			}
			continue
		}
		env := dragonflow.ResultEnvelope{RunID: item.RunID, Index: item.Index, Result: runItem(ctx, runner, item, log)}
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
}

func startRunner(init initMessage, factory Factory) (Runner, error) {
	flow, err := dragonflow.DecodeFlow(init.Flow)
	if err != nil {
		return nil, err
	}
	return factory(flow)
}

func runItem(ctx context.Context, runner Runner, item dragonflow.WorkItem, log *logging.Logger) *dragonflow.LineResult {
	ctx = restore(ctx, item)
	if !item.Context.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, item.Context.Deadline)
		defer cancel()
	}
	if item.Context.TraceID != "" || item.Context.CorrelationID != "" {
		log.Debug("Executing row", logging.Fields(
			logging.FieldRunID, item.RunID,
			logging.FieldLine, item.Index,
			"trace_id", item.Context.TraceID,
			"correlation_id", item.Context.CorrelationID,
		))
	}
	return runner.ExecuteLine(ctx, executor.LineRequest{RunID: item.RunID, Index: item.Index, Inputs: item.Inputs})
}
