package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonflow/internal/batch"
	"github.com/ZanzyTHEbar/dragonflow/internal/config"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
	"github.com/ZanzyTHEbar/dragonflow/internal/service"
	"github.com/ZanzyTHEbar/dragonflow/pkg/dragonflow"
)

type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

func (o *globalOptions) load() (*config.Config, *logging.Logger, error) {
	var loadOpts []config.Option
	if o.configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(o.configFile))
	}
	if o.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(o.envFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logging.New(cfg.Logging, "dragonflow"), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openEngine(ctx context.Context, o *globalOptions, flowPath string, processWorkers bool) (*dragonflow.Engine, *config.Config, *logging.Logger, error) {
	if flowPath == "" {
		return nil, nil, nil, fmt.Errorf("--flow is required")
	}
	cfg, log, err := o.load()
	if err != nil {
		return nil, nil, nil, err
	}
	opts := []dragonflow.Option{dragonflow.WithConfig(cfg), dragonflow.WithLogger(log)}
	if processWorkers {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cannot locate executable: %w", err)
		}
		opts = append(opts, dragonflow.WithProcessWorkers(
			batch.WithCommand(exe, o.workerArgs()...),
			batch.WithStderr(os.Stderr),
		))
	}
	eng, err := dragonflow.Open(ctx, flowPath, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, cfg, log, nil
}

func newServeCmd(o *globalOptions) *cobra.Command {
	var flowPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution API for one flow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			eng, cfg, log, err := openEngine(ctx, o, flowPath, true)
			if err != nil {
				return err
			}
			defer eng.Close()

			svcCfg := cfg.Service
			if addr != "" {
				svcCfg.Addr = addr
			}
			srv := service.New(svcCfg, eng, eng.Metrics().Handler(), log)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			log.Info("Shutdown signal received")
			return srv.Stop(context.Background())
		},
	}
	cmd.Flags().StringVar(&flowPath, "flow", "", "Flow definition file (YAML or JSON)")
	cmd.Flags().StringVar(&addr, "addr", "", "Override service.addr")
	return cmd
}

func newRunCmd(o *globalOptions) *cobra.Command {
	var flowPath, inputs, runID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one row and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			row := map[string]any{}
			if inputs != "" {
				if err := json.Unmarshal([]byte(inputs), &row); err != nil {
					return fmt.Errorf("--inputs must be a JSON object: %w", err)
				}
			}
			eng, _, _, err := openEngine(ctx, o, flowPath, false)
			if err != nil {
				return err
			}
			defer eng.Close()

			if runID == "" {
				runID = dragonflow.NewRunID()
			}
			res := eng.RunLine(ctx, runID, 0, row)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&flowPath, "flow", "", "Flow definition file (YAML or JSON)")
	cmd.Flags().StringVar(&inputs, "inputs", "", "Row inputs as a JSON object")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: random)")
	return cmd
}

func newBatchCmd(o *globalOptions) *cobra.Command {
	var flowPath, rowsPath, runID string
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Execute a file of rows (JSON array or JSON lines) on the worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			rows, err := readRows(rowsPath)
			if err != nil {
				return err
			}
			eng, _, log, err := openEngine(ctx, o, flowPath, !inProcess)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.RunBatch(ctx, runID, rows)
			if err != nil {
				return err
			}
			counts := res.Counts()
			log.Info("Batch done", logging.Fields(
				logging.FieldRunID, res.RunID,
				"rows", len(rows),
				"completed", counts["completed"],
				"failed", counts["failed"],
				"canceled", counts["canceled"],
			))
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&flowPath, "flow", "", "Flow definition file (YAML or JSON)")
	cmd.Flags().StringVar(&rowsPath, "rows", "", "Rows file; - reads stdin")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default: random)")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "Run rows on goroutines instead of worker processes")
	return cmd
}

func newWorkerCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:    batch.WorkerCommand,
		Short:  "Serve the batch worker protocol on stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, _, err := o.load()
			if err != nil {
				return err
			}
			// stdout carries result envelopes.
			cfg.Logging.Output = "stderr"
			log := logging.New(cfg.Logging, "dragonflow-worker").
				WithFields(logging.Fields(logging.FieldWorker, os.Getpid()))
			factory, closeFn, err := dragonflow.WorkerFactory(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer closeFn()
			return batch.Serve(ctx, os.Stdin, os.Stdout, factory, log)
		},
	}
}

func readRows(path string) ([]map[string]any, error) {
	if path == "" {
		return nil, fmt.Errorf("--rows is required")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read rows: %w", err)
	}
	return parseRows(data)
}

// parseRows accepts a JSON array of objects or one object per line.
func parseRows(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []map[string]any
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("rows must be a JSON array of objects: %w", err)
		}
		return rows, nil
	}
	var rows []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("rows line %d: %w", n, err)
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
