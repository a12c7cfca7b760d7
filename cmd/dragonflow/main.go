// dragonflow runs flows: one row, a batch of rows, or as an HTTP service.
//
// Usage:
//
//	dragonflow [--config FILE] [--env-file FILE] <command> [flags]
//
// Commands:
//
//	serve   Serve the execution API for one flow
//	run     Execute one row and print its result
//	batch   Execute a file of rows on the worker pool
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonflow/internal/batch"
)

// version is set through ldflags at build time.
var version = "dev"

func main() {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:           "dragonflow",
		Short:         "dragonflow flow execution engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", ".env file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(
		newServeCmd(&opts),
		newRunCmd(&opts),
		newBatchCmd(&opts),
		newWorkerCmd(&opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// workerArgs are the arguments a parent passes to re-executed workers so they
// load the same configuration.
func (o *globalOptions) workerArgs() []string {
	args := []string{batch.WorkerCommand}
	if o.configFile != "" {
		args = append(args, "--config", o.configFile)
	}
	if o.envFile != "" {
		args = append(args, "--env-file", o.envFile)
	}
	if o.logLevel != "" {
		args = append(args, "--log-level", o.logLevel)
	}
	return args
}
