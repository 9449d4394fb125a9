package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/fogfactory/procpipe"
	"github.com/fogfactory/procpipe/benchmark"
	"github.com/fogfactory/procpipe/config"
)

// CLI Constants
const (
	FlagConfig      = "config"
	FlagConcurrency = "concurrency"
	FlagLogLevel    = "log-level"
	FlagJSON        = "json"
	FlagShowOutput  = "show-output"
	FlagCount       = "count"
	FlagPoolSizes   = "pool-sizes"
	FlagProfileDir  = "dir"
)

// ErrFailedItems is returned by run when at least one item did not exit with a zero code
var ErrFailedItems = errors.New("some items failed")

// CLI Variables
var (
	configPath  string
	concurrency int
	logLevel    string
	formatJSON  bool
	showOutput  bool
	count       int
	poolSizes   []int
	profileDir  string
)

var rootCmd = &cobra.Command{
	Use:   "procpipe",
	Short: "Run batches of commands and pipelines with a bounded process pool",
	Long: `procpipe runs the jobs of a YAML batch file as child processes, at most --concurrency at once.

A job is either a single command or a pipeline of commands. Results are printed in the batch file order.

QUICK START:
  procpipe run -c batch.yaml               # Run a batch file
  procpipe run -c batch.yaml --json        # Print results as JSON
  procpipe profile -- sleep 0.1            # Compare pool sizes on a command`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch file",
	RunE:  runBatch,
}

var profileCmd = &cobra.Command{
	Use:   "profile -- command [args...]",
	Short: "Run a command many times with several pool sizes and report timings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return benchmark.Profile(cmd.OutOrStdout(), profileDir, count, args, poolSizes...)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, FlagLogLevel, "warn", "Log level (debug, info, warn, error)")

	runCmd.Flags().StringVarP(&configPath, FlagConfig, "c", "", "Batch file path")
	runCmd.Flags().IntVar(&concurrency, FlagConcurrency, 0, "Override the batch file concurrency")
	runCmd.Flags().BoolVar(&formatJSON, FlagJSON, false, "Print results as JSON")
	runCmd.Flags().BoolVar(&showOutput, FlagShowOutput, false, "Print captured outputs")
	_ = runCmd.MarkFlagRequired(FlagConfig)

	profileCmd.Flags().IntVar(&count, FlagCount, 10, "Number of processes per run")
	profileCmd.Flags().IntSliceVar(&poolSizes, FlagPoolSizes, []int{1, 4, 10}, "Pool sizes to compare")
	profileCmd.Flags().StringVar(&profileDir, FlagProfileDir, ".", "Directory of the CPU profile file")

	rootCmd.AddCommand(runCmd, profileCmd)
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", FlagLogLevel, logLevel, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func runBatch(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}

	pool, err := procpipe.NewPool(cfg.Concurrency, append(cfg.PoolOptions(), procpipe.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer pool.Release()

	batch, err := pool.SubmitJobs(cfg.BuildJobs()...)
	if err != nil {
		return err
	}

	// Interrupting cancels the batch, results are still reported
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn("interrupted, canceling batch", "batch", batch.ID())
			batch.CancelAll()
		case <-batch.Done():
		}
	}()

	results, err := batch.Await(context.Background())
	if err != nil {
		return err
	}
	if err := printResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed := lo.CountBy(results, func(r procpipe.Result) bool { return !r.Success() }); failed > 0 {
		return fmt.Errorf("%w: %d/%d", ErrFailedItems, failed, len(results))
	}
	return nil
}

// resultView is the printed form of a Result
type resultView struct {
	Index    int     `json:"index"`
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	ExitCode int     `json:"exit_code"`
	Signal   string  `json:"signal,omitempty"`
	Elapsed  float64 `json:"elapsed_seconds"`
	Output   string  `json:"output,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Error    string  `json:"error,omitempty"`
	Warning  string  `json:"warning,omitempty"`
}

func newResultView(r procpipe.Result) resultView {
	errText := func(err error) string {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	v := resultView{
		Index:    r.Index,
		ID:       r.ItemID.String(),
		Name:     r.Name,
		State:    r.State.String(),
		ExitCode: r.ExitCode,
		Signal:   r.Signal,
		Elapsed:  r.Elapsed.Seconds(),
		Error:    errText(errors.Join(r.Err, r.InputErr)),
		Warning:  errText(r.Warning),
	}
	if showOutput || formatJSON {
		v.Output = string(r.Output)
		v.Stderr = string(r.Stderr)
	}
	return v
}

func printResults(w io.Writer, results []procpipe.Result) error {
	views := lo.Map(results, func(r procpipe.Result, _ int) resultView { return newResultView(r) })
	if formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	for _, v := range views {
		fmt.Fprintf(w, "%3d  %-9s exit=%-3d %8s  %s", v.Index, v.State, v.ExitCode, time.Duration(v.Elapsed*float64(time.Second)).Round(time.Millisecond), v.Name)
		if v.Signal != "" {
			fmt.Fprintf(w, "  signal=%s", v.Signal)
		}
		if v.Error != "" {
			fmt.Fprintf(w, "  error=%q", v.Error)
		}
		if v.Warning != "" {
			fmt.Fprintf(w, "  warning=%q", v.Warning)
		}
		fmt.Fprintln(w)
		if showOutput && v.Output != "" {
			fmt.Fprintf(w, "     | %s\n", strings.ReplaceAll(strings.TrimRight(v.Output, "\n"), "\n", "\n     | "))
		}
	}
	return nil
}
