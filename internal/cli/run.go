package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/harun/taskpilot/internal/daemon"
	"github.com/harun/taskpilot/pkg/engine"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/spf13/cobra"
)

var (
	runFiles   []string
	runJSON    bool
	runVerbose bool
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Plan and execute a task",
	Long: `Plan the task with the configured manager backend and execute every step.
Press Ctrl+C to abort; the partial session is still saved.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runFiles, "file", "f", nil, "file to attach (repeatable)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log progress to stderr")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, runVerbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	result, err := d.Run(ctx, args[0], runFiles)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printResult(cmd.OutOrStdout(), result)

	if result.Outcome == session.OutcomeFailed {
		return fmt.Errorf("task failed")
	}
	return nil
}

func printResult(w io.Writer, result *engine.Result) {
	if result.Response != "" {
		fmt.Fprintln(w, result.Response)
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, result.Summary)
	fmt.Fprintf(w, "Session: %s (%s)\n", result.SessionID, result.Outcome)
}
