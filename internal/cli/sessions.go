package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/taskpilot/internal/daemon"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var sessionFormat string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect saved execution sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsShowCmd.Flags().StringVar(&sessionFormat, "format", "text", "output format (text, json, yaml)")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (session.Store, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	return daemon.OpenStore(cfg.Sessions)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(summaries) == 0 {
		cmd.Println("No sessions.")
		return nil
	}
	printSummaries(cmd.OutOrStdout(), summaries)
	return nil
}

func printSummaries(w io.Writer, summaries []session.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tOUTCOME\tSTEPS\tTASK")
	for _, s := range summaries {
		outcome := string(s.Outcome)
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.UpdatedAt.Local().Format(time.DateTime), outcome, s.Steps, truncate(s.Task, 60))
	}
	tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Load(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", args[0], err)
	}
	return writeSession(cmd.OutOrStdout(), sess, sessionFormat)
}

func writeSession(w io.Writer, sess *session.ExecutionSession, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	case "yaml":
		// round-trip through JSON so the yaml keys match the stored form
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		printSession(w, sess)
		return nil
	default:
		return fmt.Errorf("unknown format %q (must be: text, json, yaml)", format)
	}
}

func printSession(w io.Writer, sess *session.ExecutionSession) {
	fmt.Fprintf(w, "Session: %s\n", sess.ID)
	fmt.Fprintf(w, "Task:    %s\n", sess.Task)
	if sess.Outcome != "" {
		fmt.Fprintf(w, "Outcome: %s\n", sess.Outcome)
	}
	if sess.Plan != nil {
		fmt.Fprintf(w, "Goal:    %s\n", sess.Plan.Goal)
	}
	for _, step := range sess.StepExecutions {
		fmt.Fprintf(w, "\n[%d] %s (%s)\n", step.StepNumber, step.Agent, step.Status)
		fmt.Fprintf(w, "    %s\n", step.Description)
		if step.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", step.Error)
		}
		if step.Response != "" {
			fmt.Fprintf(w, "    %s\n", truncate(step.Response, 400))
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
