package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the taskpilot gateway",
	Long: `Stop the gateway gracefully.
Sends SIGTERM, which aborts the active run, and waits for the process to exit.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the gateway to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	lm, err := lifecycleManager()
	if err != nil {
		return err
	}

	if !lm.IsRunning() {
		return fmt.Errorf("gateway is not running")
	}

	if err := lm.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !lm.IsRunning() {
			cmd.Println("Gateway stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	cmd.Println("Timeout reached, sending SIGKILL...")
	if err := lm.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	os.Remove(lm.PIDFile())
	cmd.Println("Gateway killed")
	return nil
}
