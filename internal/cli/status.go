package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/taskpilot/internal/daemon"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Show whether the taskpilot gateway started with "serve" is running.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func lifecycleManager() (*daemon.LifecycleManager, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	return daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop()), nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	lm, err := lifecycleManager()
	if err != nil {
		return err
	}

	if !lm.IsRunning() {
		cmd.Println("Status: stopped")
		return nil
	}

	pid, err := lm.GetPID()
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)
	// PID file modification time approximates the start time
	if info, err := os.Stat(lm.PIDFile()); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
