package cli

import (
	"context"
	"fmt"

	"github.com/harun/taskpilot/internal/daemon"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket gateway in the foreground",
	Long: `Run the gateway in the foreground. Tasks are submitted over HTTP and
execution events are streamed to WebSocket clients. SIGINT or SIGTERM aborts
the active run and shuts the gateway down.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "gateway port, overrides the config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(context.Background(), cfg, log)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}
	cmd.Printf("Gateway listening on %s\n", d.Status().Addr)

	d.Wait()
	return nil
}
