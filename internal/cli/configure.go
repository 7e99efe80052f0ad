package cli

import (
	"fmt"
	"os"

	"github.com/harun/taskpilot/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureAPIKey string
	configureForce  bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write the default configuration to the config path. The API key, when
given, is set on every Anthropic backend. Edit the file afterwards to add
search or local backends and MCP servers.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "Anthropic API key for the default backends")
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	for i := range cfg.Backends {
		if cfg.Backends[i].Provider == "anthropic" {
			cfg.Backends[i].APIKey = configureAPIKey
		}
	}

	if configureAPIKey != "" {
		if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
			return fmt.Errorf("invalid configuration: %w", errs[0])
		}
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration saved to: %s\n", configPath)
	if configureAPIKey == "" {
		cmd.Println("Set api_key on each backend (or TASKPILOT_* environment overrides) before running a task.")
	}
	cmd.Println(`Run a task with: taskpilot run "<task>"`)
	return nil
}
