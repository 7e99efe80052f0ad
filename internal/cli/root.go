package cli

import (
	"fmt"
	"os"

	"github.com/harun/taskpilot/internal/config"
	"github.com/harun/taskpilot/internal/logger"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Taskpilot - multi-backend LLM task execution",
	Long: `Taskpilot plans a task with a manager model and executes the plan step by
step across reasoning, search and local model backends. Agents can call each
other and external MCP tools while a step resolves.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.taskpilot/taskpilot.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config file")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// readConfig loads the configuration named by --config without validating
// backends. Commands that never call a model use it directly.
func readConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes to the configured log file. Console output goes to stderr
// and is pretty-printed when stderr is a terminal.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	interactive := term.IsTerminal(int(os.Stderr.Fd()))
	return logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    console,
		Pretty:     cfg.Logging.Pretty || (console && interactive),
		Redaction:  cfg.Logging.Redaction,
		Secrets:    cfg.Secrets(),
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}
