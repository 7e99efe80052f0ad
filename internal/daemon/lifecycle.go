package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

const pidFileName = "taskpilot.pid"

// LifecycleManager owns the PID file of a serving process. The CLI uses it
// to find and signal a running server.
type LifecycleManager struct {
	dataDir string
	pidFile string
	logger  zerolog.Logger
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(dataDir string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		dataDir: dataDir,
		pidFile: filepath.Join(dataDir, pidFileName),
		logger:  logger,
	}
}

// PIDFile returns the PID file path.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// Start writes the PID file. It fails when another live process owns it.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := l.GetPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("server already running with pid %d", pid)
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")

	return nil
}

// Stop removes the PID file
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	l.logger.Info().Msg("Lifecycle manager stopped")
	return nil
}

// GetPID returns the PID recorded in the PID file
func (l *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}

	return pid, nil
}

// IsRunning reports whether the process in the PID file is alive.
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Signal sends sig to the recorded process.
func (l *LifecycleManager) Signal(sig os.Signal) error {
	pid, err := l.GetPID()
	if err != nil {
		return fmt.Errorf("no running server: %w", err)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// processAlive sends signal 0, which only checks for existence.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
