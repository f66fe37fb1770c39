package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/harun/relay/internal/config"
)

// pidFilePath returns the daemon's PID file location for a config.
func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "relay.pid")
}

// readPID reads the daemon PID from the PID file.
func readPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(pidFilePath(cfg))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// processAlive checks whether a process with the given PID exists.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds, so probe with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}

// loadConfigForCommand loads and validates the configuration for the
// stop, status and configure subcommands.
func loadConfigForCommand() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
