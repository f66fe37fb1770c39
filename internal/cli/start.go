package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/internal/daemon"
	"github.com/harun/relay/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay daemon",
	Long: `Start the relay daemon in the foreground.
The daemon serves one session over the websocket gateway and runs
until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if pid, err := readPID(cfg); err == nil && processAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	// Policy changes hot-reload; they take effect from the next turn.
	watcher, err := config.NewWatcher(loader, d.ApplyConfig, *log.Zerolog())
	if err != nil {
		log.Zerolog().Warn().Err(err).Msg("Config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	d.Wait()
	return nil
}
