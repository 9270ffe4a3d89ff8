package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/kurir/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Kurir daemon service",
	Long: `Start the Kurir daemon in the foreground.
The daemon polls Telegram, runs scheduled jobs and serves metrics until it
receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if pid, running := daemon.IsRunning(cfg.DataDir); running {
		return fmt.Errorf("daemon is already running with PID %d", pid)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log.GetZerolog(), daemonOptions...)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
