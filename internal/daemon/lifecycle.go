package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

const pidFileName = "kurir.pid"

// PIDFile returns the pid file path under dataDir.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, pidFileName)
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func removePIDFile(path string, logger zerolog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Str("pid_file", path).Msg("Failed to remove PID file")
	}
}

// ReadPID returns the pid recorded in dataDir.
func ReadPID(dataDir string) (int, error) {
	data, err := os.ReadFile(PIDFile(dataDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file: %q", string(data))
	}
	return pid, nil
}

// IsRunning reports whether the process in the pid file is alive. A stale
// pid file reports false.
func IsRunning(dataDir string) (int, bool) {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// signal 0 checks existence without delivering anything
	return pid, process.Signal(syscall.Signal(0)) == nil
}

// Stop sends SIGTERM to the running daemon.
func Stop(dataDir string) (int, error) {
	pid, running := IsRunning(dataDir)
	if !running {
		return 0, errors.New("kurir is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return pid, nil
}
