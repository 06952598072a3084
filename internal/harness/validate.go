package harness

import (
	"log/slog"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ValidateServerPID checks that pid is still running and still looks like an
// instance of the given server binary. This guards against PID reuse before
// signaling a process recorded in an earlier run (stale pidfile, history
// replay): a recycled PID must never be killed on the strength of a number
// alone.
func ValidateServerPID(pid int, exe string) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		slog.Debug("Process not found", "pid", pid)
		return false
	}

	running, err := proc.IsRunning()
	if err != nil || !running {
		slog.Debug("Process not running", "pid", pid, "error", err)
		return false
	}

	cmdline, err := proc.Cmdline()
	if err != nil {
		slog.Debug("Failed to read process command line", "pid", pid, "error", err)
		return false
	}

	// "Contains" matching on the binary name: the recorded path may differ
	// from the running cmdline (relative vs absolute, symlinks).
	if !strings.Contains(cmdline, filepath.Base(exe)) {
		slog.Debug("Process command line mismatch",
			"pid", pid,
			"expected", exe,
			"actual", cmdline)
		return false
	}

	return true
}

// ReapStalePID terminates a leaked server process from an earlier run, but
// only after validating that the PID still belongs to the server binary.
// Returns true if a stale process was found and signaled.
func ReapStalePID(pid int, exe string) bool {
	if pid <= 0 || !ValidateServerPID(pid, exe) {
		return false
	}
	slog.Warn("Terminating stale server process from previous run", "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		syscall.Kill(pid, syscall.SIGTERM)
	}
	return true
}
