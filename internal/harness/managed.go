package harness

import (
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

// ManagedProcess owns one successfully started, readiness-verified instance
// of the service under test. It is the exclusive owner of the process
// lifecycle: no other component signals or waits on the same process. After
// Stop returns the process is guaranteed not running.
type ManagedProcess struct {
	proc *Process
	cfg  Config

	recorder EventRecorder
	attempt  int

	stopOnce sync.Once
	stopErr  error
}

func newManagedProcess(proc *Process, cfg Config) *ManagedProcess {
	return &ManagedProcess{proc: proc, cfg: cfg}
}

// Addr returns the verified host:port endpoint of the running service.
func (m *ManagedProcess) Addr() string {
	return m.proc.Spec().Addr()
}

// Port returns the listening port of the running service.
func (m *ManagedProcess) Port() int {
	return m.proc.Spec().Port
}

// Pid returns the OS process ID of the service.
func (m *ManagedProcess) Pid() int {
	return m.proc.Pid()
}

// Output returns the service's combined output captured so far.
func (m *ManagedProcess) Output() string {
	return m.proc.Output()
}

// Collector exposes the live output stream for subscribers.
func (m *ManagedProcess) Collector() *OutputCollector {
	return m.proc.Collector()
}

// Done is closed once the service process has exited, whatever the reason.
func (m *ManagedProcess) Done() <-chan struct{} {
	return m.proc.Done()
}

// Exited reports whether the service process has exited, and with what code.
func (m *ManagedProcess) Exited() (bool, int) {
	return m.proc.Exited()
}

// Running reports whether the service process is still alive.
func (m *ManagedProcess) Running() bool {
	exited, _ := m.proc.Exited()
	return !exited
}

// Stop terminates the service with escalation: SIGTERM, a bounded graceful
// wait, then SIGKILL and a bounded verification wait. It is idempotent and
// total: any number of calls from any exit path leave the process not
// running, and a process that already exited on its own is not an error.
func (m *ManagedProcess) Stop() error {
	m.stopOnce.Do(func() {
		m.stopErr = terminateProcess(m.proc, m.cfg.GraceTimeout)
		if m.recorder != nil {
			details := ""
			if m.stopErr != nil {
				details = m.stopErr.Error()
			}
			m.recorder.RecordEvent("stopped", m.attempt, m.Port(), m.Pid(), details)
		}
	})
	return m.stopErr
}

// terminateProcess implements the two-phase teardown shared by Stop and by
// the supervisor's disposal of failed attempts.
func terminateProcess(proc *Process, grace time.Duration) error {
	if exited, code := proc.Exited(); exited {
		slog.Debug("Process already exited before stop", "pid", proc.Pid(), "code", code)
		return nil
	}

	pid := proc.Pid()
	slog.Debug("Stopping service process", "pid", pid, "signal", "SIGTERM")

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// The process may have exited between the check and the signal.
		if exited, _ := proc.Exited(); exited {
			return nil
		}
		slog.Warn("Failed to send SIGTERM, escalating to SIGKILL", "pid", pid, "error", err)
	} else {
		select {
		case <-proc.Done():
			slog.Debug("Process terminated gracefully", "pid", pid)
			return nil
		case <-time.After(grace):
			slog.Warn("Process did not exit within grace period, forcing kill",
				"pid", pid, "grace", grace)
		}
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		if exited, _ := proc.Exited(); exited {
			return nil
		}
		return fmt.Errorf("failed to kill process %d: %w", pid, err)
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(grace):
		return fmt.Errorf("process %d survived SIGKILL", pid)
	}
}
