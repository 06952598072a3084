package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrConfiguration marks failures that are fatal to the whole run rather
// than retryable attempt failures: a missing binary, a binary that cannot
// be spawned at all, or missing generated bindings. The supervisor never
// consumes an attempt for these.
var ErrConfiguration = errors.New("configuration error")

// Process is a handle to one launched instance of the service under test.
// The launcher returns it immediately after spawn; readiness is decided
// separately by the probe. Only the owning ManagedProcess (or the
// supervisor's disposal path) may signal or wait on it.
type Process struct {
	spec      LaunchSpec
	cmd       *exec.Cmd
	output    *OutputCollector
	startTime time.Time
	ptmx      *os.File

	done     chan struct{}
	exitCode int
	waitErr  error
	mu       sync.RWMutex
}

// Launch starts the service binary described by spec with its combined
// output captured into a harness-owned collector. It returns immediately;
// the child may still die or fail to bind its port afterwards. A spawn
// failure is a configuration error, not a retryable attempt failure.
func Launch(spec LaunchSpec) (*Process, error) {
	info, err := os.Stat(spec.Exe)
	if err != nil {
		return nil, fmt.Errorf("%w: server binary %q: %v", ErrConfiguration, spec.Exe, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: server binary %q is a directory", ErrConfiguration, spec.Exe)
	}

	cmd := exec.Command(spec.Exe, spec.Args()...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	cmd.Env = append(os.Environ(), spec.Env...)

	collector := NewOutputCollector(0)
	proc := &Process{
		spec:   spec,
		cmd:    cmd,
		output: collector,
		done:   make(chan struct{}),
	}

	if spec.UsePTY {
		// pty.Start puts the child in its own session with the pty as its
		// controlling terminal, which also makes stdio line-buffered.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to start %q: %v", ErrConfiguration, spec.Exe, err)
		}
		proc.ptmx = ptmx
		go func() {
			// EIO when the child exits is expected on Linux ptys.
			io.Copy(collector, ptmx)
		}()
	} else {
		cmd.Stdout = collector
		cmd.Stderr = collector
		// Own process group so termination signals reach any children too
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: failed to start %q: %v", ErrConfiguration, spec.Exe, err)
		}
	}

	proc.startTime = time.Now()

	slog.Debug("Launched service process",
		"exe", spec.Exe,
		"port", spec.Port,
		"pid", cmd.Process.Pid)

	go proc.reap()

	return proc, nil
}

// reap waits for the child and records its exit outcome exactly once.
func (p *Process) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	if err == nil {
		p.exitCode = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitErr.ExitCode()
	} else {
		p.exitCode = -1
	}
	p.mu.Unlock()

	if p.ptmx != nil {
		p.ptmx.Close()
	}
	close(p.done)
}

// Pid returns the OS process ID of the child.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Spec returns the immutable launch description for this attempt.
func (p *Process) Spec() LaunchSpec {
	return p.spec
}

// StartTime returns when the child was spawned.
func (p *Process) StartTime() time.Time {
	return p.startTime
}

// Exited reports whether the child has exited, and with which code. The
// code is only meaningful when the first return is true.
func (p *Process) Exited() (bool, int) {
	select {
	case <-p.done:
		p.mu.RLock()
		defer p.mu.RUnlock()
		return true, p.exitCode
	default:
		return false, 0
	}
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Signal delivers sig to the child's process group, falling back to the
// process itself if the group signal fails.
func (p *Process) Signal(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

// Output returns the combined stdout/stderr captured so far.
func (p *Process) Output() string {
	return p.output.Snapshot()
}

// Collector exposes the output collector for live streaming subscribers.
func (p *Process) Collector() *OutputCollector {
	return p.output
}

// DrainOutput gives a terminating child a bounded window to exit and flush,
// then returns whatever was captured. It never blocks past wait even if the
// child is wedged with a full pipe; partial output is fine, this path is
// diagnostics only.
func (p *Process) DrainOutput(wait time.Duration) string {
	select {
	case <-p.done:
	case <-time.After(wait):
		slog.Debug("Output drain timed out, returning partial capture",
			"pid", p.cmd.Process.Pid, "wait", wait)
	}
	p.output.Flush()
	return p.output.Snapshot()
}
