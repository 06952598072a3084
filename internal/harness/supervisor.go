package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the supervisor's position in its launch state machine.
type State string

const (
	StateIdle       State = "idle"
	StateAttempting State = "attempting"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
)

// EventRecorder receives attempt lifecycle events for forensics. Recording
// is strictly best-effort and never gates the supervisor's outcome.
type EventRecorder interface {
	RecordEvent(event string, attempt, port, pid int, details string)
}

// Supervisor drives the bounded launch/probe/retry loop for one service
// under test. Each attempt gets a freshly allocated port; a failed attempt
// is fully disposed (terminated and drained) before the next port is
// allocated. One Supervisor serves one run; it is not reusable.
type Supervisor struct {
	cfg Config

	exe       string
	extraArgs []string
	workdir   string
	env       []string
	usePTY    bool

	recorder EventRecorder

	// probeFn runs the readiness probe for one attempt. Overridden in tests
	// to drive the state machine without a real health endpoint.
	probeFn func(context.Context, *Process, Config) ProbeResult

	mu     sync.RWMutex
	state  State
	report FailureReport
	used   map[int]bool // ports already consumed by earlier attempts
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithExtraArgs appends arguments after the port argument, e.g. a fixed
// simulation timestep ("--dt", "0.05").
func WithExtraArgs(args ...string) Option {
	return func(s *Supervisor) { s.extraArgs = append(s.extraArgs, args...) }
}

// WithWorkdir sets the child's working directory.
func WithWorkdir(dir string) Option {
	return func(s *Supervisor) { s.workdir = dir }
}

// WithEnv appends KEY=VALUE pairs to the child's environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) { s.env = append(s.env, env...) }
}

// WithPTY runs the child under a pseudo-terminal for prompt output capture.
func WithPTY() Option {
	return func(s *Supervisor) { s.usePTY = true }
}

// WithRecorder wires an attempt-event recorder (e.g. the history log).
func WithRecorder(r EventRecorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// NewSupervisor builds a supervisor for the given server binary.
func NewSupervisor(exe string, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		exe:     exe,
		state:   StateIdle,
		used:    make(map[int]bool),
		probeFn: ProbeReadiness,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Report returns the failure report accumulated so far.
func (s *Supervisor) Report() *FailureReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &s.report
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) record(event string, attempt, port, pid int, details string) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordEvent(event, attempt, port, pid, details)
}

// allocateFreshPort allocates a port not used by any earlier attempt in this
// run. A just-killed attempt can free its port back to the kernel, so plain
// allocation may hand the same port out again and resurrect the very bind
// race the retry was escaping.
func (s *Supervisor) allocateFreshPort() (int, error) {
	for i := 0; i < 10; i++ {
		port, err := AllocatePort()
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		if !s.used[port] {
			s.used[port] = true
			s.mu.Unlock()
			return port, nil
		}
		s.mu.Unlock()
	}
	return 0, fmt.Errorf("could not allocate a port distinct from earlier attempts")
}

// Start runs the launch state machine: up to MaxAttempts cycles of
// allocate -> launch -> probe. On the first Ready outcome it returns the
// ManagedProcess owning the verified endpoint. Configuration errors abort
// immediately; retryable failures are recorded and retried on a fresh port;
// exhaustion returns an ExhaustionError carrying the aggregated report.
func (s *Supervisor) Start(ctx context.Context) (*ManagedProcess, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	s.setState(StateAttempting)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		port, err := s.allocateFreshPort()
		if err != nil {
			s.setState(StateExhausted)
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		spec := LaunchSpec{
			Exe:       s.exe,
			Port:      port,
			ExtraArgs: s.extraArgs,
			Workdir:   s.workdir,
			Env:       s.env,
			UsePTY:    s.usePTY,
		}

		slog.Info("Starting service attempt",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"port", port)

		proc, err := Launch(spec)
		if err != nil {
			// Spawn failures are configuration errors, never retried.
			s.setState(StateExhausted)
			return nil, err
		}

		s.record("attempt_started", attempt, port, proc.Pid(), "")

		result := s.probeFn(ctx, proc, s.cfg)

		switch result.Outcome {
		case OutcomeReady:
			s.setState(StateSucceeded)
			s.record("ready", attempt, port, proc.Pid(),
				fmt.Sprintf("ready in %v", result.Elapsed.Round(time.Millisecond)))
			slog.Info("Service ready",
				"attempt", attempt,
				"addr", spec.Addr(),
				"pid", proc.Pid(),
				"elapsed", result.Elapsed.Round(time.Millisecond))
			managed := newManagedProcess(proc, s.cfg)
			managed.recorder = s.recorder
			managed.attempt = attempt
			return managed, nil

		case OutcomeCrashed, OutcomeTimedOut:
			failure := s.disposeAttempt(attempt, proc, result)
			s.mu.Lock()
			s.report.Append(failure)
			s.mu.Unlock()

			slog.Warn("Service attempt failed",
				"attempt", attempt,
				"port", port,
				"outcome", result.Outcome,
				"error", result.LastErr)

			if ctx.Err() != nil {
				// The caller gave up; don't burn the remaining attempts.
				s.setState(StateExhausted)
				s.record("exhausted", attempt, port, proc.Pid(), ctx.Err().Error())
				return nil, &ExhaustionError{Attempts: attempt, Report: s.Report()}
			}

		default:
			// Pending is never terminal; treat it as a probe bug.
			s.disposeAttempt(attempt, proc, result)
			s.setState(StateExhausted)
			return nil, fmt.Errorf("probe returned non-terminal outcome %q", result.Outcome)
		}
	}

	s.setState(StateExhausted)
	s.record("exhausted", s.cfg.MaxAttempts, 0, 0, fmt.Sprintf("%d attempts failed", s.cfg.MaxAttempts))
	return nil, &ExhaustionError{Attempts: s.cfg.MaxAttempts, Report: s.Report()}
}

// disposeAttempt terminates a failed attempt's process, drains its output,
// and builds the diagnostic record. Disposal always completes before the
// next attempt's port is allocated.
func (s *Supervisor) disposeAttempt(attempt int, proc *Process, result ProbeResult) AttemptFailure {
	port := proc.Spec().Port

	if err := terminateProcess(proc, s.cfg.GraceTimeout); err != nil {
		slog.Error("Failed to terminate attempt process",
			"attempt", attempt, "pid", proc.Pid(), "error", err)
	}

	output := result.Output
	if output == "" {
		output = proc.DrainOutput(s.cfg.DrainTimeout)
	}

	failure := AttemptFailure{
		Attempt: attempt,
		Port:    port,
		Outcome: result.Outcome,
		Output:  output,
		LastErr: result.LastErr,
	}
	if result.HasExit {
		failure.ExitCode = result.ExitCode
		failure.HasExit = true
	} else if exited, code := proc.Exited(); exited {
		failure.ExitCode = code
		failure.HasExit = true
	}

	event := "crashed"
	if result.Outcome == OutcomeTimedOut {
		event = "timed_out"
	}
	s.record(event, attempt, port, proc.Pid(), failure.String())

	return failure
}
