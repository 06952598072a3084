package harness

import (
	"fmt"
	"strconv"
	"time"
)

// LaunchSpec describes how to start one attempt of the service under test.
// It is built once per attempt by the supervisor and never mutated.
type LaunchSpec struct {
	// Exe is the absolute path to the service binary.
	Exe string
	// Port is the loopback TCP port the service is told to listen on.
	Port int
	// ExtraArgs are appended after the port argument, e.g. "--dt 0.05"
	// for a fixed simulation timestep, or "--config file".
	ExtraArgs []string
	// Workdir is the working directory for the child. Empty means inherit.
	Workdir string
	// Env holds additional environment variables as KEY=VALUE strings.
	Env []string
	// UsePTY runs the child under a pseudo-terminal so line-buffered
	// services flush their output promptly for diagnostics.
	UsePTY bool
}

// Args renders the child's argument vector, not including the executable
// itself. The fluxgraph server CLI contract is `--port N [extra...]`.
func (s LaunchSpec) Args() []string {
	args := []string{"--port", strconv.Itoa(s.Port)}
	return append(args, s.ExtraArgs...)
}

// Addr returns the loopback endpoint the service is expected to serve on.
func (s LaunchSpec) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.Port)
}

// Config holds the supervisor's timing and retry knobs. The zero value is
// not usable; call DefaultConfig and override fields as needed.
type Config struct {
	// MaxAttempts bounds the number of launch+probe cycles.
	MaxAttempts int
	// Deadline is the overall readiness deadline per attempt.
	Deadline time.Duration
	// PollInterval is the pause between health-check calls.
	PollInterval time.Duration
	// PerCallTimeout bounds each individual health-check RPC. It must be
	// strictly smaller than Deadline so one hung call cannot mask the
	// overall timeout.
	PerCallTimeout time.Duration
	// GraceTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GraceTimeout time.Duration
	// DrainTimeout bounds how long disposal waits for a dying child to
	// flush buffered output.
	DrainTimeout time.Duration
	// Service is the name passed to the gRPC health check.
	Service string
}

// DefaultConfig returns the supervisor defaults: 3 attempts, 10s readiness
// deadline, 100ms poll interval, 500ms per-call timeout, 2s grace period.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		Deadline:       10 * time.Second,
		PollInterval:   100 * time.Millisecond,
		PerCallTimeout: 500 * time.Millisecond,
		GraceTimeout:   2 * time.Second,
		DrainTimeout:   2 * time.Second,
		Service:        "fluxgraph",
	}
}

// Validate reports configuration errors that would make the retry loop
// degenerate, such as a per-call timeout that swallows the whole deadline.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Deadline <= 0 {
		return fmt.Errorf("readiness deadline must be positive, got %v", c.Deadline)
	}
	if c.PerCallTimeout <= 0 || c.PerCallTimeout >= c.Deadline {
		return fmt.Errorf("per-call timeout %v must be positive and smaller than deadline %v",
			c.PerCallTimeout, c.Deadline)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	return nil
}
