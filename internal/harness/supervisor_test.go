package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func supervisorConfig() Config {
	cfg := DefaultConfig()
	cfg.Deadline = time.Second
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PerCallTimeout = 100 * time.Millisecond
	cfg.GraceTimeout = time.Second
	cfg.DrainTimeout = time.Second
	return cfg
}

func TestSupervisor_ExhaustsAfterMaxAttemptsOnCrashingServer(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, `echo "cannot bind" >&2
exit 1`)
	cfg := supervisorConfig()

	sup := NewSupervisor(exe, cfg)
	managed, err := sup.Start(context.Background())

	require.Nil(t, managed)
	require.Error(t, err)

	var exhausted *ExhaustionError
	require.True(t, errors.As(err, &exhausted), "expected ExhaustionError, got %T: %v", err, err)
	assert.Equal(t, cfg.MaxAttempts, exhausted.Attempts)
	assert.Equal(t, StateExhausted, sup.State())

	failures := exhausted.Report.Failures
	require.Len(t, failures, cfg.MaxAttempts)

	seen := make(map[int]bool)
	for i, f := range failures {
		assert.Equal(t, i+1, f.Attempt)
		assert.Equal(t, OutcomeCrashed, f.Outcome)
		require.True(t, f.HasExit, "attempt %d should have observed an exit code", f.Attempt)
		assert.Equal(t, 1, f.ExitCode)
		assert.False(t, seen[f.Port], "port %d was reused across attempts", f.Port)
		seen[f.Port] = true

		// The aggregated text names every port, exit code, and output.
		assert.Contains(t, err.Error(), fmt.Sprintf("port %d", f.Port))
	}
	assert.Contains(t, err.Error(), "exit code 1")
	assert.Contains(t, err.Error(), "cannot bind")
}

func TestSupervisor_SucceedsWithStubbedProbe(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60")
	sup := NewSupervisor(exe, supervisorConfig())
	sup.probeFn = func(ctx context.Context, proc *Process, cfg Config) ProbeResult {
		return ProbeResult{Outcome: OutcomeReady}
	}

	managed, err := sup.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { managed.Stop() })

	assert.Equal(t, StateSucceeded, sup.State())
	assert.True(t, managed.Running())
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", managed.Port()), managed.Addr())
	assert.Zero(t, sup.Report().Len(), "a clean first attempt leaves no failure entries")

	require.NoError(t, managed.Stop())
	assert.False(t, managed.Running())
}

func TestSupervisor_RetriesOnFreshPortAndDisposesPredecessor(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60")

	var attempts []*Process
	sup := NewSupervisor(exe, supervisorConfig())
	sup.probeFn = func(ctx context.Context, proc *Process, cfg Config) ProbeResult {
		if len(attempts) > 0 {
			prev := attempts[len(attempts)-1]
			exited, _ := prev.Exited()
			assert.True(t, exited, "previous attempt must be disposed before the next one runs")
		}
		attempts = append(attempts, proc)
		if len(attempts) == 1 {
			return ProbeResult{Outcome: OutcomeTimedOut, LastErr: errors.New("connection refused")}
		}
		return ProbeResult{Outcome: OutcomeReady}
	}

	managed, err := sup.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { managed.Stop() })

	require.Len(t, attempts, 2)
	assert.NotEqual(t, attempts[0].Spec().Port, attempts[1].Spec().Port,
		"retry must use a freshly allocated port")
	assert.Equal(t, 1, sup.Report().Len())
	assert.Equal(t, OutcomeTimedOut, sup.Report().Failures[0].Outcome)
	assert.Equal(t, StateSucceeded, sup.State())
}

func TestSupervisor_MissingBinaryFailsImmediately(t *testing.T) {
	quietLogger(t)

	sup := NewSupervisor(filepath.Join(t.TempDir(), "nope"), supervisorConfig())

	start := time.Now()
	managed, err := sup.Start(context.Background())

	require.Nil(t, managed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Zero(t, sup.Report().Len(), "configuration errors must not consume attempts")
	assert.Less(t, time.Since(start), 2*time.Second, "configuration errors must not be retried")
}

func TestSupervisor_RejectsDegenerateConfig(t *testing.T) {
	quietLogger(t)

	cfg := supervisorConfig()
	cfg.PerCallTimeout = cfg.Deadline // must be strictly smaller

	sup := NewSupervisor(writeScript(t, "sleep 60"), cfg)
	_, err := sup.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestSupervisor_NeverServingConsumesFullDeadlinePerAttempt(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60") // alive, never serving
	cfg := supervisorConfig()
	cfg.MaxAttempts = 2
	cfg.Deadline = 300 * time.Millisecond
	cfg.PerCallTimeout = 100 * time.Millisecond

	sup := NewSupervisor(exe, cfg)

	start := time.Now()
	_, err := sup.Start(context.Background())
	elapsed := time.Since(start)

	var exhausted *ExhaustionError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Report.Failures, 2)
	for _, f := range exhausted.Report.Failures {
		assert.Equal(t, OutcomeTimedOut, f.Outcome)
	}

	// Each attempt runs out its own deadline; the total stays within
	// attempts x (deadline + teardown slack).
	assert.GreaterOrEqual(t, elapsed, 2*cfg.Deadline)
	assert.Less(t, elapsed, 2*cfg.Deadline+10*time.Second)
}

func TestSupervisor_ContextCancelShortCircuitsRemainingAttempts(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60")
	cfg := supervisorConfig()
	cfg.MaxAttempts = 5
	cfg.Deadline = 10 * time.Second

	sup := NewSupervisor(exe, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	managed, err := sup.Start(ctx)

	require.Nil(t, managed)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 8*time.Second,
		"a cancelled caller must not sit through all five deadlines")
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) RecordEvent(event string, attempt, port, pid int, details string) {
	r.events = append(r.events, fmt.Sprintf("%s:%d", event, attempt))
}

func TestSupervisor_EmitsLifecycleEvents(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60")
	sink := &recordingSink{}

	sup := NewSupervisor(exe, supervisorConfig(), WithRecorder(sink))
	sup.probeFn = func(ctx context.Context, proc *Process, cfg Config) ProbeResult {
		if len(sink.events) < 1 {
			t.Fatal("attempt_started should be recorded before the probe runs")
		}
		return ProbeResult{Outcome: OutcomeReady}
	}

	managed, err := sup.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"attempt_started:1", "ready:1"}, sink.events)

	require.NoError(t, managed.Stop())
	require.NoError(t, managed.Stop()) // idempotent: recorded once
	assert.Equal(t, []string{"attempt_started:1", "ready:1", "stopped:1"}, sink.events)
}
