package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Outcome is the terminal classification of one readiness attempt.
type Outcome string

const (
	// OutcomePending means the attempt is still being probed.
	OutcomePending Outcome = "pending"
	// OutcomeReady means the service answered the health check as SERVING.
	OutcomeReady Outcome = "ready"
	// OutcomeCrashed means the process exited before ever reporting SERVING.
	OutcomeCrashed Outcome = "crashed"
	// OutcomeTimedOut means the deadline elapsed with the process alive but
	// never reporting SERVING.
	OutcomeTimedOut Outcome = "timed_out"
)

// ProbeResult carries the outcome of one attempt plus the diagnostics the
// failure report needs.
type ProbeResult struct {
	Outcome  Outcome
	ExitCode int  // valid only when HasExit is true
	HasExit  bool // whether the process was observed to exit
	Output   string
	LastErr  error // last health-check RPC error, if any
	Elapsed  time.Duration
}

// CheckEndpoint issues a single bounded health check against an existing
// endpoint and returns nil iff the service reports SERVING. Used for
// spot-checking an endpoint the harness did not launch itself.
func CheckEndpoint(ctx context.Context, addr, service string, timeout time.Duration) error {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create health-check client: %w", err)
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(callCtx,
		&healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

// ProbeReadiness polls the standard gRPC health check against the attempt's
// address until the service reports SERVING, the process dies, or the
// per-attempt deadline elapses. Transport errors on individual calls mean
// "not ready yet" and the loop continues. Process liveness is checked before
// every call so a just-crashed child is detected without waiting out the
// deadline, and Ready is never reported for a process that has exited.
func ProbeReadiness(ctx context.Context, proc *Process, cfg Config) ProbeResult {
	start := time.Now()
	result := ProbeResult{Outcome: OutcomePending}

	conn, err := grpc.NewClient(proc.Spec().Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		// NewClient only fails on malformed targets; the address came from
		// our own allocator, so surface it rather than burning the deadline.
		result.Outcome = OutcomeTimedOut
		result.LastErr = fmt.Errorf("failed to create health-check client: %w", err)
		result.Elapsed = time.Since(start)
		return result
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(cfg.Deadline)

	for {
		if exited, code := proc.Exited(); exited {
			result.Outcome = OutcomeCrashed
			result.ExitCode = code
			result.HasExit = true
			result.Output = proc.DrainOutput(cfg.DrainTimeout)
			result.Elapsed = time.Since(start)
			return result
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.PerCallTimeout)
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: cfg.Service})
		cancel()

		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			// The process answered, but re-check liveness so a crash between
			// the RPC and now is never reported as Ready.
			if exited, code := proc.Exited(); exited {
				result.Outcome = OutcomeCrashed
				result.ExitCode = code
				result.HasExit = true
				result.Output = proc.DrainOutput(cfg.DrainTimeout)
				result.Elapsed = time.Since(start)
				return result
			}
			slog.Debug("Service reported serving",
				"addr", proc.Spec().Addr(),
				"elapsed", time.Since(start))
			result.Outcome = OutcomeReady
			result.Elapsed = time.Since(start)
			return result
		}
		if err != nil {
			result.LastErr = err
		} else {
			result.LastErr = fmt.Errorf("health status %s", resp.GetStatus())
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			if ctx.Err() != nil {
				result.LastErr = ctx.Err()
			}
			result.Outcome = OutcomeTimedOut
			result.Elapsed = time.Since(start)
			return result
		}

		select {
		case <-ctx.Done():
			result.LastErr = ctx.Err()
			result.Outcome = OutcomeTimedOut
			result.Elapsed = time.Since(start)
			return result
		case <-proc.Done():
			// Loop around; the liveness check at the top classifies the exit.
		case <-time.After(cfg.PollInterval):
		}
	}
}
