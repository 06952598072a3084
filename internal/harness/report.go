package harness

import (
	"fmt"
	"strings"
)

// AttemptFailure is the diagnostic record of one exhausted attempt.
type AttemptFailure struct {
	Attempt  int // 1-indexed
	Port     int
	Outcome  Outcome
	ExitCode int
	HasExit  bool
	Output   string
	LastErr  error
}

func (f AttemptFailure) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "attempt %d (port %d): ", f.Attempt, f.Port)
	switch f.Outcome {
	case OutcomeCrashed:
		fmt.Fprintf(&sb, "server exited during startup (exit code %d)", f.ExitCode)
	case OutcomeTimedOut:
		sb.WriteString("server failed readiness before deadline")
	default:
		fmt.Fprintf(&sb, "outcome %s", f.Outcome)
	}
	if f.LastErr != nil {
		fmt.Fprintf(&sb, "\n  last probe error: %v", f.LastErr)
	}
	if out := strings.TrimSpace(f.Output); out != "" {
		sb.WriteString("\n  output:\n")
		for _, line := range strings.Split(out, "\n") {
			sb.WriteString("    ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// FailureReport accumulates per-attempt diagnostics across a supervisor run.
// It is built incrementally as attempts fail and surfaced to the caller only
// if the final attempt also fails.
type FailureReport struct {
	Failures []AttemptFailure
}

// Append records the failure of one attempt.
func (r *FailureReport) Append(f AttemptFailure) {
	r.Failures = append(r.Failures, f)
}

// Len returns the number of recorded attempt failures.
func (r *FailureReport) Len() int {
	return len(r.Failures)
}

// String renders the aggregated human-readable report: every attempt's port,
// exit code (if any), captured output, and last probe error.
func (r *FailureReport) String() string {
	if len(r.Failures) == 0 {
		return "no attempts recorded"
	}
	parts := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		parts = append(parts, strings.TrimRight(f.String(), "\n"))
	}
	return strings.Join(parts, "\n")
}

// ExhaustionError is returned when every permitted attempt has failed. It
// wraps the aggregated report so callers get the full diagnostic text.
type ExhaustionError struct {
	Attempts int
	Report   *FailureReport
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("server failed to become ready after %d attempts:\n%s",
		e.Attempts, e.Report.String())
}
