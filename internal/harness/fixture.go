package harness

import (
	"context"
	"testing"
)

// StartForTest stands the service up for one test and guarantees teardown on
// every exit path (pass, fail, panic) via t.Cleanup. The returned process is
// ready: its endpoint answered the health check as SERVING at the moment of
// return.
func StartForTest(t testing.TB, exe string, cfg Config, opts ...Option) *ManagedProcess {
	t.Helper()

	sup := NewSupervisor(exe, cfg, opts...)
	managed, err := sup.Start(context.Background())
	if err != nil {
		t.Fatalf("failed to start service under test: %v", err)
	}
	t.Cleanup(func() {
		if err := managed.Stop(); err != nil {
			t.Errorf("failed to stop service under test: %v", err)
		}
	})
	return managed
}
