package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateServerPID_MatchesLaunchedBinary(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60")
	proc, err := Launch(LaunchSpec{Exe: exe, Port: 4321})
	require.NoError(t, err)
	t.Cleanup(func() { terminateProcess(proc, time.Second) })

	assert.True(t, ValidateServerPID(proc.Pid(), exe),
		"a live process launched from exe should validate")
}

func TestValidateServerPID_RejectsMismatchedBinary(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "sleep 60")
	proc, err := Launch(LaunchSpec{Exe: exe, Port: 4321})
	require.NoError(t, err)
	t.Cleanup(func() { terminateProcess(proc, time.Second) })

	assert.False(t, ValidateServerPID(proc.Pid(), "/usr/local/bin/some-other-server"),
		"a PID running a different binary must not validate")
}

func TestValidateServerPID_RejectsDeadProcess(t *testing.T) {
	quietLogger(t)

	exe := writeScript(t, "exit 0")
	proc, err := Launch(LaunchSpec{Exe: exe, Port: 4321})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	assert.False(t, ValidateServerPID(proc.Pid(), exe))
}

func TestReapStalePID_IgnoresInvalidPIDs(t *testing.T) {
	quietLogger(t)

	assert.False(t, ReapStalePID(0, "/bin/anything"))
	assert.False(t, ReapStalePID(-1, "/bin/anything"))
	// Practically guaranteed unused PID
	assert.False(t, ReapStalePID(999999999, "/bin/anything"))
}
