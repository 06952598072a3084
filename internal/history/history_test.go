package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history", "stagehand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpen_CreatesDirectoryAndSchema(t *testing.T) {
	l := openTestLog(t)

	events, err := l.RecentEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordEvent_RoundTrips(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.BeginRun("/opt/fluxgraph/bin/fluxgraph-server"))

	l.RecordEvent("attempt_started", 1, 50051, 4242, "")
	l.RecordEvent("crashed", 1, 50051, 4242, "exit code 1")
	l.RecordEvent("attempt_started", 2, 50187, 4243, "")
	l.RecordEvent("ready", 2, 50187, 4243, "")

	events, err := l.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 4)

	// Most recent first.
	assert.Equal(t, "ready", events[0].EventType)
	assert.Equal(t, 2, events[0].Attempt)
	assert.Equal(t, 50187, events[0].Port)
	assert.Equal(t, 4243, events[0].Pid)

	assert.Equal(t, "crashed", events[2].EventType)
	assert.Equal(t, "exit code 1", events[2].Details)
	assert.Equal(t, "attempt_started", events[3].EventType)
}

func TestRecentEvents_HonorsLimit(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.BeginRun("fluxgraph-server"))
	for i := 1; i <= 5; i++ {
		l.RecordEvent("attempt_started", i, 50000+i, 100+i, "")
	}

	events, err := l.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 5, events[0].Attempt)
	assert.Equal(t, 4, events[1].Attempt)
}

func TestLastRunPIDs_OnlyMostRecentRun(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.BeginRun("fluxgraph-server"))
	l.RecordEvent("attempt_started", 1, 50051, 111, "")
	l.RecordEvent("crashed", 1, 50051, 111, "")

	require.NoError(t, l.BeginRun("fluxgraph-server"))
	l.RecordEvent("attempt_started", 1, 50187, 222, "")
	l.RecordEvent("attempt_started", 2, 50190, 333, "")
	l.RecordEvent("ready", 2, 50190, 333, "")

	pids, err := l.LastRunPIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{222, 333}, pids)
}

func TestLastRunPIDs_EmptyDatabase(t *testing.T) {
	l := openTestLog(t)
	pids, err := l.LastRunPIDs()
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestOpen_ReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagehand.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.BeginRun("fluxgraph-server"))
	first.RecordEvent("attempt_started", 1, 50051, 999, "")
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	events, err := second.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 999, events[0].Pid)
}
