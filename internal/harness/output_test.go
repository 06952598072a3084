package harness

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputCollector_SplitsLines(t *testing.T) {
	oc := NewOutputCollector(0)

	oc.Write([]byte("first line\nsecond "))
	oc.Write([]byte("line\n"))

	assert.Equal(t, []string{"first line", "second line"}, oc.Lines())
}

func TestOutputCollector_PartialLineHeldUntilFlush(t *testing.T) {
	oc := NewOutputCollector(0)

	oc.Write([]byte("no newline yet"))
	assert.Empty(t, oc.Lines())
	assert.Equal(t, "no newline yet", oc.Snapshot())

	oc.Flush()
	assert.Equal(t, []string{"no newline yet"}, oc.Lines())
}

func TestOutputCollector_HistoryIsBounded(t *testing.T) {
	oc := NewOutputCollector(3)

	for i := 0; i < 10; i++ {
		fmt.Fprintf(oc, "line %d\n", i)
	}

	lines := oc.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"line 7", "line 8", "line 9"}, lines)
}

func TestOutputCollector_SubscribersReceiveLines(t *testing.T) {
	oc := NewOutputCollector(0)

	ch := oc.Subscribe()
	defer oc.Unsubscribe(ch)

	oc.Write([]byte("hello\n"))

	select {
	case line := <-ch:
		assert.Equal(t, "hello", line)
	default:
		t.Fatal("expected a line on the subscriber channel")
	}
}

func TestOutputCollector_SlowSubscriberNeverBlocksCapture(t *testing.T) {
	oc := NewOutputCollector(0)

	// Never read from this channel; writes must still complete.
	ch := oc.Subscribe()
	defer oc.Unsubscribe(ch)

	for i := 0; i < 500; i++ {
		fmt.Fprintf(oc, "line %d\n", i)
	}

	assert.Len(t, oc.Lines(), 500)
}
