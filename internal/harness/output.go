package harness

import (
	"strings"
	"sync"
)

// OutputCollector captures a child process's combined stdout/stderr into a
// bounded ring buffer of lines. Capture is strictly diagnostic: it never
// gates success or failure decisions, and writers never block on slow
// readers. Clients can subscribe to stream lines as they arrive.
type OutputCollector struct {
	clients map[chan string]bool
	history []string
	partial strings.Builder // trailing bytes not yet terminated by \n
	maxHist int
	mu      sync.RWMutex
}

// NewOutputCollector creates a collector holding at most historySize lines.
func NewOutputCollector(historySize int) *OutputCollector {
	if historySize <= 0 {
		historySize = 1000 // default
	}
	return &OutputCollector{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Write implements io.Writer so the collector can be wired directly to
// exec.Cmd Stdout/Stderr. Complete lines go to history and subscribers;
// a trailing partial line is held until its newline arrives or Flush runs.
func (oc *OutputCollector) Write(p []byte) (int, error) {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	oc.partial.Write(p)
	for {
		buffered := oc.partial.String()
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := buffered[:idx]
		oc.partial.Reset()
		oc.partial.WriteString(buffered[idx+1:])
		oc.appendLocked(line)
	}
	return len(p), nil
}

// Flush promotes any buffered partial line into history. Called once during
// disposal so the last words of a crashing process are not lost.
func (oc *OutputCollector) Flush() {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	if oc.partial.Len() > 0 {
		oc.appendLocked(oc.partial.String())
		oc.partial.Reset()
	}
}

func (oc *OutputCollector) appendLocked(line string) {
	if len(oc.history) >= oc.maxHist {
		// Drop the oldest line
		oc.history = oc.history[1:]
	}
	oc.history = append(oc.history, line)

	for ch := range oc.clients {
		select {
		case ch <- line:
		default:
			// Channel buffer full, skip this client to avoid blocking capture
		}
	}
}

// Subscribe adds a client channel receiving lines as they are captured.
func (oc *OutputCollector) Subscribe() chan string {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	ch := make(chan string, 100)
	oc.clients[ch] = true
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (oc *OutputCollector) Unsubscribe(ch chan string) {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	delete(oc.clients, ch)
	close(ch)
}

// Snapshot returns the captured output as a single string.
func (oc *OutputCollector) Snapshot() string {
	oc.mu.RLock()
	defer oc.mu.RUnlock()

	var sb strings.Builder
	for _, line := range oc.history {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if oc.partial.Len() > 0 {
		sb.WriteString(oc.partial.String())
	}
	return sb.String()
}

// Lines returns a copy of the captured lines.
func (oc *OutputCollector) Lines() []string {
	oc.mu.RLock()
	defer oc.mu.RUnlock()

	lines := make([]string, len(oc.history))
	copy(lines, oc.history)
	return lines
}
