package harness

import (
	"fmt"
	"net"
)

// AllocatePort returns a loopback TCP port that was unbound at the moment of
// the call. It binds port 0 to let the kernel pick, then releases the socket
// immediately. This is best-effort: the child process can still lose the race
// for the port against another process, which is why the supervisor retries
// on a fresh port rather than trusting any single allocation.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate ephemeral port: %w", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", listener.Addr())
	}
	return addr.Port, nil
}
