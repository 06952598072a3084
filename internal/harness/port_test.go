package harness

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePort_ReturnsBindablePort(t *testing.T) {
	port, err := AllocatePort()
	require.NoError(t, err)
	require.Greater(t, port, 0)
	require.LessOrEqual(t, port, 65535)

	// The port must be free at the instant of the call: binding it again
	// right away should succeed.
	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err, "freshly allocated port should be bindable")
	lis.Close()
}

func TestAllocatePort_ConcurrentCallsAreIndependent(t *testing.T) {
	const n = 16

	var wg sync.WaitGroup
	ports := make([]int, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ports[i], errs[i] = AllocatePort()
		}()
	}
	wg.Wait()

	for i := range n {
		assert.NoError(t, errs[i])
		assert.Greater(t, ports[i], 0)
	}
}
