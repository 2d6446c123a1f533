package pool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockBackend accepts and holds connections open until the test ends.
func mockBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()

	return ln.Addr().String()
}

func TestPoolGetPut(t *testing.T) {
	p := NewPool(mockBackend(t), 5, time.Minute, time.Second)
	defer p.Close()

	conn, err := p.Get()
	require.NoError(t, err)
	require.NotNil(t, conn)
	p.Put(conn)

	conn2, err := p.Get()
	require.NoError(t, err)
	require.NotNil(t, conn2)
	p.Put(conn2)
}

func TestPoolRetries(t *testing.T) {
	// Port 1 is unbound, so every dial fails fast.
	p := NewPool("127.0.0.1:1", 1, time.Minute, 100*time.Millisecond)
	defer p.Close()

	start := time.Now()
	_, err := p.Get()
	elapsed := time.Since(start)

	require.Error(t, err)
	require.GreaterOrEqual(t, elapsed, (dialRetries-1)*dialRetryWait,
		"Get should have waited between dial attempts")
}

func TestPoolOpenConnections(t *testing.T) {
	p := NewPool(mockBackend(t), 4, time.Minute, time.Second)
	defer p.Close()

	warm := p.OpenConnections()

	conn, err := p.Get()
	require.NoError(t, err)

	// One connection is checked out; it still counts as open.
	require.GreaterOrEqual(t, p.OpenConnections(), 1)

	p.Put(conn)
	require.GreaterOrEqual(t, p.OpenConnections(), warm)

	p.Close()
	require.Equal(t, 0, p.OpenConnections(), "close discards all idle connections")
}

func TestPoolPutAfterClose(t *testing.T) {
	p := NewPool(mockBackend(t), 2, time.Minute, time.Second)

	conn, err := p.Get()
	require.NoError(t, err)

	p.Close()
	p.Put(conn)
	require.Equal(t, 0, p.OpenConnections())
}
