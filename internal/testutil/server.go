package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartSilentServer accepts connections and never writes to them, holding
// each open until the test ends. It stands in for an unresponsive proxy.
func StartSilentServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	ln := listenLoopback(t, ctx, "tcp4")

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	return ln
}
