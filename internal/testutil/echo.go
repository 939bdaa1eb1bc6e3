package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
)

// StartEchoTCPServer listens on a loopback address of the given network
// ("tcp4" or "tcp6") and echoes everything each accepted connection sends.
// The listener is closed when the test ends.
func StartEchoTCPServer(t *testing.T, ctx context.Context, network string) net.Listener {
	t.Helper()

	ln := listenLoopback(t, ctx, network)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	return ln
}

func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}

// listenLoopback listens on 127.0.0.1 or [::1] and skips the test when the
// address family is unavailable.
func listenLoopback(t *testing.T, ctx context.Context, network string) net.Listener {
	t.Helper()

	addr := "127.0.0.1:0"
	if network == "tcp6" {
		addr = "[::1]:0"
	} else {
		network = "tcp4"
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		if network == "tcp6" {
			t.Skipf("IPv6 loopback unavailable: %v", err)
		}
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}
