// Package timeouts implements the four independent timers that supervise a
// proxied HTTP exchange: connection, idle, response and transfer.
//
// Each timer delivers at most one terminal outcome. Disarming on success and
// firing are serialized, so a caller never observes both.
package timeouts

import (
	"context"
	"net"
	"time"

	"github.com/die-net/proxyagent/internal/proxyerr"
)

// DialFunc establishes a connection, honoring ctx cancellation.
type DialFunc func(ctx context.Context) (net.Conn, error)

type dialResult struct {
	conn net.Conn
	err  error
}

// Connect runs dial under a connection timer of length d. When the timer
// fires first the dial context is cancelled with a *ConnectionTimeoutError
// naming host, that error is returned, and any connection the dial produces
// afterwards is closed. A non-positive d disables the timer.
func Connect(ctx context.Context, d time.Duration, host string, dial DialFunc) (net.Conn, error) {
	if d <= 0 {
		return dial(ctx)
	}

	dctx, cancel := context.WithCancelCause(ctx)
	timer := time.NewTimer(d)
	defer timer.Stop()

	done := make(chan dialResult, 1)
	go func() {
		conn, err := dial(dctx)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		cancel(nil)
		return r.conn, r.err
	case <-timer.C:
		terr := &proxyerr.ConnectionTimeoutError{Host: host}
		cancel(terr)
		go discardLate(done)
		return nil, terr
	case <-ctx.Done():
		cancel(context.Cause(ctx))
		go discardLate(done)
		return nil, context.Cause(ctx)
	}
}

func discardLate(done <-chan dialResult) {
	if r := <-done; r.conn != nil {
		_ = r.conn.Close()
	}
}
