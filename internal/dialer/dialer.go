package dialer

import (
	"context"
	"net"
	"time"

	"github.com/die-net/proxyagent/internal/proxyenv"
	"github.com/die-net/proxyagent/internal/proxyerr"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the strategy for proxy. A nil proxy yields a direct dialer.
//
// Supported protocols:
//   - http, https: HTTP CONNECT tunnel
//   - socks4, socks4a: SOCKS4 with client-side or proxy-side resolution
//   - socks5, socks5h: SOCKS5 with client-side or proxy-side resolution
func New(cfg Config, proxy *proxyenv.Descriptor) (Dialer, error) {
	if proxy == nil {
		return NewDirectDialer(cfg), nil
	}

	switch {
	case proxy.Protocol == proxyenv.HTTP || proxy.Protocol == proxyenv.HTTPS:
		return NewHTTPProxyDialer(cfg, proxy), nil
	case proxy.IsSOCKS():
		return NewSOCKSProxyDialer(cfg, proxy), nil
	default:
		return nil, &proxyerr.InvalidProxyProtocolError{Protocol: string(proxy.Protocol)}
	}
}

// aLongTimeAgo is a deadline in the past, used to unblock handshake I/O when
// the dial context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// watchContext interrupts blocking I/O on c once ctx is done. The returned
// function must be called when the handshake is over; it reports false if
// ctx had already interrupted c.
func watchContext(ctx context.Context, c net.Conn) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(aLongTimeAgo)
	})
}

// handshakeErr prefers the context's cause over the I/O error it provoked.
func handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
