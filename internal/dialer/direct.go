package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/die-net/proxyagent/internal/dnscache"
)

// DirectDialer connects straight to the destination, resolving hostnames
// through the DNS cache.
type DirectDialer struct {
	cfg Config
}

func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg}
}

// DialContext tries each resolved address in turn and returns the first
// connection that succeeds, or the first error.
func (f *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: bad port: %w", network, address, err)
	}

	family := f.cfg.Family
	switch network {
	case "tcp4":
		family = 4
	case "tcp6":
		family = 6
	}

	addrs, err := f.cfg.dns().Lookup(ctx, host, dnscache.LookupOptions{Family: family, All: true})
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	nd := net.Dialer{}
	if f.cfg.KeepAlive {
		nd.KeepAliveConfig = f.cfg.KeepAliveConfig
		nd.KeepAliveConfig.Enable = true
	} else {
		nd.KeepAlive = -1
	}

	var firstErr error
	for _, a := range addrs {
		ap := netip.AddrPortFrom(a, uint16(port))
		conn, err := nd.DialContext(ctx, "tcp", ap.String())
		if err == nil {
			f.cfg.logger().Debugw("connected", "address", address, "remote", ap.String())
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(f.cfg.KeepAlive)
			}
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no addresses")
	}
	return nil, fmt.Errorf("dial %s %s: %w", network, address, firstErr)
}
