package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/proxyagent/internal/proxyenv"
	"github.com/die-net/proxyagent/internal/socks5"
)

// SOCKSProxyDialer relays connections through a SOCKS4, SOCKS4a, SOCKS5 or
// SOCKS5h proxy.
type SOCKSProxyDialer struct {
	cfg    Config
	proxy  *proxyenv.Descriptor
	direct *DirectDialer
}

func NewSOCKSProxyDialer(cfg Config, proxy *proxyenv.Descriptor) *SOCKSProxyDialer {
	return &SOCKSProxyDialer{cfg: cfg, proxy: proxy, direct: NewDirectDialer(cfg)}
}

// DialContext asks the proxy to connect to address. For socks4 and socks5
// the hostname is resolved locally first; socks4a and socks5h send it to the
// proxy as-is.
func (f *SOCKSProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("socks proxy dial %s %s: unsupported network", network, address)
	}

	target, err := f.target(ctx, address)
	if err != nil {
		return nil, err
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("socks proxy: %w", err)
	}

	stop := watchContext(ctx, c)
	err = f.handshake(c, target)
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s proxy %s: %w", f.proxy.Protocol, f.proxy.Addr(), handshakeErr(ctx, err))
	}

	f.cfg.logger().Debugw("socks tunnel established", "proxy", f.proxy.Redacted(), "address", address, "target", target)
	return c, nil
}

func (f *SOCKSProxyDialer) target(ctx context.Context, address string) (string, error) {
	if f.proxy.RemoteResolve() {
		return address, nil
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("socks proxy dial %s: %w", address, err)
	}
	family := f.cfg.Family
	if f.proxy.Protocol == proxyenv.SOCKS4 {
		family = 4
	}
	ip, err := f.cfg.dns().LookupOne(ctx, host, family)
	if err != nil {
		return "", fmt.Errorf("socks proxy resolve %s: %w", host, err)
	}
	return net.JoinHostPort(ip.String(), port), nil
}

func (f *SOCKSProxyDialer) handshake(c net.Conn, target string) error {
	switch f.proxy.Protocol {
	case proxyenv.SOCKS4, proxyenv.SOCKS4A:
		return socks5.ClientConnect4(c, f.proxy.Username, target, f.proxy.RemoteResolve())
	default:
		return socks5.ClientDial(c, socks5.Auth{Username: f.proxy.Username, Password: f.proxy.Password}, target)
	}
}
