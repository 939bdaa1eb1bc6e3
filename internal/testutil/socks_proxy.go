package testutil

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/die-net/proxyagent/internal/socks5"
)

// SOCKSRequest records one CONNECT received by a SOCKSProxy.
type SOCKSRequest struct {
	Version int
	Address string
	UserID  string
}

// SOCKSProxy is a SOCKS4/4a/5 proxy fixture that relays CONNECT requests.
type SOCKSProxy struct {
	ln    net.Listener
	auth  socks5.Auth
	hosts map[string]string

	mu       sync.Mutex
	requests []SOCKSRequest
}

// SOCKSProxyOption configures a SOCKSProxy.
type SOCKSProxyOption func(*SOCKSProxy)

// WithSOCKSAuth requires SOCKS5 username/password credentials, or the given
// user id for SOCKS4.
func WithSOCKSAuth(user, pass string) SOCKSProxyOption {
	return func(p *SOCKSProxy) { p.auth = socks5.Auth{Username: user, Password: pass} }
}

// WithSOCKSHosts resolves destination hostnames from m instead of DNS.
func WithSOCKSHosts(m map[string]string) SOCKSProxyOption {
	return func(p *SOCKSProxy) { p.hosts = m }
}

// StartSOCKSProxy listens on the loopback address for network ("tcp4" or
// "tcp6").
func StartSOCKSProxy(t *testing.T, network string, opts ...SOCKSProxyOption) *SOCKSProxy {
	t.Helper()

	p := &SOCKSProxy{ln: listenLoopback(t, context.Background(), network)}
	for _, o := range opts {
		o(p)
	}
	go p.serve()
	return p
}

// Addr returns the proxy host:port.
func (p *SOCKSProxy) Addr() string { return p.ln.Addr().String() }

// Requests returns every CONNECT received so far.
func (p *SOCKSProxy) Requests() []SOCKSRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SOCKSRequest(nil), p.requests...)
}

func (p *SOCKSProxy) record(r SOCKSRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, r)
}

func (p *SOCKSProxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handleConn(c)
	}
}

func (p *SOCKSProxy) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	ver, err := br.Peek(1)
	if err != nil {
		return
	}

	switch ver[0] {
	case 4:
		p.handle4(conn, br)
	case 5:
		p.handle5(conn, br)
	}
}

func (p *SOCKSProxy) handle4(conn net.Conn, br *bufio.Reader) {
	_, _ = br.ReadByte()
	req, err := socks5.ServerReadRequest4(br)
	if err != nil {
		return
	}
	p.record(SOCKSRequest{Version: 4, Address: req.Address(), UserID: req.UserID})

	if p.auth.Username != "" && req.UserID != p.auth.Username {
		_ = socks5.WriteReply4(conn, socks5.Socks4Rejected)
		return
	}

	up, err := p.dial(req.Address())
	if err != nil {
		_ = socks5.WriteReply4(conn, socks5.Socks4Rejected)
		return
	}
	if err := socks5.WriteReply4(conn, socks5.Socks4Granted); err != nil {
		_ = up.Close()
		return
	}
	_ = CopyBidirectional(context.Background(), &readerConn{Conn: conn, r: br}, up)
}

func (p *SOCKSProxy) handle5(conn net.Conn, br *bufio.Reader) {
	rw := struct {
		io.Reader
		io.Writer
	}{br, conn}

	req, err := socks5.ServerHandshake(rw, p.auth)
	if err != nil {
		return
	}
	p.record(SOCKSRequest{Version: 5, Address: req.Address(), UserID: p.auth.Username})

	up, err := p.dial(req.Address())
	if err != nil {
		_ = socks5.WriteFailureReply(conn, req.Atyp, err)
		return
	}
	if err := socks5.WriteSuccessReply(conn, up.LocalAddr()); err != nil {
		_ = up.Close()
		return
	}
	_ = CopyBidirectional(context.Background(), &readerConn{Conn: conn, r: br}, up)
}

func (p *SOCKSProxy) dial(address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	if ip, ok := p.hosts[host]; ok {
		address = net.JoinHostPort(ip, port)
	}
	var d net.Dialer
	return d.DialContext(context.Background(), "tcp", address)
}

// HostPort joins host with the port of addr.
func HostPort(host, addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, port)
}
