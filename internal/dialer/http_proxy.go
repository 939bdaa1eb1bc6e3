package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/die-net/proxyagent/internal/proxyenv"
	"github.com/die-net/proxyagent/internal/proxyerr"
)

// HTTPProxyDialer dials outbound TCP connections via an HTTP or HTTPS proxy
// using the HTTP CONNECT method.
type HTTPProxyDialer struct {
	cfg    Config
	proxy  *proxyenv.Descriptor
	auth   string
	direct *DirectDialer
}

// NewHTTPProxyDialer constructs an HTTP CONNECT dialer for proxy.
//
// If the proxy URL carries credentials, Proxy-Authorization is set using
// HTTP Basic auth.
func NewHTTPProxyDialer(cfg Config, proxy *proxyenv.Descriptor) *HTTPProxyDialer {
	auth := ""
	if proxy.HasAuth {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(proxy.Username+":"+proxy.Password))
	}

	return &HTTPProxyDialer{
		cfg:    cfg,
		proxy:  proxy,
		auth:   auth,
		direct: NewDirectDialer(cfg),
	}
}

// DialContext establishes a tunnel to address via the configured HTTP/HTTPS
// proxy, returned as a net.Conn.
//
// For HTTPS proxies, this performs a TLS handshake to the proxy before sending
// CONNECT. Any bytes the proxy sent after the CONNECT response are returned
// by the first reads on the tunnel.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxy.Addr())
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	stop := watchContext(ctx, c)
	tunnel, err := f.handshake(ctx, c, address)
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		_ = c.Close()
		return nil, handshakeErr(ctx, err)
	}

	f.cfg.logger().Debugw("tunnel established", "proxy", f.proxy.Redacted(), "address", address)
	return tunnel, nil
}

func (f *HTTPProxyDialer) handshake(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if f.proxy.Protocol == proxyenv.HTTPS {
		tlsConn := tls.Client(c, &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         f.proxy.Hostname,
			InsecureSkipVerify: !f.cfg.RejectUnauthorized,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("http proxy connect tls handshake: %w", err)
		}
		c = tlsConn
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.cfg.KeepAlive {
		req.Header.Set("Connection", "keep-alive")
	} else {
		req.Close = true
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}

	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("http proxy connect read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &proxyerr.InvalidProxyResponseError{StatusCode: resp.StatusCode}
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn replays bytes read past the CONNECT response before reading
// from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) NetConn() net.Conn { return c.Conn }
