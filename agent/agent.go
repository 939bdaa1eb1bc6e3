package agent

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/proxyagent/internal/dialer"
	"github.com/die-net/proxyagent/internal/proxyenv"
	"github.com/die-net/proxyagent/internal/proxyerr"
	"github.com/die-net/proxyagent/internal/timeouts"
)

// Agent owns one connection pool and the strategy used to fill it.
type Agent struct {
	secure  bool
	cfg     Config
	proxy   *proxyenv.Descriptor
	noProxy proxyenv.NoProxy

	dialer dialer.Dialer
	direct dialer.Dialer

	transport *http.Transport
	log       *zap.SugaredLogger
}

// New returns an agent for destinations of the given security. It fails
// with *InvalidProxyProtocolError when the configured proxy uses an
// unsupported scheme.
func New(secure bool, cfg Config) (*Agent, error) {
	cfg = cfg.Normalize()

	scheme := "http"
	if secure {
		scheme = "https"
	}
	opts := cfg.proxyOptions()
	proxy, err := proxyenv.Configured(opts, scheme)
	if err != nil {
		return nil, err
	}

	dcfg := dialer.Config{
		KeepAlive:          *cfg.KeepAlive,
		Family:             cfg.Family,
		RejectUnauthorized: *cfg.RejectUnauthorized,
		DNS:                cfg.DNS,
		Logger:             cfg.Logger,
	}
	d, err := dialer.New(dcfg, proxy)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		secure:  secure,
		cfg:     cfg,
		proxy:   proxy,
		noProxy: opts.NoProxyList(),
		dialer:  d,
		direct:  dialer.NewDirectDialer(dcfg),
		log:     cfg.Logger,
	}

	a.transport = &http.Transport{
		DialContext:         a.dialPlain,
		DialTLSContext:      a.dialTLS,
		MaxIdleConns:        100,
		MaxConnsPerHost:     cfg.MaxSockets,
		MaxIdleConnsPerHost: cfg.MaxSockets,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !*cfg.KeepAlive,
		// A non-nil empty map keeps the transport on HTTP/1.1.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	proxyDesc := "direct"
	if proxy != nil {
		proxyDesc = proxy.Redacted()
	}
	a.log.Debugw("agent created", "secure", secure, "proxy", proxyDesc, "maxSockets", cfg.MaxSockets, "keepAlive", *cfg.KeepAlive)
	return a, nil
}

// Secure reports whether the agent was created for https destinations.
func (a *Agent) Secure() bool { return a.secure }

// Proxy returns the configured proxy, or nil for direct connections.
func (a *Agent) Proxy() *proxyenv.Descriptor { return a.proxy }

// Config returns the normalized configuration.
func (a *Agent) Config() Config { return a.cfg }

// CloseIdleConnections closes pooled connections that are not in use.
func (a *Agent) CloseIdleConnections() { a.transport.CloseIdleConnections() }

// proxyFor returns the proxy used for hostport, honoring no-proxy.
func (a *Agent) proxyFor(hostport string) *proxyenv.Descriptor {
	if a.proxy == nil || a.noProxy.Match(hostport) {
		return nil
	}
	return a.proxy
}

type timeoutsKey struct{}

// WithTimeouts returns a context whose requests through any Agent use t
// instead of the agent's configured timeouts.
func WithTimeouts(ctx context.Context, t Timeouts) context.Context {
	return context.WithValue(ctx, timeoutsKey{}, t)
}

func (a *Agent) timeoutsFor(ctx context.Context) Timeouts {
	if t, ok := ctx.Value(timeoutsKey{}).(Timeouts); ok {
		return t
	}
	return a.cfg.Timeouts
}

func (a *Agent) dialPlain(ctx context.Context, network, addr string) (net.Conn, error) {
	return a.dial(ctx, network, addr, false)
}

func (a *Agent) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	return a.dial(ctx, network, addr, true)
}

// dial runs strategy, idle wrapper and TLS under one connection timer.
func (a *Agent) dial(ctx context.Context, network, addr string, secure bool) (net.Conn, error) {
	t := a.timeoutsFor(ctx)

	d, waitOn := a.dialer, addr
	if p := a.proxyFor(addr); p != nil {
		waitOn = p.Addr()
	} else {
		d = a.direct
	}

	start := time.Now()
	conn, err := timeouts.Connect(ctx, t.Connection, waitOn, func(ctx context.Context) (net.Conn, error) {
		c, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		c = timeouts.NewIdleConnFunc(c, t.Idle, addr, func() {
			a.log.Debugw("idle timeout", "address", addr, "idle", t.Idle)
		})
		if !secure {
			return c, nil
		}

		tc := tls.Client(c, a.tlsConfig(addr))
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return tc, nil
	})
	if err != nil {
		a.log.Debugw("dial failed", "address", addr, "via", waitOn, "code", proxyerr.Code(err), "error", err)
		return nil, err
	}

	a.log.Debugw("dialed", "address", addr, "via", waitOn, "tls", secure, "elapsed", time.Since(start))
	return conn, nil
}

func (a *Agent) tlsConfig(addr string) *tls.Config {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         host,
		InsecureSkipVerify: !*a.cfg.RejectUnauthorized,
		NextProtos:         []string{"http/1.1"},
	}
}

// RoundTrip implements http.RoundTripper.
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	t := a.timeoutsFor(req.Context())

	hostport := canonicalAddr(req)
	info := proxyerr.RequestContext{
		Host:        req.URL.Hostname(),
		RequestHost: req.Host,
		Path:        req.URL.RequestURI(),
	}
	if info.RequestHost == "" {
		info.RequestHost = req.URL.Host
	}
	if p := a.proxyFor(hostport); p != nil {
		info.Proxy = p.Redacted()
	}

	sup, ctx := timeouts.NewRequest(req.Context(), t.Response, t.Transfer, info)

	var mu sync.Mutex
	var conn net.Conn
	usedConn := func() net.Conn {
		mu.Lock()
		defer mu.Unlock()
		return conn
	}

	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(i httptrace.GotConnInfo) {
			mu.Lock()
			conn = i.Conn
			mu.Unlock()
		},
		WroteRequest: func(i httptrace.WroteRequestInfo) {
			if i.Err == nil {
				sup.Finished()
			}
		},
		GotFirstResponseByte: sup.ResponseStarted,
	})

	resp, err := a.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		err = a.mapErr(sup, usedConn(), err)
		sup.Stop()
		return nil, err
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		sup.Stop()
		return resp, nil
	}

	sup.ResponseStarted()
	resp.Body = &supervisedBody{rc: resp.Body, agent: a, sup: sup, conn: usedConn}
	return resp, nil
}

func (a *Agent) mapErr(sup *timeouts.Request, conn net.Conn, err error) error {
	if sup.Err() != nil {
		err = sup.MapErr(err)
		a.log.Debugw("request timeout", "code", proxyerr.Code(err), "error", err)
		return err
	}
	if conn != nil {
		if ierr := timeouts.IdleErr(conn); ierr != nil {
			return ierr
		}
	}
	return err
}

func canonicalAddr(req *http.Request) string {
	host, port := req.URL.Hostname(), req.URL.Port()
	if port == "" {
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(host, port)
}

// supervisedBody disarms the transfer timer once the body is drained or
// closed and reports timer-induced failures as timeout errors.
type supervisedBody struct {
	rc    io.ReadCloser
	agent *Agent
	sup   *timeouts.Request
	conn  func() net.Conn
	once  sync.Once
}

func (b *supervisedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	switch {
	case err == io.EOF:
		b.finish()
	case err != nil:
		err = b.agent.mapErr(b.sup, b.conn(), err)
		b.finish()
	}
	return n, err
}

func (b *supervisedBody) Close() error {
	err := b.rc.Close()
	b.finish()
	return err
}

func (b *supervisedBody) finish() {
	b.once.Do(b.sup.Stop)
}
