package agent

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/proxyagent/internal/dnscache"
	"github.com/die-net/proxyagent/internal/proxyenv"
)

// DefaultMaxSockets is the per-host connection limit when none is set.
const DefaultMaxSockets = 15

// Direct is the Config.Proxy value that forces direct connections even when
// proxy environment variables are set.
const Direct = proxyenv.Direct

// Timeouts are the four independent timers. Zero disables a timer.
type Timeouts struct {
	// Connection bounds dialing, the proxy handshake and the TLS handshake.
	Connection time.Duration
	// Idle closes a socket with no completed reads or writes for this long.
	Idle time.Duration
	// Response bounds the wait for the first response byte once the request
	// has been written.
	Response time.Duration
	// Transfer bounds delivery of the response body.
	Transfer time.Duration
}

// Config configures an Agent. The zero value is usable: proxies come from
// the environment, keep-alive is on and certificates are verified.
type Config struct {
	// Proxy is the proxy URL. Empty consults the environment; Direct
	// disables proxying.
	Proxy string
	// NoProxy lists hosts reached directly. Nil falls back to no_proxy.
	NoProxy []string

	Timeouts Timeouts
	// Timeout is a legacy alias for Timeouts.Idle, used when Idle is unset.
	Timeout time.Duration

	// KeepAlive enables TCP keep-alive and connection reuse. Default true.
	KeepAlive *bool
	// Family restricts name resolution to IPv4 (4) or IPv6 (6).
	Family int
	// MaxSockets caps concurrent connections per host. Default
	// DefaultMaxSockets.
	MaxSockets int
	// RejectUnauthorized verifies TLS certificates of the destination and of
	// https proxies. Default true.
	RejectUnauthorized *bool

	// Disabled makes Registry.Get return no agent.
	Disabled bool

	// Env looks up proxy environment variables. Default os.LookupEnv.
	Env proxyenv.LookupFunc
	// DNS caches hostname lookups. Default dnscache.Default.
	DNS *dnscache.Cache
	// Logger receives debug events. Default is a no-op logger.
	Logger *zap.SugaredLogger
}

// Bool returns a pointer to v, for the optional Config fields.
func Bool(v bool) *bool { return &v }

// Normalize returns a copy of c with defaults applied and legacy fields
// folded into their replacements.
func (c Config) Normalize() Config {
	if c.Timeouts.Idle == 0 && c.Timeout > 0 {
		c.Timeouts.Idle = c.Timeout
	}
	c.Timeout = 0

	if c.KeepAlive == nil {
		c.KeepAlive = Bool(true)
	}
	if c.RejectUnauthorized == nil {
		c.RejectUnauthorized = Bool(true)
	}
	if c.MaxSockets <= 0 {
		c.MaxSockets = DefaultMaxSockets
	}
	if c.Family != 4 && c.Family != 6 {
		c.Family = 0
	}
	if c.Env == nil {
		c.Env = os.LookupEnv
	}
	if c.DNS == nil {
		c.DNS = dnscache.Default
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

func (c Config) proxyOptions() proxyenv.Options {
	return proxyenv.Options{Proxy: c.Proxy, NoProxy: c.NoProxy, Env: c.Env}
}
