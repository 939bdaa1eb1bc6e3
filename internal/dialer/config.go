package dialer

import (
	"net"

	"go.uber.org/zap"

	"github.com/die-net/proxyagent/internal/dnscache"
)

type Config struct {
	// KeepAlive enables TCP keep-alive probes and disables Nagle's algorithm
	// on every socket.
	KeepAlive bool
	// KeepAliveConfig tunes the probes when KeepAlive is set. The zero value
	// uses the operating system defaults.
	KeepAliveConfig net.KeepAliveConfig
	// Family restricts hostname resolution to IPv4 (4) or IPv6 (6).
	Family int
	// RejectUnauthorized verifies the certificate presented by an https
	// proxy.
	RejectUnauthorized bool

	DNS    *dnscache.Cache
	Logger *zap.SugaredLogger
}

func (c Config) dns() *dnscache.Cache {
	if c.DNS == nil {
		return dnscache.Default
	}
	return c.DNS
}

func (c Config) logger() *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger
}
