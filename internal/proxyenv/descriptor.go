package proxyenv

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/die-net/proxyagent/internal/proxyerr"
)

// Protocol identifies the proxy wire protocol.
type Protocol string

const (
	HTTP    Protocol = "http"
	HTTPS   Protocol = "https"
	SOCKS4  Protocol = "socks4"
	SOCKS4A Protocol = "socks4a"
	SOCKS5  Protocol = "socks5"
	SOCKS5H Protocol = "socks5h"
)

// Descriptor is a parsed proxy URL. It is immutable once returned by Parse.
type Descriptor struct {
	Protocol Protocol
	Hostname string
	Port     int
	Username string
	Password string
	HasAuth  bool
}

// Parse parses raw into a Descriptor.
//
// Supported schemes:
//   - http://[user:pass@]host[:port]
//   - https://[user:pass@]host[:port]
//   - socks4://[user@]host[:port]
//   - socks4a://[user@]host[:port]
//   - socks5://[user:pass@]host[:port]
//   - socks5h://[user:pass@]host[:port]
//   - socks://[user:pass@]host[:port] (same as socks5h)
//
// A missing port defaults to 80 for http, 443 for https and 1080 for every
// SOCKS variant.
func Parse(raw string) (*Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	var proto Protocol
	switch strings.ToLower(u.Scheme) {
	case "http":
		proto = HTTP
	case "https":
		proto = HTTPS
	case "socks4":
		proto = SOCKS4
	case "socks4a":
		proto = SOCKS4A
	case "socks5":
		proto = SOCKS5
	case "socks5h", "socks":
		proto = SOCKS5H
	default:
		return nil, &proxyerr.InvalidProxyProtocolError{Protocol: u.Scheme}
	}

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid proxy url: path should be empty")
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid proxy url: missing host")
	}

	d := &Descriptor{Protocol: proto, Hostname: host}

	if p := u.Port(); p != "" {
		d.Port, err = strconv.Atoi(p)
		if err != nil || d.Port <= 0 || d.Port > 65535 {
			return nil, fmt.Errorf("invalid proxy url: bad port %q", p)
		}
	} else {
		d.Port = defaultPort(proto)
	}

	// url.Userinfo has already percent-decoded both fields.
	if u.User != nil {
		d.Username = u.User.Username()
		d.Password, _ = u.User.Password()
		d.HasAuth = d.Username != "" || d.Password != ""
	}

	return d, nil
}

func defaultPort(p Protocol) int {
	switch p {
	case HTTP:
		return 80
	case HTTPS:
		return 443
	default:
		return 1080
	}
}

// Addr returns the proxy host:port.
func (d *Descriptor) Addr() string {
	return net.JoinHostPort(d.Hostname, strconv.Itoa(d.Port))
}

// IsSOCKS reports whether d is one of the SOCKS variants.
func (d *Descriptor) IsSOCKS() bool {
	switch d.Protocol {
	case SOCKS4, SOCKS4A, SOCKS5, SOCKS5H:
		return true
	}
	return false
}

// RemoteResolve reports whether destination hostnames are handed to the proxy
// unresolved.
func (d *Descriptor) RemoteResolve() bool {
	return d.Protocol == SOCKS4A || d.Protocol == SOCKS5H
}

// URL returns d as a URL, including credentials.
func (d *Descriptor) URL() *url.URL {
	u := &url.URL{Scheme: string(d.Protocol), Host: d.Addr()}
	if d.HasAuth {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	return u
}

// String returns the canonical URL including credentials. It is suitable as a
// cache key but must not be logged; use Redacted for that.
func (d *Descriptor) String() string {
	return d.URL().String()
}

// Redacted returns the canonical URL with the password masked.
func (d *Descriptor) Redacted() string {
	return d.URL().Redacted()
}
