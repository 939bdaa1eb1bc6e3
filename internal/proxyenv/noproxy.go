package proxyenv

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

type noProxyEntry struct {
	host string
	port string
}

// NoProxy is a parsed list of hostnames that bypass the proxy.
type NoProxy struct {
	all     bool
	entries []noProxyEntry
}

// ParseNoProxy parses no-proxy entries. Each element may itself hold several
// entries separated by commas or whitespace, as found in the no_proxy
// environment variable.
func ParseNoProxy(list ...string) NoProxy {
	var np NoProxy
	for _, item := range list {
		for _, f := range strings.FieldsFunc(item, isListSep) {
			if f == "*" {
				np.all = true
				continue
			}

			f = strings.TrimPrefix(f, "*")
			f = strings.TrimPrefix(f, ".")

			var e noProxyEntry
			if h, p, err := net.SplitHostPort(f); err == nil {
				e.host, e.port = h, p
			} else {
				e.host = strings.Trim(f, "[]")
			}
			e.host = normalizeHost(e.host)
			if e.host == "" {
				continue
			}
			np.entries = append(np.entries, e)
		}
	}
	return np
}

func isListSep(r rune) bool {
	return r == ',' || r == ' ' || r == '\t' || r == '\n'
}

// Match reports whether host (optionally host:port) is excluded from
// proxying. An entry matches the host itself and any subdomain of it, on a
// dot boundary.
func (np NoProxy) Match(hostport string) bool {
	if np.all {
		return true
	}
	if len(np.entries) == 0 {
		return false
	}

	host, port := hostport, ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, port = h, p
	}
	host = normalizeHost(strings.Trim(host, "[]"))
	if host == "" {
		return false
	}

	for _, e := range np.entries {
		if e.port != "" && e.port != port {
			continue
		}
		if host == e.host || strings.HasSuffix(host, "."+e.host) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	h = strings.TrimSuffix(strings.TrimSpace(h), ".")
	if h == "" {
		return ""
	}
	if a, err := idna.Lookup.ToASCII(h); err == nil {
		return a
	}
	return strings.ToLower(h)
}
