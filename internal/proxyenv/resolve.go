// Package proxyenv decides which proxy, if any, a destination should be
// reached through.
//
// The decision is a pure function of the explicit configuration, the
// environment lookup function and the destination, so it can be tested
// without touching the process environment.
package proxyenv

import (
	"os"
	"strings"
)

// Direct is the explicit proxy value that disables proxying, overriding the
// environment.
const Direct = "direct://"

// LookupFunc mirrors os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Options carries the caller's proxy configuration.
type Options struct {
	// Proxy is an explicit proxy URL. Empty means consult the environment;
	// Direct forces a direct connection.
	Proxy string
	// NoProxy lists hostnames that bypass the proxy. When nil, no_proxy from
	// the environment is used.
	NoProxy []string
	// Env looks up environment variables. Defaults to os.LookupEnv.
	Env LookupFunc
}

// Resolve returns the proxy to use for a destination with the given scheme
// ("http" or "https") and host[:port]. It returns nil when the destination
// should be reached directly.
func Resolve(opts Options, scheme, hostport string) (*Descriptor, error) {
	raw := opts.rawProxy(scheme)
	if raw == "" {
		return nil, nil
	}
	if opts.NoProxyList().Match(hostport) {
		return nil, nil
	}
	return Parse(raw)
}

// Configured returns the proxy that applies to destinations with the given
// scheme before no-proxy exclusions, or nil when there is none.
func Configured(opts Options, scheme string) (*Descriptor, error) {
	raw := opts.rawProxy(scheme)
	if raw == "" {
		return nil, nil
	}
	return Parse(raw)
}

func (opts Options) rawProxy(scheme string) string {
	raw := strings.TrimSpace(opts.Proxy)
	switch strings.ToLower(raw) {
	case Direct, "direct":
		return ""
	case "":
		return fromEnvironment(opts.env(), strings.ToLower(scheme))
	}
	return raw
}

func (opts Options) env() LookupFunc {
	if opts.Env == nil {
		return os.LookupEnv
	}
	return opts.Env
}

// NoProxyList returns the explicit no-proxy list, or no_proxy from the
// environment when none was given.
func (opts Options) NoProxyList() NoProxy {
	if opts.NoProxy != nil {
		return ParseNoProxy(opts.NoProxy...)
	}
	return ParseNoProxy(getenv(opts.env(), "no_proxy"))
}

// proxyVars lists, per destination scheme, the environment variables to try
// in order. http_proxy never applies to https destinations.
var proxyVars = map[string][]string{
	"https": {"https_proxy", "proxy", "all_proxy"},
	"http":  {"http_proxy", "https_proxy", "proxy", "all_proxy"},
}

func fromEnvironment(env LookupFunc, scheme string) string {
	vars, ok := proxyVars[scheme]
	if !ok {
		vars = proxyVars["https"]
	}
	for _, name := range vars {
		if v := getenv(env, name); v != "" {
			return normalizeProxyURL(v)
		}
	}
	return ""
}

// getenv prefers the lowercase variable and falls back to uppercase.
func getenv(env LookupFunc, name string) string {
	if v, ok := env(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := env(strings.ToUpper(name)); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// normalizeProxyURL adds an http scheme to bare host:port values.
func normalizeProxyURL(s string) string {
	if s == "" || strings.Contains(s, "://") {
		return s
	}
	return "http://" + s
}
